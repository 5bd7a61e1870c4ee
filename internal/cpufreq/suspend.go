package cpufreq

// Suspend freezes scaling. The system suspends at whatever frequency is running.
func (c *controllerImpl) Suspend() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.suspended = true
	c.log.V(4).Info("suspended", "applied", c.applied)
}

// Resume restores the recorded target, arbitrated against the ceilings that
// changed while suspended, before scaling is unfrozen. Both happen under one
// lock hold, so at most one transition runs.
func (c *controllerImpl) Resume() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	defer func() { c.suspended = false }()

	if c.table == nil {
		return nil
	}

	if _, err := c.scale(c.currentTarget); err != nil {
		c.log.Error(err, "failed to restore target on resume", "target", c.currentTarget)
		return err
	}

	c.log.V(4).Info("resumed", "target", c.currentTarget)
	return nil
}
