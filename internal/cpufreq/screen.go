package cpufreq

// SetScreenOffCap snaps freq down to the nearest enabled frequency, stores it
// as the screen-off cap and engages it. The snapped value is returned even
// when the follow-up transition fails.
func (c *controllerImpl) SetScreenOffCap(freq uint) (uint, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	capped, err := c.storeScreenOffCapLocked(freq)
	if err != nil {
		return 0, err
	}

	c.maxCapped = capped
	return capped, c.enforceCapLocked()
}

// StoreScreenOffCap snaps and stores the screen-off cap without engaging it;
// it takes effect on the next ScreenOff. An engaged cap is replaced by the
// new value and the target re-arbitrated against it.
func (c *controllerImpl) StoreScreenOffCap(freq uint) (uint, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	capped, err := c.storeScreenOffCapLocked(freq)
	if err != nil {
		return 0, err
	}

	if c.maxCapped == 0 || c.suspended {
		if c.maxCapped != 0 {
			c.maxCapped = capped
		}
		return capped, nil
	}

	c.maxCapped = capped
	_, err = c.scale(c.currentTarget)
	return capped, err
}

func (c *controllerImpl) storeScreenOffCapLocked(freq uint) (uint, error) {
	if c.table == nil {
		return 0, ErrNotConfigured
	}

	op, err := c.table.Lookup(freq, AtOrBelow)
	if err != nil {
		c.log.V(4).Info("rejecting screen-off cap", "requested", freq, "error", err.Error())
		return 0, err
	}

	c.screenOffMax = op.Frequency
	c.log.V(4).Info("screen-off cap stored", "requested", freq, "cap", op.Frequency)
	return op.Frequency, nil
}

// ClearScreenOffCap forgets the screen-off cap and restores the target.
func (c *controllerImpl) ClearScreenOffCap() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.screenOffMax = 0
	return c.releaseCapLocked()
}

// ScreenOff engages the stored screen-off cap, if one was configured.
func (c *controllerImpl) ScreenOff() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.screenOffMax == 0 {
		return nil
	}
	c.maxCapped = c.screenOffMax
	return c.enforceCapLocked()
}

// ScreenOn disengages the screen-off cap but keeps it stored for the next
// ScreenOff.
func (c *controllerImpl) ScreenOn() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.releaseCapLocked()
}

func (c *controllerImpl) enforceCapLocked() error {
	if c.suspended || c.table == nil {
		return nil
	}

	cur, err := c.scaler.Speed()
	if err != nil {
		return err
	}
	if cur > c.maxCapped {
		_, err = c.scale(c.currentTarget)
	}
	return err
}

func (c *controllerImpl) releaseCapLocked() error {
	if c.maxCapped == 0 {
		return nil
	}
	c.maxCapped = 0

	if c.suspended || c.table == nil {
		return nil
	}

	_, err := c.scale(c.currentTarget)
	return err
}
