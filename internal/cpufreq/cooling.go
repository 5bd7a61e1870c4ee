package cpufreq

// ThermalState of the cooling adapter.
type ThermalState int

const (
	ThermalNotReady ThermalState = iota
	ThermalUnthrottled
	ThermalThrottled
)

func (s ThermalState) String() string {
	switch s {
	case ThermalUnthrottled:
		return "unthrottled"
	case ThermalThrottled:
		return "throttled"
	default:
		return "not-ready"
	}
}

func (c *controllerImpl) ThermalState() ThermalState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.thermalStateLocked()
}

func (c *controllerImpl) thermalStateLocked() ThermalState {
	if !c.ready.Load() || c.table == nil {
		return ThermalNotReady
	}
	if c.maxThermal < c.maxTableFreq {
		return ThermalThrottled
	}
	return ThermalUnthrottled
}

// checkReady reports whether thermal input can be accepted. The first call
// made before registration is logged, later ones are dropped silently.
func (c *controllerImpl) checkReady(source string) bool {
	if c.ready.Load() {
		return true
	}
	c.notReadyOnce.Do(func() {
		c.log.Info("thermal input prior to cpufreq ready, ignoring", "source", source)
	})
	return false
}

// ReportCoolingLevel lowers the thermal ceiling by one operating point when the
// level rises and lifts it completely when the level falls.
func (c *controllerImpl) ReportCoolingLevel(level int) {
	if !c.checkReady("cooling level") {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.table == nil {
		return
	}

	switch {
	case level > c.coolingLevel:
		c.log.Info("throttle requested", "level", level, "previous", c.coolingLevel)
		c.throttleLocked()
	case level < c.coolingLevel:
		c.log.Info("unthrottle requested", "level", level, "previous", c.coolingLevel)
		c.unthrottleLocked()
	}

	c.coolingLevel = level
}

// ThermalThrottle steps the thermal ceiling down one operating point without
// a cooling level.
func (c *controllerImpl) ThermalThrottle() {
	if !c.checkReady("throttle") {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.table != nil {
		c.throttleLocked()
	}
}

// ThermalUnthrottle restores the thermal ceiling to the table maximum.
func (c *controllerImpl) ThermalUnthrottle() {
	if !c.checkReady("unthrottle") {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.table != nil {
		c.unthrottleLocked()
	}
}

func (c *controllerImpl) throttleLocked() {
	c.maxThermal = c.table.NextBelow(c.maxThermal)
	c.log.Info("temperature too high, cpu throttle", "maxThermal", c.maxThermal)

	if c.suspended {
		return
	}

	cur, err := c.scaler.Speed()
	if err != nil {
		c.log.Error(err, "failed to read current speed while throttling")
		return
	}
	if cur > c.maxThermal {
		if _, err := c.scale(c.currentTarget); err != nil {
			c.log.Error(err, "failed to throttle", "maxThermal", c.maxThermal)
		}
	}
}

func (c *controllerImpl) unthrottleLocked() {
	if c.maxThermal == c.maxTableFreq {
		c.log.V(4).Info("not throttling")
		return
	}

	c.maxThermal = c.maxTableFreq
	c.log.Info("temperature reduced, ending cpu throttling", "target", c.currentTarget)

	if c.suspended {
		return
	}

	if _, err := c.scale(c.currentTarget); err != nil {
		c.log.Error(err, "failed to restore target after throttling", "target", c.currentTarget)
	}
}
