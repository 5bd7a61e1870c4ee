package cpufreq

import (
	"errors"
	"fmt"
)

// arbitrate reduces a request to the effective target. Thermal always wins
// over the screen-off cap, and both over the request. Caller holds the lock.
func (c *controllerImpl) arbitrate(freq uint) uint {
	target := min(freq, c.maxTableFreq)
	target = min(target, c.maxThermal)
	if c.maxCapped != 0 {
		target = min(target, c.maxCapped)
	}
	return target
}

// scale arbitrates freq and, unless the result is already running, performs
// the transition. Caller holds the lock and has checked the suspend state.
func (c *controllerImpl) scale(freq uint) (uint, error) {
	if c.table == nil {
		return 0, ErrNotConfigured
	}

	target := c.arbitrate(freq)

	old, err := c.scaler.Speed()
	if err != nil {
		return 0, fmt.Errorf("failed to read current speed: %w", err)
	}
	if old == target {
		return old, nil
	}
	// the hardware settled on applied for this same request last time
	if target == c.lastRequested && old == c.applied {
		return old, nil
	}

	var (
		actual   uint
		scaleErr error
	)
	err = c.cores.WithAllCoresHeld(func(cpus []uint) error {
		c.notifier.Notify(Transition{Phase: PreChange, Old: old, New: target, CPUs: cpus})
		c.log.V(5).Info("transition", "old", old, "new", target)

		// Calibration must never overstate the running clock: raise it
		// before going up, lower it after coming down.
		calibrated := old
		if target > old {
			c.calibration.Recalculate(cpus, old, target)
			calibrated = target
		}

		scaleErr = c.scaler.Scale(target)

		var readErr error
		actual, readErr = c.scaler.Speed()
		if readErr != nil {
			if calibrated != old {
				c.calibration.Recalculate(cpus, old, old)
			}
			return fmt.Errorf("failed to read speed after transition: %w", readErr)
		}

		if actual != calibrated {
			c.calibration.Recalculate(cpus, old, actual)
		}

		c.notifier.Notify(Transition{Phase: PostChange, Old: old, New: actual, CPUs: cpus})
		return nil
	})
	if err != nil {
		c.lastRequested = 0
		c.log.Error(err, "transition aborted", "old", old, "new", target)
		return 0, errors.Join(scaleErr, err)
	}

	c.applied = actual
	if scaleErr != nil {
		c.lastRequested = 0
		c.log.Error(scaleErr, "hardware scaling failed", "old", old, "new", target, "actual", actual)
		return actual, scaleErr
	}

	c.lastRequested = target
	if actual != target {
		c.log.V(4).Info("hardware coerced frequency", "requested", target, "actual", actual)
	}

	return actual, nil
}
