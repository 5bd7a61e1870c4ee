package cpufreq

import "sync"

type calibrationRef struct {
	ticks uint64
	freq  uint
}

// Calibration tracks the per-core delay-loop constants (loops per jiffy) and
// the cluster-wide fallback, rescaling them proportionally to frequency.
// References are captured once, on first rescale, and never re-anchored.
type Calibration struct {
	mutex     sync.RWMutex
	perCPU    map[uint]uint64
	refs      map[uint]calibrationRef
	global    uint64
	globalRef calibrationRef
}

// NewCalibration seeds the constants. Cores missing from perCPU start from the
// global value.
func NewCalibration(perCPU map[uint]uint64, global uint64) *Calibration {
	c := &Calibration{
		perCPU: make(map[uint]uint64, len(perCPU)),
		refs:   make(map[uint]calibrationRef),
		global: global,
	}
	for cpu, ticks := range perCPU {
		c.perCPU[cpu] = ticks
	}
	return c
}

// scaleTicks returns ticks * mult / div with truncating integer division.
func scaleTicks(ticks uint64, div, mult uint) uint64 {
	if div == 0 {
		return ticks
	}
	return ticks * uint64(mult) / uint64(div)
}

// Recalculate rescales every core in cpus and the global constant to target.
// cur is the running frequency, used as reference on first capture only.
func (c *Calibration) Recalculate(cpus []uint, cur, target uint) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, cpu := range cpus {
		ref, ok := c.refs[cpu]
		if !ok || ref.freq == 0 {
			ticks, seeded := c.perCPU[cpu]
			if !seeded {
				ticks = c.global
			}
			ref = calibrationRef{ticks: ticks, freq: cur}
			c.refs[cpu] = ref
		}
		c.perCPU[cpu] = scaleTicks(ref.ticks, ref.freq, target)
	}

	if c.globalRef.freq == 0 {
		c.globalRef = calibrationRef{ticks: c.global, freq: cur}
	}
	c.global = scaleTicks(c.globalRef.ticks, c.globalRef.freq, target)
}

// Value returns the current constant of cpu.
func (c *Calibration) Value(cpu uint) (uint64, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	v, ok := c.perCPU[cpu]
	return v, ok
}

// Global returns the cluster-wide constant.
func (c *Calibration) Global() uint64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.global
}

// Reference returns the captured reference pair of cpu, if any.
func (c *Calibration) Reference(cpu uint) (ticks uint64, freq uint, ok bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	ref, ok := c.refs[cpu]
	return ref.ticks, ref.freq, ok
}
