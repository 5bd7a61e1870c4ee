package cpufreq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
)

// Controller arbitrates and applies the operating frequency of one CPU cluster.
// Every method is safe for concurrent use; state changes and the hardware
// transitions they cause are serialized by a single lock.
type Controller interface {
	Register() error
	Unregister()

	SetTarget(freq uint) (uint, error)

	ReportCoolingLevel(level int)
	ThermalThrottle()
	ThermalUnthrottle()
	ThermalState() ThermalState

	SetScreenOffCap(freq uint) (uint, error)
	StoreScreenOffCap(freq uint) (uint, error)
	ClearScreenOffCap() error
	ScreenOff() error
	ScreenOn() error

	Suspend()
	Resume() error

	CurrentSpeed() (uint, error)
	CurrentCaps() Caps
	Status() Status
	Exclusive(fn func(table *FrequencyTable) error) error
}

// ControllerOpts carries the collaborators of a Controller. Table and Scaler
// are required; the rest fall back to single-core, silent defaults.
type ControllerOpts struct {
	Device      string
	Table       *SharedTable
	Scaler      Scaler
	Cores       CoreGuard
	Notifier    Notifier
	Calibration *Calibration
}

// Caps are the externally imposed ceilings in kHz. ScreenOff is 0 when no
// screen-off cap is engaged.
type Caps struct {
	Thermal   uint
	ScreenOff uint
}

// Status is a consistent snapshot of the scaling state.
type Status struct {
	Ready         bool
	Suspended     bool
	MaxTableFreq  uint
	MaxThermal    uint
	MaxCapped     uint
	ScreenOffMax  uint
	CurrentTarget uint
	Applied       uint
	CoolingLevel  int
	Thermal       ThermalState
}

type controllerImpl struct {
	device      string
	shared      *SharedTable
	scaler      Scaler
	cores       CoreGuard
	notifier    Notifier
	calibration *Calibration
	log         logr.Logger

	ready        atomic.Bool
	notReadyOnce sync.Once

	mutex         sync.Mutex
	table         *FrequencyTable
	registered    []uint
	maxTableFreq  uint
	maxThermal    uint
	maxCapped     uint
	screenOffMax  uint
	currentTarget uint
	applied       uint
	lastRequested uint
	coolingLevel  int
	suspended     bool
}

func NewController(opts ControllerOpts) Controller {
	c := &controllerImpl{
		device:      opts.Device,
		shared:      opts.Table,
		scaler:      opts.Scaler,
		cores:       opts.Cores,
		notifier:    opts.Notifier,
		calibration: opts.Calibration,
		log:         ctrl.Log.WithName("cpufreq").WithValues("device", opts.Device),
	}
	if c.cores == nil {
		c.cores = StaticCores{0}
	}
	if c.notifier == nil {
		c.notifier = NotifierFunc(func(Transition) {})
	}
	if c.calibration == nil {
		c.calibration = NewCalibration(nil, 0)
	}

	return c
}

// Register acquires the shared table for every active core and marks the
// controller ready. Calling it again on a ready controller is a no-op.
func (c *controllerImpl) Register() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.ready.Load() {
		return nil
	}
	if c.shared == nil || c.scaler == nil {
		return ErrNotConfigured
	}

	err := c.cores.WithAllCoresHeld(func(cpus []uint) error {
		for _, cpu := range cpus {
			table, err := c.shared.Acquire()
			if err != nil {
				c.log.Error(err, "failed creating frequency table", "cpu", cpu)
				return err
			}
			c.table = table
			c.registered = append(c.registered, cpu)
		}
		return nil
	})
	if err == nil && c.table == nil {
		err = fmt.Errorf("no active cores")
	}
	if err != nil {
		c.releaseLocked()
		return fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}

	cur, err := c.scaler.Speed()
	if err != nil {
		c.releaseLocked()
		return fmt.Errorf("failed to read current speed: %w", err)
	}

	c.maxTableFreq = c.table.Max()
	c.maxThermal = c.maxTableFreq
	c.coolingLevel = 0
	c.currentTarget = cur
	c.applied = cur
	c.lastRequested = cur
	c.ready.Store(true)

	c.log.V(4).Info("registered", "cpus", c.registered, "maxFreq", c.maxTableFreq, "current", cur)
	return nil
}

// Unregister drops the table references taken by Register.
func (c *controllerImpl) Unregister() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.ready.Store(false)
	c.releaseLocked()
	c.log.V(4).Info("unregistered")
}

func (c *controllerImpl) releaseLocked() {
	for range c.registered {
		c.shared.Release()
	}
	c.registered = nil
	c.table = nil
}

// SetTarget is the governor path. The request is bounded to the table range,
// rounded up to the nearest enabled frequency and then arbitrated against the
// active ceilings. It returns the frequency running afterwards.
func (c *controllerImpl) SetTarget(freq uint) (uint, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.table == nil {
		c.log.Error(ErrNotConfigured, "no frequency table", "requested", freq)
		return 0, ErrNotConfigured
	}

	op, err := c.table.Lookup(c.table.clamp(freq), AtOrAbove)
	if err != nil {
		c.log.V(5).Info("no frequency match", "requested", freq, "error", err.Error())
		return 0, err
	}

	previous := c.currentTarget
	c.currentTarget = op.Frequency

	if c.suspended {
		c.log.V(5).Info("suspended, deferring transition", "target", c.currentTarget)
		return c.applied, nil
	}

	applied := c.applied
	actual, err := c.scale(c.currentTarget)
	if err != nil {
		// keep the request only if the hardware moved anyway
		if c.applied == applied {
			c.currentTarget = previous
		}
		return actual, err
	}
	return actual, nil
}

// CurrentSpeed reads the running frequency from hardware.
func (c *controllerImpl) CurrentSpeed() (uint, error) {
	if c.scaler == nil {
		return 0, ErrNotConfigured
	}
	return c.scaler.Speed()
}

func (c *controllerImpl) CurrentCaps() Caps {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return Caps{Thermal: c.maxThermal, ScreenOff: c.maxCapped}
}

func (c *controllerImpl) Status() Status {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return Status{
		Ready:         c.ready.Load(),
		Suspended:     c.suspended,
		MaxTableFreq:  c.maxTableFreq,
		MaxThermal:    c.maxThermal,
		MaxCapped:     c.maxCapped,
		ScreenOffMax:  c.screenOffMax,
		CurrentTarget: c.currentTarget,
		Applied:       c.applied,
		CoolingLevel:  c.coolingLevel,
		Thermal:       c.thermalStateLocked(),
	}
}

// Exclusive runs fn under the controller lock, so that no transition can run
// concurrently with it.
func (c *controllerImpl) Exclusive(fn func(table *FrequencyTable) error) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.table == nil {
		return ErrNotConfigured
	}
	return fn(c.table)
}
