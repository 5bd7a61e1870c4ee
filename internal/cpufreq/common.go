package cpufreq

import "errors"

var (
	// ErrNotConfigured is returned when no frequency table is available or the
	// controller was never registered. Callers should not retry without
	// reconfiguration.
	ErrNotConfigured error = errors.New("cpufreq not configured")

	// ErrNoMatch is returned when a requested frequency maps to no enabled
	// operating point in the requested direction.
	ErrNoMatch error = errors.New("no matching frequency in table")

	// ErrNotReady is returned by entry points that require a registered controller.
	ErrNotReady error = errors.New("cpufreq not ready")

	// ErrNoOperatingPoints is returned when a table would be built without a
	// single enabled operating point.
	ErrNoOperatingPoints error = errors.New("no enabled operating points")
)

// Relation selects the rounding direction of a table lookup.
type Relation int

const (
	// AtOrAbove picks the lowest enabled frequency >= the requested one.
	AtOrAbove Relation = iota
	// AtOrBelow picks the highest enabled frequency <= the requested one.
	AtOrBelow
)

func (r Relation) String() string {
	switch r {
	case AtOrAbove:
		return "at-or-above"
	case AtOrBelow:
		return "at-or-below"
	default:
		return "unknown"
	}
}

// Phase of a frequency transition notification.
type Phase int

const (
	PreChange Phase = iota
	PostChange
)

func (p Phase) String() string {
	if p == PreChange {
		return "pre"
	}
	return "post"
}

// Transition is delivered to a Notifier around every hardware frequency change.
// Frequencies are in kHz.
type Transition struct {
	Phase Phase
	Old   uint
	New   uint
	CPUs  []uint
}

// TableProvider supplies the discrete operating points of a device.
type TableProvider interface {
	OperatingPoints(device string) ([]OperatingPoint, error)
}

// Scaler is the hardware scaling primitive. Scale blocks until the hardware
// accepted or refused the request, Speed reads the frequency actually running.
type Scaler interface {
	Scale(freq uint) error
	Speed() (uint, error)
}

// CoreGuard runs fn with the set of active cores frozen for its duration.
type CoreGuard interface {
	WithAllCoresHeld(fn func(cpus []uint) error) error
}

// Notifier observes frequency transitions. It is called with the controller
// lock held and must not call back into the controller.
type Notifier interface {
	Notify(t Transition)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(t Transition)

func (f NotifierFunc) Notify(t Transition) { f(t) }

// StaticCores is a CoreGuard over a fixed core set, for platforms without hotplug.
type StaticCores []uint

func (s StaticCores) WithAllCoresHeld(fn func(cpus []uint) error) error {
	cpus := make([]uint, len(s))
	copy(cpus, s)
	return fn(cpus)
}
