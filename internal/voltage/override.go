// Package voltage lets an operator override the nominal MPU voltage of every
// enabled operating point. Overrides are raised to the VDD_CORE level the
// operating point depends on and pushed to the rail while scaling is held off.
package voltage

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/faux123/tuna/internal/cpufreq"
	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
)

var (
	ErrNoCoreFloor   error = errors.New("no core voltage dependency for operating point")
	ErrMissingValues error = errors.New("fewer voltages than operating points")
)

// Rail programs the MPU voltage domain. Disable suspends closed-loop
// adjustment so nominal values can be changed; Enable resumes it.
type Rail interface {
	Disable()
	SetNominal(freq uint, microvolts uint) error
	Enable() error
}

// FloorFunc returns the minimum voltage (µV) of the operating point at freq.
type FloorFunc func(freq uint) (uint, bool)

type Override struct {
	controller cpufreq.Controller
	rail       Rail
	floor      FloorFunc
	log        logr.Logger

	mutex sync.Mutex
	volts map[uint]uint
}

func NewOverride(controller cpufreq.Controller, rail Rail, floor FloorFunc) *Override {
	return &Override{
		controller: controller,
		rail:       rail,
		floor:      floor,
		log:        ctrl.Log.WithName("voltage"),
		volts:      map[uint]uint{},
	}
}

// voltage returns the effective voltage of p, the override if one was stored.
func (o *Override) voltage(p cpufreq.OperatingPoint) uint {
	if v, ok := o.volts[p.Frequency]; ok {
		return v
	}
	return p.Voltage
}

// Show writes one "<MHz>mhz: <mV> mV" line per enabled operating point,
// highest frequency first.
func (o *Override) Show(w io.Writer) error {
	return o.controller.Exclusive(func(table *cpufreq.FrequencyTable) error {
		o.mutex.Lock()
		defer o.mutex.Unlock()

		points := enabledDescending(table)
		for _, p := range points {
			if _, err := fmt.Fprintf(w, "%dmhz: %d mV\n", p.Frequency/1000, o.voltage(p)/1000); err != nil {
				return err
			}
		}
		return nil
	})
}

// Store parses whitespace separated millivolt values in the order Show
// prints them and applies them. Every value is raised to the core floor of
// its operating point. An operating point without a known floor stops the
// update; values already applied are kept. The rail is re-enabled on every
// path.
func (o *Override) Store(input string) error {
	fields := strings.Fields(input)

	return o.controller.Exclusive(func(table *cpufreq.FrequencyTable) error {
		o.mutex.Lock()
		defer o.mutex.Unlock()

		o.rail.Disable()
		err := o.storeLocked(table, fields)
		if enableErr := o.rail.Enable(); enableErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to re-enable voltage rail: %w", enableErr))
		}
		if err != nil {
			return err
		}

		o.log.Info("user voltage control activated")
		return nil
	})
}

func (o *Override) storeLocked(table *cpufreq.FrequencyTable, fields []string) error {
	for i, p := range enabledDescending(table) {
		if i >= len(fields) {
			return ErrMissingValues
		}
		millivolts, err := strconv.ParseUint(fields[i], 10, 32)
		if err != nil {
			return fmt.Errorf("failed to parse voltage %q for %d kHz: %w", fields[i], p.Frequency, err)
		}
		microvolts := uint(millivolts) * 1000

		floor, ok := o.floor(p.Frequency)
		if !ok {
			o.log.Error(ErrNoCoreFloor, "bad voltage value", "frequency", p.Frequency, "microvolts", microvolts)
			return fmt.Errorf("%w: %d kHz", ErrNoCoreFloor, p.Frequency)
		}
		microvolts = max(microvolts, floor)

		if err := o.rail.SetNominal(p.Frequency, microvolts); err != nil {
			return fmt.Errorf("failed to set nominal voltage for %d kHz: %w", p.Frequency, err)
		}
		o.volts[p.Frequency] = microvolts
		o.log.V(4).Info("voltage overridden", "frequency", p.Frequency, "microvolts", microvolts)
	}
	return nil
}

// Voltages returns the effective voltage of every enabled operating point
// keyed by frequency.
func (o *Override) Voltages() (map[uint]uint, error) {
	volts := map[uint]uint{}
	err := o.controller.Exclusive(func(table *cpufreq.FrequencyTable) error {
		o.mutex.Lock()
		defer o.mutex.Unlock()

		for _, p := range table.Points() {
			if p.Enabled {
				volts[p.Frequency] = o.voltage(p)
			}
		}
		return nil
	})
	return volts, err
}

func enabledDescending(table *cpufreq.FrequencyTable) []cpufreq.OperatingPoint {
	points := table.Points()
	enabled := make([]cpufreq.OperatingPoint, 0, len(points))
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].Enabled {
			enabled = append(enabled, points[i])
		}
	}
	return enabled
}
