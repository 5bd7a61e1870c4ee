// Package platform describes the SoC variants the controller knows how to
// drive: the MPU clock, its operating points and the VDD_CORE voltage each
// MPU operating point depends on.
package platform

import (
	"fmt"
	"strings"

	"github.com/faux123/tuna/internal/cpufreq"
)

type Variant int

const (
	Unknown Variant = iota
	OMAP4430
	OMAP4460
)

// MPUDevice is the device name operating points are registered under.
const MPUDevice = "mpu"

// MPUPoint is one MPU operating point with the minimum VDD_CORE voltage it
// requires (µV).
type MPUPoint struct {
	cpufreq.OperatingPoint
	CoreFloor uint
}

// Spec is the static description of one variant.
type Spec struct {
	Variant   Variant
	Name      string
	ClockName string
	MPU       []MPUPoint
}

// VDD_CORE dependency levels (µV)
const (
	omap4430CoreOPP50    uint = 962000
	omap4430CoreOPP100   uint = 1127000
	omap4460CoreOPP50    uint = 962000
	omap4460CoreOPP100   uint = 1127000
	omap4460CoreOPP100OV uint = 1250000
)

var specs = map[Variant]Spec{
	OMAP4430: {
		Variant:   OMAP4430,
		Name:      "omap4430",
		ClockName: "dpll_mpu_ck",
		MPU: []MPUPoint{
			{cpufreq.OperatingPoint{Frequency: 300000, Voltage: 1025000, Enabled: true}, omap4430CoreOPP50},
			{cpufreq.OperatingPoint{Frequency: 600000, Voltage: 1200000, Enabled: true}, omap4430CoreOPP100},
			{cpufreq.OperatingPoint{Frequency: 800000, Voltage: 1325000, Enabled: true}, omap4430CoreOPP100},
			{cpufreq.OperatingPoint{Frequency: 1008000, Voltage: 1388000, Enabled: true}, omap4430CoreOPP100},
		},
	},
	OMAP4460: {
		Variant:   OMAP4460,
		Name:      "omap4460",
		ClockName: "virt_dpll_mpu_ck",
		MPU: []MPUPoint{
			{cpufreq.OperatingPoint{Frequency: 350000, Voltage: 1025000, Enabled: true}, omap4460CoreOPP50},
			{cpufreq.OperatingPoint{Frequency: 525000, Voltage: 1114000, Enabled: true}, omap4460CoreOPP50},
			{cpufreq.OperatingPoint{Frequency: 700000, Voltage: 1203000, Enabled: true}, omap4460CoreOPP100},
			{cpufreq.OperatingPoint{Frequency: 810000, Voltage: 1259000, Enabled: true}, omap4460CoreOPP100},
			{cpufreq.OperatingPoint{Frequency: 920000, Voltage: 1317000, Enabled: true}, omap4460CoreOPP100},
			{cpufreq.OperatingPoint{Frequency: 1060000, Voltage: 1347000, Enabled: true}, omap4460CoreOPP100},
			{cpufreq.OperatingPoint{Frequency: 1200000, Voltage: 1380000, Enabled: false}, omap4460CoreOPP100},
			{cpufreq.OperatingPoint{Frequency: 1350000, Voltage: 1385000, Enabled: false}, omap4460CoreOPP100},
			{cpufreq.OperatingPoint{Frequency: 1420000, Voltage: 1390000, Enabled: false}, omap4460CoreOPP100OV},
			{cpufreq.OperatingPoint{Frequency: 1480000, Voltage: 1410000, Enabled: false}, omap4460CoreOPP100OV},
			{cpufreq.OperatingPoint{Frequency: 1560000, Voltage: 1420000, Enabled: false}, omap4460CoreOPP100OV},
			{cpufreq.OperatingPoint{Frequency: 1640000, Voltage: 1430000, Enabled: false}, omap4460CoreOPP100OV},
			{cpufreq.OperatingPoint{Frequency: 1720000, Voltage: 1440000, Enabled: false}, omap4460CoreOPP100OV},
			{cpufreq.OperatingPoint{Frequency: 1800000, Voltage: 1450000, Enabled: false}, omap4460CoreOPP100OV},
		},
	},
}

func (v Variant) String() string {
	if s, ok := specs[v]; ok {
		return s.Name
	}
	return "unknown"
}

// Lookup resolves a variant by name, e.g. "omap4460".
func Lookup(name string) (Spec, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range specs {
		if s.Name == name {
			return s, nil
		}
	}
	return Spec{}, fmt.Errorf("unsupported silicon %q", name)
}

// Get returns the spec of a known variant.
func Get(v Variant) (Spec, error) {
	s, ok := specs[v]
	if !ok {
		return Spec{}, fmt.Errorf("unsupported silicon variant %d", v)
	}
	return s, nil
}

// CoreFloor returns the VDD_CORE floor of the MPU point running at freq.
func (s Spec) CoreFloor(freq uint) (uint, bool) {
	for _, p := range s.MPU {
		if p.Frequency == freq {
			return p.CoreFloor, true
		}
	}
	return 0, false
}

// WithEnabled returns a copy of s where the given frequencies are enabled in
// addition to the default ones. Unknown frequencies are reported.
func (s Spec) WithEnabled(freqs ...uint) (Spec, error) {
	mpu := make([]MPUPoint, len(s.MPU))
	copy(mpu, s.MPU)

	for _, freq := range freqs {
		found := false
		for i := range mpu {
			if mpu[i].Frequency == freq {
				mpu[i].Enabled = true
				found = true
			}
		}
		if !found {
			return Spec{}, fmt.Errorf("%s has no %d kHz operating point", s.Name, freq)
		}
	}

	s.MPU = mpu
	return s, nil
}

// Provider serves the MPU table of a variant as a cpufreq.TableProvider.
type Provider struct {
	Spec Spec
}

func (p Provider) OperatingPoints(device string) ([]cpufreq.OperatingPoint, error) {
	if device != MPUDevice {
		return nil, fmt.Errorf("%s has no operating points for device %q", p.Spec.Name, device)
	}

	points := make([]cpufreq.OperatingPoint, 0, len(p.Spec.MPU))
	for _, mpu := range p.Spec.MPU {
		points = append(points, mpu.OperatingPoint)
	}
	return points, nil
}
