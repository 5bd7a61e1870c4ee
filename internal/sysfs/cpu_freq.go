package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/faux123/tuna/internal/cpufreq"
)

const (
	userspaceGovernor = "userspace"
	cpuFreqBasePath   = "/sys/devices/system/cpu/cpu%d/cpufreq"
)

func getCPUFreqPath(cpu uint, resource string) string {
	cpuFreqPath := fmt.Sprintf(cpuFreqBasePath, cpu)
	return filepath.Join(cpuFreqPath, resource)
}

var getCPUFreqPathFunction = getCPUFreqPath

// get current governor
func getCurrentGovernor(cpu uint) (string, error) {
	governorPath := getCPUFreqPathFunction(cpu, "scaling_governor")

	currentGovernor, err := os.ReadFile(governorPath)
	if err != nil {
		return "", fmt.Errorf("failed to read current governor for cpu %d: %w", cpu, err)
	}
	return strings.TrimSpace(string(currentGovernor)), nil
}

func isUserspaceGovernor(cpu uint) (bool, error) {
	governor, err := getCurrentGovernor(cpu)
	if err != nil {
		return false, err
	}
	return governor == userspaceGovernor, nil
}

// setCPUFrequency sets the CPU frequency in kHz for the specified CPU using the userspace governor.
func setCPUFrequency(cpu uint, frequency uint) error {
	isUserspace, err := isUserspaceGovernor(cpu)
	if err != nil {
		return fmt.Errorf("failed to get userspace governor for CPU %d: %w", cpu, err)
	}

	if !isUserspace {
		return fmt.Errorf("userspace governor not set for CPU %d", cpu)
	}

	scalingSetspeedPath := getCPUFreqPathFunction(cpu, "scaling_setspeed")
	err = os.WriteFile(scalingSetspeedPath, []byte(strconv.FormatUint(uint64(frequency), 10)), 0644)
	if err != nil {
		return fmt.Errorf("failed to set frequency for CPU %d: %w", cpu, err)
	}

	return nil
}

// getCPUFrequency returns the CPU frequency in kHz for the specified CPU.
func getCPUFrequency(cpu uint) (uint, error) {
	scalingGetFreqPath := getCPUFreqPathFunction(cpu, "scaling_cur_freq")

	freqData, err := os.ReadFile(scalingGetFreqPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read current frequency for CPU %d: %w", cpu, err)
	}

	freq, err := strconv.ParseUint(strings.TrimSpace(string(freqData)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to convert frequency for CPU %d to uint: %w", cpu, err)
	}

	return uint(freq), nil
}

// getAvailableFrequencies returns the frequencies in kHz the cpufreq driver
// advertises for the specified CPU.
func getAvailableFrequencies(cpu uint) ([]uint, error) {
	availablePath := getCPUFreqPathFunction(cpu, "scaling_available_frequencies")

	data, err := os.ReadFile(availablePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read available frequencies for CPU %d: %w", cpu, err)
	}

	fields := strings.Fields(string(data))
	freqs := make([]uint, 0, len(fields))
	for _, field := range fields {
		freq, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to convert available frequency %q for CPU %d: %w", field, cpu, err)
		}
		freqs = append(freqs, uint(freq))
	}

	return freqs, nil
}

// Scaler drives the cluster through the userspace governor of one CPU. All
// CPUs of the cluster share its clock.
type Scaler struct {
	cpu uint
}

func NewScaler(cpu uint) *Scaler {
	return &Scaler{cpu: cpu}
}

func (s *Scaler) Scale(freq uint) error {
	return setCPUFrequency(s.cpu, freq)
}

func (s *Scaler) Speed() (uint, error) {
	return getCPUFrequency(s.cpu)
}

// TableProvider builds operating points from scaling_available_frequencies.
// Voltages are not exposed by cpufreq and are left zero.
type TableProvider struct {
	CPU uint
}

func (p TableProvider) OperatingPoints(_ string) ([]cpufreq.OperatingPoint, error) {
	freqs, err := getAvailableFrequencies(p.CPU)
	if err != nil {
		return nil, err
	}

	points := make([]cpufreq.OperatingPoint, 0, len(freqs))
	for _, freq := range freqs {
		points = append(points, cpufreq.OperatingPoint{Frequency: freq, Enabled: true})
	}
	return points, nil
}
