package monitoring

import (
	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/faux123/tuna/internal/cpufreq"
)

// RegisterCPUFreqCollectors registers the scaling state of controller with registry.
func RegisterCPUFreqCollectors(registry prom.Registerer, device string, controller cpufreq.Controller,
	calibration *cpufreq.Calibration, cpus []uint, logger logr.Logger,
) {
	logger = logger.WithName(scalingSubsystem)
	status := func(read func(cpufreq.Status) uint) func() (uint, error) {
		return func() (uint, error) {
			return read(controller.Status()), nil
		}
	}

	registry.MustRegister(
		newDeviceCollector(
			prom.BuildFQName(promNamespace, scalingSubsystem, "current_frequency_khz"),
			"Gauge of the frequency read back from hardware",
			prom.GaugeValue,
			device,
			controller.CurrentSpeed,
			logger.WithValues(logNameKey, "current_frequency_khz"),
		),
		newDeviceCollector(
			prom.BuildFQName(promNamespace, scalingSubsystem, "target_frequency_khz"),
			"Gauge of the frequency last requested by the governor",
			prom.GaugeValue,
			device,
			status(func(s cpufreq.Status) uint { return s.CurrentTarget }),
			logger.WithValues(logNameKey, "target_frequency_khz"),
		),
		newDeviceCollector(
			prom.BuildFQName(promNamespace, scalingSubsystem, "screen_off_cap_khz"),
			"Gauge of the engaged screen-off cap, 0 when none is engaged",
			prom.GaugeValue,
			device,
			func() (uint, error) { return controller.CurrentCaps().ScreenOff, nil },
			logger.WithValues(logNameKey, "screen_off_cap_khz"),
		),
		newDeviceCollector(
			prom.BuildFQName(promNamespace, scalingSubsystem, "suspended"),
			"Gauge set to 1 while the device is suspended",
			prom.GaugeValue,
			device,
			func() (int, error) {
				if controller.Status().Suspended {
					return 1, nil
				}
				return 0, nil
			},
			logger.WithValues(logNameKey, "suspended"),
		),
		newDeviceCollector(
			prom.BuildFQName(promNamespace, thermalSubsystem, "ceiling_khz"),
			"Gauge of the thermal frequency ceiling",
			prom.GaugeValue,
			device,
			func() (uint, error) { return controller.CurrentCaps().Thermal, nil },
			logger.WithValues(logNameKey, "ceiling_khz"),
		),
		newDeviceCollector(
			prom.BuildFQName(promNamespace, thermalSubsystem, "cooling_level"),
			"Gauge of the last reported cooling level",
			prom.GaugeValue,
			device,
			func() (int, error) { return controller.Status().CoolingLevel, nil },
			logger.WithValues(logNameKey, "cooling_level"),
		),
		newPerCPUCollector(
			prom.BuildFQName(promNamespace, calibrationSubsystem, "loops_per_tick"),
			"Gauge of the per CPU delay loop calibration",
			prom.GaugeValue,
			cpus,
			func(cpu uint) (uint64, error) {
				if value, ok := calibration.Value(cpu); ok {
					return value, nil
				}
				return 0, ErrMetricMissing
			},
			logger.WithValues(logNameKey, "loops_per_tick"),
		),
	)
}
