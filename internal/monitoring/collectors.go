package monitoring

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/constraints"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "cpufreq"

	LogTopName           string = "monitoring"
	scalingSubsystem     string = "scaling"
	thermalSubsystem     string = "thermal"
	calibrationSubsystem string = "calibration"

	logNameKey string = "name"
)

// ErrMetricMissing is returned by read functions for values that will never
// be available, the collection is then not registered.
var ErrMetricMissing error = errors.New("metric missing")

type collectorImpl struct {
	collectFunc  func(ch chan<- prom.Metric)
	describeFunc func(ch chan<- *prom.Desc)
}

func (c collectorImpl) Collect(ch chan<- prom.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prom.Desc) {
	c.describeFunc(ch)
}

type number interface {
	constraints.Integer | constraints.Float
}

// newDeviceCollector is generic factory of prometheus Collectors for metrics
// bound to a scaled device.
// readFunc is read on every scrape, errors skip the sample.
// log is Logger that should have all Names, KeysValues and other... already attached.
// return prometheus Collector that is ready for registration
func newDeviceCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	device string, readFunc func() (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"device"},
		nil,
	)

	log.V(4).Info("New device prometheus Collector created")

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			log.V(5).Info("Collecting metrics for prometheus", "device", device)
			if val, err := readFunc(); err == nil {
				ch <- prom.MustNewConstMetric(desc, metricType, float64(val), device)
			} else {
				log.V(5).Info(fmt.Sprintf("error reading metric value, err: %v", err), "device", device)
			}
		},
	}
}

// newPerCPUCollector is generic factory of prometheus Collectors for metrics that are CPU bound.
// CPUs whose first read reports ErrMetricMissing are left out.
// log is Logger that should have all Names, KeysValues and other... already attached.
// return prometheus Collector that is ready for registration
func newPerCPUCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	cpus []uint, readFunc func(cpu uint) (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"cpu"},
		nil,
	)

	collectorFuncs := make([]func(ch chan<- prom.Metric), 0)
	for _, cpu := range cpus {
		cpu := cpu
		if _, err := readFunc(cpu); errors.Is(err, ErrMetricMissing) {
			log.Info("Not registering collection, client will not be able to read this metric",
				"error", err.Error(), "cpu", cpu)
			continue
		}
		collectorFuncs = append(collectorFuncs, func(ch chan<- prom.Metric) {
			log.V(5).Info("Collecting metrics for prometheus", "cpu", cpu)
			if val, err := readFunc(cpu); err == nil {
				ch <- prom.MustNewConstMetric(
					desc,
					metricType,
					float64(val),
					strconv.Itoa(int(cpu)),
				)
			} else {
				log.V(5).Info(fmt.Sprintf("error reading metric value, err: %v", err), "cpu", cpu)
			}
		})
	}
	log.V(4).Info("New perCPU prometheus Collector created")

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			for _, collectFunc := range collectorFuncs {
				collectFunc(ch)
			}
		},
	}
}
