package monitoring

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/faux123/tuna/internal/cpufreq"
)

// TransitionCounter counts completed transitions by direction. It is both a
// cpufreq.Notifier and a prometheus Collector.
type TransitionCounter struct {
	counter *prom.CounterVec
}

func NewTransitionCounter(device string) *TransitionCounter {
	return &TransitionCounter{
		counter: prom.NewCounterVec(prom.CounterOpts{
			Namespace:   promNamespace,
			Subsystem:   scalingSubsystem,
			Name:        "transitions_total",
			Help:        "Counter of frequency transitions completed on hardware",
			ConstLabels: prom.Labels{"device": device},
		}, []string{"direction"}),
	}
}

func (c *TransitionCounter) Notify(t cpufreq.Transition) {
	if t.Phase != cpufreq.PostChange || t.Old == t.New {
		return
	}
	direction := "up"
	if t.New < t.Old {
		direction = "down"
	}
	c.counter.WithLabelValues(direction).Inc()
}

func (c *TransitionCounter) Describe(ch chan<- *prom.Desc) {
	c.counter.Describe(ch)
}

func (c *TransitionCounter) Collect(ch chan<- prom.Metric) {
	c.counter.Collect(ch)
}
