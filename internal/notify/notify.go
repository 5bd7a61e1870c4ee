// Package notify provides sinks for frequency transition notifications.
package notify

import (
	"github.com/faux123/tuna/internal/cpufreq"
	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
)

// Multi delivers every transition to each notifier in order.
type Multi []cpufreq.Notifier

func (m Multi) Notify(t cpufreq.Transition) {
	for _, n := range m {
		n.Notify(t)
	}
}

type logNotifier struct {
	log logr.Logger
}

// NewLogNotifier logs transitions, pre-change at V(5) and post-change at V(4).
func NewLogNotifier() cpufreq.Notifier {
	return &logNotifier{log: ctrl.Log.WithName("transitions")}
}

func (n *logNotifier) Notify(t cpufreq.Transition) {
	level := 4
	if t.Phase == cpufreq.PreChange {
		level = 5
	}
	n.log.V(level).Info("frequency transition", "phase", t.Phase.String(), "old", t.Old, "new", t.New, "cpus", t.CPUs)
}
