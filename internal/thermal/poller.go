// Package thermal samples a cooling device and feeds its level into the
// frequency controller.
package thermal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

var (
	testHookStopLoop func() bool
)

// LevelSource reports the current cooling level, 0 meaning no cooling.
type LevelSource interface {
	Level() (int, error)
}

// CoolingTarget receives cooling levels.
type CoolingTarget interface {
	ReportCoolingLevel(level int)
}

type PollerOpts struct {
	SamplePeriod time.Duration
}

type Poller interface {
	manager.Runnable
	UpdateOpts(opts *PollerOpts)
	Wait()
}

type pollerImpl struct {
	source    LevelSource
	target    CoolingTarget
	opts      atomic.Pointer[PollerOpts]
	waitGroup sync.WaitGroup
	lastLevel int
	log       logr.Logger
}

func NewPoller(source LevelSource, target CoolingTarget, opts *PollerOpts) Poller {
	poller := &pollerImpl{
		source:    source,
		target:    target,
		waitGroup: sync.WaitGroup{},
		lastLevel: -1,
		log:       ctrl.Log.WithName("thermal-poller"),
	}
	poller.opts.Store(opts)

	return poller
}

func (p *pollerImpl) UpdateOpts(opts *PollerOpts) {
	p.opts.Store(opts)
}

// Start samples until ctx is cancelled.
func (p *pollerImpl) Start(ctx context.Context) error {
	p.waitGroup.Add(1)
	p.log.V(4).Info("starting", "samplePeriod", p.opts.Load().SamplePeriod)
	p.runLoop(ctx)
	return nil
}

// Wait blocks until a running Start returned.
func (p *pollerImpl) Wait() {
	p.waitGroup.Wait()
}

func (p *pollerImpl) runLoop(ctx context.Context) {
	defer p.waitGroup.Done()

	for {
		if testHookStopLoop != nil {
			if testHookStopLoop() {
				return
			}
		}

		opts := p.opts.Load()
		select {
		case <-ctx.Done():
			p.log.V(4).Info("stopped")
			return
		case <-time.After(opts.SamplePeriod):
			p.sample()
		}
	}
}

func (p *pollerImpl) sample() {
	level, err := p.source.Level()
	if err != nil {
		p.log.Error(err, "failed to read cooling level, skipping sample")
		return
	}

	if level != p.lastLevel {
		p.log.V(5).Info("cooling level changed", "from", p.lastLevel, "to", level)
	}
	p.lastLevel = level
	p.target.ReportCoolingLevel(level)
}
