package release

import (
	"context"
	"time"

	"github.com/rzbill/gate/pkg/log"
)

// Loop drives the scheduler on a fixed period. Correctness does not depend on
// the exact cadence; the interval gate in the calculator enforces the rate
// ceiling regardless of how often Tick runs.
type Loop struct {
	sched    *Scheduler
	interval time.Duration
	logger   log.Logger

	stop chan struct{}
	done chan struct{}
}

func NewLoop(sched *Scheduler, interval time.Duration, logger log.Logger) *Loop {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Loop{
		sched:    sched,
		interval: interval,
		logger:   logger.With(log.Component("release-loop")),
	}
}

// Start launches the ticking goroutine. Calling Start on a running loop is a
// no-op.
func (l *Loop) Start() {
	if l.stop != nil {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			report := l.sched.Tick(context.Background(), time.Now().UnixMilli())
			for _, failed := range report.Errs() {
				l.logger.Warn("tick queue error",
					log.Str("tenant", failed.TenantID), log.Str("queue", failed.QueueID), log.Err(failed.Err))
			}
			if report.ReleasedTotal > 0 {
				l.logger.Info("tick complete", log.Int("released", report.ReleasedTotal))
			}
		}
	}
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (l *Loop) Stop() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
	l.stop = nil
}
