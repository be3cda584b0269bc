package release

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/gate/internal/events"
	"github.com/rzbill/gate/internal/metrics"
	"github.com/rzbill/gate/internal/waitroom"
	"github.com/rzbill/gate/pkg/log"
)

// QueueResult is the outcome of one queue's evaluation within a tick.
type QueueResult struct {
	TenantID string
	QueueID  string
	Released int
	Err      error
}

// Report summarizes one tick. Failed queues appear with their error; the
// tick as a whole never fails.
type Report struct {
	Results       []QueueResult
	ReleasedTotal int
}

// Released returns the count released for one queue this tick.
func (r Report) Released(tenantID, queueID string) int {
	for _, res := range r.Results {
		if res.TenantID == tenantID && res.QueueID == queueID {
			return res.Released
		}
	}
	return 0
}

// Errs returns the per-queue failures recorded during the tick.
func (r Report) Errs() []QueueResult {
	var out []QueueResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Scheduler evaluates every active queue and applies release allowances.
type Scheduler struct {
	queues    *waitroom.QueueStore
	sessions  *waitroom.SessionStore
	publisher events.Publisher
	logger    log.Logger
	mx        *metrics.Metrics
	workers   int
}

func NewScheduler(queues *waitroom.QueueStore, sessions *waitroom.SessionStore, publisher events.Publisher, logger log.Logger, mx *metrics.Metrics, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	if mx == nil {
		mx = metrics.NewNop()
	}
	return &Scheduler{
		queues:    queues,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger.With(log.Component("release-scheduler")),
		mx:        mx,
		workers:   workers,
	}
}

// Tick evaluates all active queues once. Queues are processed in parallel up
// to the worker bound; a failure in one queue is recorded in the report and
// never aborts the others. The next tick is the retry mechanism: sessions
// left waiting by a failed queue are picked up again then.
func (s *Scheduler) Tick(ctx context.Context, nowMs int64) Report {
	started := time.Now()
	defer func() { s.mx.TickDuration.Observe(time.Since(started).Seconds()) }()

	active, err := s.queues.ListActive(ctx)
	if err != nil {
		s.logger.Error("active queue scan failed", log.Err(err))
		return Report{}
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, q := range active {
		q := q
		g.Go(func() error {
			res := s.evaluate(gctx, q, nowMs)
			mu.Lock()
			report.Results = append(report.Results, res)
			report.ReleasedTotal += res.Released
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// evaluate runs the allowance decision and release for one queue.
func (s *Scheduler) evaluate(ctx context.Context, q waitroom.Queue, nowMs int64) QueueResult {
	res := QueueResult{TenantID: q.TenantID, QueueID: q.ID}

	snap := Snapshot{
		Queue:   q,
		NowMs:   nowMs,
		Waiting: s.sessions.CountWaiting(q.TenantID, q.ID),
		Active:  s.sessions.CountActive(q.TenantID, q.ID),
	}
	s.mx.QueueWaiting.WithLabelValues(q.TenantID, q.ID).Set(float64(snap.Waiting))
	s.mx.QueueActive.WithLabelValues(q.TenantID, q.ID).Set(float64(snap.Active))

	allowance := Allowance(snap)
	if allowance == 0 {
		return res
	}

	released, err := s.sessions.Release(ctx, q.TenantID, q.ID, allowance, nowMs)
	if err != nil {
		res.Err = err
		s.mx.TickQueueErrors.Inc()
		s.logger.Warn("queue release failed",
			log.Str("tenant", q.TenantID), log.Str("queue", q.ID), log.Err(err))
		return res
	}
	res.Released = len(released)
	if res.Released == 0 {
		return res
	}

	s.mx.UsersReleased.WithLabelValues(q.TenantID, q.ID).Add(float64(res.Released))
	if err := s.publisher.Publish(ctx, events.UsersReleased(q.TenantID, q.ID, res.Released, nowMs)); err != nil {
		s.logger.Warn("release event publish failed",
			log.Str("tenant", q.TenantID), log.Str("queue", q.ID), log.Err(err))
	}
	s.logger.Debug("released sessions",
		log.Str("tenant", q.TenantID), log.Str("queue", q.ID), log.Int("count", res.Released))
	return res
}
