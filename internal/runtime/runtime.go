package runtime

import (
	"context"
	"errors"
	"time"

	cfgpkg "github.com/rzbill/gate/internal/config"
	"github.com/rzbill/gate/internal/events"
	"github.com/rzbill/gate/internal/merge"
	"github.com/rzbill/gate/internal/metrics"
	"github.com/rzbill/gate/internal/release"
	pebblestore "github.com/rzbill/gate/internal/storage/pebble"
	"github.com/rzbill/gate/internal/tenant"
	"github.com/rzbill/gate/internal/waitroom"
	"github.com/rzbill/gate/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        log.Logger
}

// Runtime wires storage, stores, the scheduler, and the merge worker for a
// single-node instance.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	logger log.Logger
	mx     *metrics.Metrics

	queues   *waitroom.QueueStore
	sessions *waitroom.SessionStore
	mergeOps *waitroom.MergeStore

	eventLog  *events.LogPublisher
	redisSink *events.RedisSink
	publisher events.Publisher

	scheduler   *release.Scheduler
	releaseLoop *release.Loop
	merges      *merge.Orchestrator
	mergeWorker *merge.Worker
}

// Open initializes storage and wires every component. The runtime is passive
// until StartLoops.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	mx := metrics.New()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       mx,
	})
	if err != nil {
		return nil, err
	}

	rt := &Runtime{db: db, config: opts.Config, logger: logger, mx: mx}
	rt.queues = waitroom.NewQueueStore(db)
	rt.sessions = waitroom.NewSessionStore(db, rt.queues)
	rt.mergeOps = waitroom.NewMergeStore(db)

	rt.eventLog = events.NewLogPublisher(db)
	rt.publisher = rt.eventLog
	if addr := opts.Config.Events.RedisAddr; addr != "" {
		sink, err := events.NewRedisSink(addr, opts.Config.Events.RedisChannel)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		rt.redisSink = sink
		rt.publisher = events.Fanout{rt.eventLog, sink}
	}

	rt.scheduler = release.NewScheduler(rt.queues, rt.sessions, rt.publisher, logger, mx, opts.Config.Scheduler.Workers)
	rt.releaseLoop = release.NewLoop(rt.scheduler, opts.Config.Scheduler.TickInterval, logger)
	rt.merges = merge.NewOrchestrator(rt.queues, rt.sessions, rt.mergeOps, rt.publisher, logger, mx)
	rt.mergeWorker = merge.NewWorker(rt.merges, rt.mergeOps, opts.Config.Merge.BatchSize, opts.Config.Merge.Interval, logger)
	return rt, nil
}

// StartLoops resumes interrupted merges and launches the background loops.
func (r *Runtime) StartLoops() error {
	if err := r.mergeWorker.Resume(); err != nil {
		return err
	}
	r.mergeWorker.Start()
	r.releaseLoop.Start()
	return nil
}

// StopLoops halts the background loops, waiting for in-flight work.
func (r *Runtime) StopLoops() {
	r.releaseLoop.Stop()
	r.mergeWorker.Stop()
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.redisSink != nil {
		_ = r.redisSink.Close()
	}
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// EnsureTenant creates a tenant record if absent.
func (r *Runtime) EnsureTenant(name string) (tenant.Meta, error) {
	return tenant.Ensure(r.db, name)
}

// Enqueue adds a user to a queue and publishes the enqueued event.
func (r *Runtime) Enqueue(ctx context.Context, tenantID, queueID, userID string, nowMs int64) (waitroom.Session, error) {
	sess, err := r.sessions.Enqueue(ctx, tenantID, queueID, userID, nowMs)
	if err != nil {
		return waitroom.Session{}, err
	}
	if err := r.publisher.Publish(ctx, events.UserEnqueued(tenantID, queueID, sess.ID, userID, nowMs)); err != nil {
		r.logger.Warn("enqueue event publish failed", log.Str("queue", queueID), log.Err(err))
	}
	return sess, nil
}

// TrimEvents enforces the per-tenant event retention bound.
func (r *Runtime) TrimEvents(ctx context.Context) (int, error) {
	keep := r.config.Events.RetainPerTenant
	if keep <= 0 {
		return 0, nil
	}
	return r.eventLog.TrimAll(ctx, keep)
}

// Queues returns the queue store.
func (r *Runtime) Queues() *waitroom.QueueStore { return r.queues }

// Sessions returns the session store.
func (r *Runtime) Sessions() *waitroom.SessionStore { return r.sessions }

// Merges returns the merge orchestrator.
func (r *Runtime) Merges() *merge.Orchestrator { return r.merges }

// MergeWorker returns the background merge worker.
func (r *Runtime) MergeWorker() *merge.Worker { return r.mergeWorker }

// Scheduler returns the release scheduler for on-demand ticks.
func (r *Runtime) Scheduler() *release.Scheduler { return r.scheduler }

// EventLog exposes per-tenant event logs for readers.
func (r *Runtime) EventLog() *events.LogPublisher { return r.eventLog }

// Publisher returns the composed event publisher.
func (r *Runtime) Publisher() events.Publisher { return r.publisher }

// Metrics returns the collector set.
func (r *Runtime) Metrics() *metrics.Metrics { return r.mx }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }
