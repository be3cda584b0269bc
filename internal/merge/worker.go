package merge

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/gate/internal/waitroom"
	"github.com/rzbill/gate/pkg/log"
)

type opRef struct {
	tenantID    string
	operationID string
}

// Worker drives tracked merge operations in the background, one batch per
// operation per tick. Cancellation is honored between batches: a batch in
// flight always finishes before the worker observes the cancelled status and
// drops the operation.
type Worker struct {
	orch      *Orchestrator
	ops       *waitroom.MergeStore
	batchSize int
	interval  time.Duration
	logger    log.Logger

	mu      sync.Mutex
	tracked map[opRef]struct{}

	stop chan struct{}
	done chan struct{}
}

func NewWorker(orch *Orchestrator, ops *waitroom.MergeStore, batchSize int, interval time.Duration, logger log.Logger) *Worker {
	if batchSize < 1 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Worker{
		orch:      orch,
		ops:       ops,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger.With(log.Component("merge-worker")),
		tracked:   make(map[opRef]struct{}),
	}
}

// Track registers an operation for background processing.
func (w *Worker) Track(tenantID, operationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[opRef{tenantID: tenantID, operationID: operationID}] = struct{}{}
}

// Resume picks up operations left in progress by an earlier run, typically
// after a restart.
func (w *Worker) Resume() error {
	ops, err := w.ops.ListInProgress()
	if err != nil {
		return err
	}
	for _, op := range ops {
		w.Track(op.TenantID, op.ID)
		w.logger.Info("resuming merge",
			log.Str("tenant", op.TenantID), log.Str("operation", op.ID),
			log.Int("moved", op.UsersMoved), log.Int("total", op.TotalUsers))
	}
	return nil
}

// Start launches the background loop. A second Start is a no-op.
func (w *Worker) Start() {
	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.step()
		}
	}
}

// step advances every tracked operation by one batch, dropping terminal ones.
func (w *Worker) step() {
	w.mu.Lock()
	refs := make([]opRef, 0, len(w.tracked))
	for ref := range w.tracked {
		refs = append(refs, ref)
	}
	w.mu.Unlock()

	nowMs := time.Now().UnixMilli()
	for _, ref := range refs {
		res, err := w.orch.ProcessBatch(context.Background(), ref.tenantID, ref.operationID, w.batchSize, nowMs)
		if err != nil {
			// transient; retried next tick
			w.logger.Warn("merge batch failed",
				log.Str("tenant", ref.tenantID), log.Str("operation", ref.operationID), log.Err(err))
			continue
		}
		if res.Done() {
			w.mu.Lock()
			delete(w.tracked, ref)
			w.mu.Unlock()
		}
	}
}

// Tracked returns the number of operations still being driven.
func (w *Worker) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tracked)
}

// Stop halts the loop and waits for the in-flight step to finish.
func (w *Worker) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
	w.stop = nil
}
