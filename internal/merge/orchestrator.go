package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/gate/internal/events"
	"github.com/rzbill/gate/internal/metrics"
	"github.com/rzbill/gate/internal/waitroom"
	"github.com/rzbill/gate/pkg/id"
	"github.com/rzbill/gate/pkg/log"
)

var (
	ErrSameQueue           = errors.New("merge: source and destination are the same queue")
	ErrDestinationInactive = errors.New("merge: destination queue is inactive")
	ErrSourceInactive      = errors.New("merge: source queue is inactive")
)

// BatchResult reports the outcome of one batch.
type BatchResult struct {
	Moved      int
	UsersMoved int
	TotalUsers int
	Status     waitroom.MergeStatus
}

// Done reports whether the operation needs no further batches.
func (r BatchResult) Done() bool { return r.Status.Terminal() }

// Orchestrator moves waiting sessions from a source queue into a destination
// queue in bounded batches, tracking progress in a persisted operation record.
type Orchestrator struct {
	queues    *waitroom.QueueStore
	sessions  *waitroom.SessionStore
	ops       *waitroom.MergeStore
	publisher events.Publisher
	logger    log.Logger
	mx        *metrics.Metrics
	ids       *id.Generator
}

func NewOrchestrator(queues *waitroom.QueueStore, sessions *waitroom.SessionStore, ops *waitroom.MergeStore, publisher events.Publisher, logger log.Logger, mx *metrics.Metrics) *Orchestrator {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if mx == nil {
		mx = metrics.NewNop()
	}
	return &Orchestrator{
		queues:    queues,
		sessions:  sessions,
		ops:       ops,
		publisher: publisher,
		logger:    logger.With(log.Component("merge")),
		mx:        mx,
		ids:       id.NewGenerator(),
	}
}

// Start validates the queue pair and registers a new in-progress operation.
// TotalUsers is snapshotted from the source's waiting count at this instant;
// sessions enqueued into the source afterwards are outside the operation's
// scope. At most one in-progress operation may hold a given source queue.
func (o *Orchestrator) Start(ctx context.Context, tenantID, sourceQueueID, destinationQueueID string, nowMs int64) (waitroom.MergeOperation, error) {
	if sourceQueueID == destinationQueueID {
		return waitroom.MergeOperation{}, ErrSameQueue
	}
	src, err := o.queues.Get(tenantID, sourceQueueID)
	if err != nil {
		return waitroom.MergeOperation{}, fmt.Errorf("source queue: %w", err)
	}
	dst, err := o.queues.Get(tenantID, destinationQueueID)
	if err != nil {
		return waitroom.MergeOperation{}, fmt.Errorf("destination queue: %w", err)
	}
	if !src.IsActive {
		return waitroom.MergeOperation{}, ErrSourceInactive
	}
	if !dst.IsActive {
		return waitroom.MergeOperation{}, ErrDestinationInactive
	}

	op := waitroom.MergeOperation{
		ID:                 o.ids.Next().String(),
		TenantID:           tenantID,
		SourceQueueID:      sourceQueueID,
		DestinationQueueID: destinationQueueID,
		Status:             waitroom.MergeInProgress,
		TotalUsers:         o.sessions.CountWaiting(tenantID, sourceQueueID),
		CreatedAtMs:        nowMs,
		UpdatedAtMs:        nowMs,
	}
	if err := o.ops.Create(ctx, op); err != nil {
		return waitroom.MergeOperation{}, err
	}
	o.logger.Info("merge started",
		log.Str("tenant", tenantID), log.Str("operation", op.ID),
		log.Str("source", sourceQueueID), log.Str("destination", destinationQueueID),
		log.Int("total", op.TotalUsers))
	return op, nil
}

// ProcessBatch migrates up to batchSize sessions for one operation. Invoked
// repeatedly until the result reports a terminal status. An operation already
// terminal is returned as-is, which is how a cancellation requested between
// batches takes effect. The operation record's progress is committed in the
// same batch as the migration itself, so usersMoved always accounts for every
// session actually migrated. Transient store failures return an error and
// leave the operation in progress for a later retry; an inactive or missing
// destination is unrecoverable and fails the operation with its partial
// progress retained.
func (o *Orchestrator) ProcessBatch(ctx context.Context, tenantID, operationID string, batchSize int, nowMs int64) (BatchResult, error) {
	op, err := o.ops.Get(tenantID, operationID)
	if err != nil {
		return BatchResult{}, err
	}
	if op.Status != waitroom.MergeInProgress {
		return o.result(op, 0), nil
	}

	remaining := op.TotalUsers - op.UsersMoved
	if remaining <= 0 {
		return o.complete(ctx, op, 0, nowMs)
	}
	if batchSize > remaining {
		batchSize = remaining
	}

	moved, err := o.sessions.MigrateOldest(ctx, tenantID, op.SourceQueueID, op.DestinationQueueID, batchSize, &op, nowMs)
	if err != nil {
		if errors.Is(err, waitroom.ErrQueueInactive) || errors.Is(err, waitroom.ErrQueueNotFound) {
			return o.fail(ctx, op, err, nowMs)
		}
		return o.result(op, 0), err
	}

	if op.UsersMoved >= op.TotalUsers || len(moved) == 0 {
		// source exhausted; sessions dropped after the snapshot simply
		// shrink the final count
		return o.complete(ctx, op, len(moved), nowMs)
	}

	o.mx.MergeBatches.Inc()
	o.publish(ctx, events.MergeProgress(op.TenantID, op.ID, op.SourceQueueID, op.DestinationQueueID, op.UsersMoved, op.TotalUsers, nowMs))
	return o.result(op, len(moved)), nil
}

// Cancel stops an in-progress operation. Sessions already migrated stay in
// the destination. Returns false without side effects when the operation is
// already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, operationID string, nowMs int64) (bool, error) {
	op, err := o.ops.Get(tenantID, operationID)
	if err != nil {
		return false, err
	}
	if op.Status != waitroom.MergeInProgress {
		return false, nil
	}
	op.Status = waitroom.MergeCancelled
	op.UpdatedAtMs = nowMs
	if err := o.ops.Update(ctx, op); err != nil {
		return false, err
	}
	o.mx.MergeOutcomes.WithLabelValues(string(waitroom.MergeCancelled)).Inc()
	o.publish(ctx, events.MergeCancelled(op.TenantID, op.ID, op.SourceQueueID, op.DestinationQueueID, op.UsersMoved, op.TotalUsers, nowMs))
	o.logger.Info("merge cancelled",
		log.Str("tenant", tenantID), log.Str("operation", op.ID), log.Int("moved", op.UsersMoved))
	return true, nil
}

// Status returns the current operation record.
func (o *Orchestrator) Status(tenantID, operationID string) (waitroom.MergeOperation, error) {
	return o.ops.Get(tenantID, operationID)
}

func (o *Orchestrator) complete(ctx context.Context, op waitroom.MergeOperation, moved int, nowMs int64) (BatchResult, error) {
	op.Status = waitroom.MergeCompleted
	op.UpdatedAtMs = nowMs
	if err := o.ops.Update(ctx, op); err != nil {
		return o.result(op, moved), err
	}
	if moved > 0 {
		o.mx.MergeBatches.Inc()
		o.publish(ctx, events.MergeProgress(op.TenantID, op.ID, op.SourceQueueID, op.DestinationQueueID, op.UsersMoved, op.TotalUsers, nowMs))
	}
	o.mx.MergeOutcomes.WithLabelValues(string(waitroom.MergeCompleted)).Inc()
	o.publish(ctx, events.MergeCompleted(op.TenantID, op.ID, op.SourceQueueID, op.DestinationQueueID, op.UsersMoved, op.TotalUsers, nowMs))
	o.logger.Info("merge completed",
		log.Str("tenant", op.TenantID), log.Str("operation", op.ID),
		log.Int("moved", op.UsersMoved), log.Int("total", op.TotalUsers))
	return o.result(op, moved), nil
}

func (o *Orchestrator) fail(ctx context.Context, op waitroom.MergeOperation, cause error, nowMs int64) (BatchResult, error) {
	op.Status = waitroom.MergeFailed
	op.ErrorMessage = cause.Error()
	op.UpdatedAtMs = nowMs
	if err := o.ops.Update(ctx, op); err != nil {
		return o.result(op, 0), err
	}
	o.mx.MergeOutcomes.WithLabelValues(string(waitroom.MergeFailed)).Inc()
	o.publish(ctx, events.MergeFailed(op.TenantID, op.ID, op.SourceQueueID, op.DestinationQueueID, cause.Error(), op.UsersMoved, op.TotalUsers, nowMs))
	o.logger.Warn("merge failed",
		log.Str("tenant", op.TenantID), log.Str("operation", op.ID),
		log.Int("moved", op.UsersMoved), log.Err(cause))
	return o.result(op, 0), nil
}

func (o *Orchestrator) result(op waitroom.MergeOperation, moved int) BatchResult {
	return BatchResult{Moved: moved, UsersMoved: op.UsersMoved, TotalUsers: op.TotalUsers, Status: op.Status}
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn("merge event publish failed", log.Str("kind", string(ev.Kind)), log.Err(err))
	}
}
