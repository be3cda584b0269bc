package events

import "context"

// Kind identifies a domain event type.
type Kind string

const (
	KindUserEnqueued   Kind = "user_enqueued"
	KindUsersReleased  Kind = "users_released"
	KindMergeProgress  Kind = "merge_progress"
	KindMergeCompleted Kind = "merge_completed"
	KindMergeFailed    Kind = "merge_failed"
	KindMergeCancelled Kind = "merge_cancelled"
)

// Event is the envelope for all domain events. Fields beyond Kind, TenantID,
// and AtMs are populated per kind.
type Event struct {
	Kind     Kind   `json:"kind"`
	TenantID string `json:"tenantId"`
	AtMs     int64  `json:"atMs"`

	// Release / enqueue
	QueueID   string `json:"queueId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Released  int    `json:"released,omitempty"`

	// Merge lifecycle
	OperationID        string `json:"operationId,omitempty"`
	SourceQueueID      string `json:"sourceQueueId,omitempty"`
	DestinationQueueID string `json:"destinationQueueId,omitempty"`
	UsersMoved         int    `json:"usersMoved,omitempty"`
	TotalUsers         int    `json:"totalUsers,omitempty"`
	Error              string `json:"error,omitempty"`
}

// UsersReleased builds the aggregate release event for one queue and tick.
func UsersReleased(tenantID, queueID string, released int, atMs int64) Event {
	return Event{Kind: KindUsersReleased, TenantID: tenantID, QueueID: queueID, Released: released, AtMs: atMs}
}

// UserEnqueued builds the event for one session joining a queue.
func UserEnqueued(tenantID, queueID, sessionID, userID string, atMs int64) Event {
	return Event{Kind: KindUserEnqueued, TenantID: tenantID, QueueID: queueID, SessionID: sessionID, UserID: userID, AtMs: atMs}
}

// MergeProgress builds a per-batch progress event.
func MergeProgress(tenantID, opID, srcID, dstID string, moved, total int, atMs int64) Event {
	return Event{
		Kind: KindMergeProgress, TenantID: tenantID, OperationID: opID,
		SourceQueueID: srcID, DestinationQueueID: dstID,
		UsersMoved: moved, TotalUsers: total, AtMs: atMs,
	}
}

// MergeCompleted builds the terminal success event for a merge operation.
func MergeCompleted(tenantID, opID, srcID, dstID string, moved, total int, atMs int64) Event {
	return Event{
		Kind: KindMergeCompleted, TenantID: tenantID, OperationID: opID,
		SourceQueueID: srcID, DestinationQueueID: dstID,
		UsersMoved: moved, TotalUsers: total, AtMs: atMs,
	}
}

// MergeFailed builds the terminal failure event for a merge operation.
func MergeFailed(tenantID, opID, srcID, dstID, errMsg string, moved, total int, atMs int64) Event {
	return Event{
		Kind: KindMergeFailed, TenantID: tenantID, OperationID: opID,
		SourceQueueID: srcID, DestinationQueueID: dstID,
		UsersMoved: moved, TotalUsers: total, Error: errMsg, AtMs: atMs,
	}
}

// MergeCancelled builds the terminal cancellation event for a merge operation.
func MergeCancelled(tenantID, opID, srcID, dstID string, moved, total int, atMs int64) Event {
	return Event{
		Kind: KindMergeCancelled, TenantID: tenantID, OperationID: opID,
		SourceQueueID: srcID, DestinationQueueID: dstID,
		UsersMoved: moved, TotalUsers: total, AtMs: atMs,
	}
}

// Publisher delivers domain events. Delivery is fire-and-forget: callers log
// publish errors but never fail the operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Discard is a Publisher that drops all events. Useful in tests.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every wrapped publisher, returning the first error
// after attempting all of them.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
