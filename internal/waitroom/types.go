package waitroom

import "errors"

var (
	ErrQueueNotFound     = errors.New("waitroom: queue not found")
	ErrQueueExists       = errors.New("waitroom: queue already exists")
	ErrQueueInactive     = errors.New("waitroom: queue is inactive")
	ErrSessionNotFound   = errors.New("waitroom: session not found")
	ErrOperationNotFound = errors.New("waitroom: merge operation not found")
	ErrInvalidTransition = errors.New("waitroom: invalid session transition")
	ErrInvalidConfig     = errors.New("waitroom: invalid queue configuration")
)

// Queue holds per-queue admission configuration and release-cadence state.
// LastReleaseAtMs is zero until the first release and is advanced only when a
// release actually happens.
type Queue struct {
	ID                   string `json:"id"`
	TenantID             string `json:"tenantId"`
	MaxConcurrentUsers   int    `json:"maxConcurrentUsers"`
	ReleaseRatePerMinute int    `json:"releaseRatePerMinute"`
	LastReleaseAtMs      int64  `json:"lastReleaseAtMs,omitempty"`
	IsActive             bool   `json:"isActive"`
	CreatedAtMs          int64  `json:"createdAtMs"`
}

// Validate checks the configuration bounds for a queue record.
func (q Queue) Validate() error {
	if q.ID == "" || q.TenantID == "" {
		return ErrInvalidConfig
	}
	if q.ReleaseRatePerMinute < 1 {
		return ErrInvalidConfig
	}
	if q.MaxConcurrentUsers < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Status is a user session's place in its lifecycle.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusReleased  Status = "released"
	StatusServing   Status = "serving"
	StatusCompleted Status = "completed"
	StatusDropped   Status = "dropped"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDropped, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the session counts against a queue's concurrency
// ceiling.
func (s Status) Active() bool {
	return s == StatusReleased || s == StatusServing
}

// CanTransition reports whether the state machine permits from -> to.
// Transitions move strictly forward: waiting -> released -> serving ->
// completed, with side exits waiting -> dropped and serving -> cancelled.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusWaiting:
		return to == StatusReleased || to == StatusDropped
	case StatusReleased:
		return to == StatusServing
	case StatusServing:
		return to == StatusCompleted || to == StatusCancelled
	}
	return false
}

// Session is one user's lifetime within a queue. Position is assigned at
// enqueue time and never changes while the session stays in its queue; a
// merge is the only path that rewrites QueueID and Position together.
type Session struct {
	ID       string `json:"id"`
	QueueID  string `json:"queueId"`
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	Status   Status `json:"status"`
	Position uint64 `json:"position"`

	JoinedAtMs   int64 `json:"joinedAtMs"`
	ReleasedAtMs int64 `json:"releasedAtMs,omitempty"`
	ServedAtMs   int64 `json:"servedAtMs,omitempty"`
	LeftAtMs     int64 `json:"leftAtMs,omitempty"`
}

// MergeStatus is the lifecycle state of a queue merge operation.
type MergeStatus string

const (
	MergePending    MergeStatus = "pending"
	MergeInProgress MergeStatus = "in_progress"
	MergeCompleted  MergeStatus = "completed"
	MergeFailed     MergeStatus = "failed"
	MergeCancelled  MergeStatus = "cancelled"
)

// Terminal reports whether the operation record is immutable.
func (s MergeStatus) Terminal() bool {
	switch s {
	case MergeCompleted, MergeFailed, MergeCancelled:
		return true
	}
	return false
}

// MergeOperation tracks migration of waiting sessions between two queues.
// TotalUsers is a point-in-time snapshot of the source's waiting count taken
// at start; sessions enqueued into the source afterwards are not covered.
type MergeOperation struct {
	ID                 string      `json:"id"`
	TenantID           string      `json:"tenantId"`
	SourceQueueID      string      `json:"sourceQueueId"`
	DestinationQueueID string      `json:"destinationQueueId"`
	Status             MergeStatus `json:"status"`
	UsersMoved         int         `json:"usersMoved"`
	TotalUsers         int         `json:"totalUsers"`
	ErrorMessage       string      `json:"errorMessage,omitempty"`
	CreatedAtMs        int64       `json:"createdAtMs"`
	UpdatedAtMs        int64       `json:"updatedAtMs"`
}
