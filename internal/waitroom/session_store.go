package waitroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/gate/internal/storage/pebble"
	"github.com/rzbill/gate/pkg/id"
)

// SessionStore persists user sessions and applies status transitions.
//
// All mutations for one queue are serialized through the per-queue mutex
// owned by QueueStore and committed as a single batch, so counts read under
// the lock are a consistent snapshot for the allowance computation.
type SessionStore struct {
	db     *pebblestore.DB
	queues *QueueStore
	ids    *id.Generator
}

func NewSessionStore(db *pebblestore.DB, queues *QueueStore) *SessionStore {
	return &SessionStore{
		db:     db,
		queues: queues,
		ids:    id.NewGenerator(),
	}
}

// queueLock returns the mutex serializing mutations for one queue. Shared
// with QueueStore so queue-record writes cannot race session batches.
func (s *SessionStore) queueLock(tenantID, queueID string) *sync.Mutex {
	return s.queues.lock(tenantID, queueID)
}

// lockPair acquires both queue locks in a fixed order so a merge batch and a
// scheduler tick touching the same pair cannot deadlock.
func (s *SessionStore) lockPair(tenantID, a, b string) func() {
	if a == b {
		mu := s.queueLock(tenantID, a)
		mu.Lock()
		return mu.Unlock
	}
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	mu1 := s.queueLock(tenantID, first)
	mu2 := s.queueLock(tenantID, second)
	mu1.Lock()
	mu2.Lock()
	return func() {
		mu2.Unlock()
		mu1.Unlock()
	}
}

func (s *SessionStore) readCounters(tenantID, queueID string) counters {
	val, err := s.db.Get(CounterKey(tenantID, queueID))
	if err != nil {
		return counters{}
	}
	return decodeCounters(val)
}

// Enqueue appends a new waiting session at the tail of the queue.
func (s *SessionStore) Enqueue(ctx context.Context, tenantID, queueID, userID string, nowMs int64) (Session, error) {
	q, err := s.queues.Get(tenantID, queueID)
	if err != nil {
		return Session{}, err
	}
	if !q.IsActive {
		return Session{}, ErrQueueInactive
	}

	mu := s.queueLock(tenantID, queueID)
	mu.Lock()
	defer mu.Unlock()

	c := s.readCounters(tenantID, queueID)
	c.lastPos++
	c.waiting++

	sess := Session{
		ID:         s.ids.Next().String(),
		QueueID:    queueID,
		TenantID:   tenantID,
		UserID:     userID,
		Status:     StatusWaiting,
		Position:   c.lastPos,
		JoinedAtMs: nowMs,
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := putSession(b, sess); err != nil {
		return Session{}, err
	}
	if err := b.Set(WaitKey(tenantID, queueID, sess.Position), []byte(sess.ID), nil); err != nil {
		return Session{}, err
	}
	if err := b.Set(CounterKey(tenantID, queueID), encodeCounters(c), nil); err != nil {
		return Session{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Session{}, fmt.Errorf("enqueue into %s: %w", queueID, err)
	}
	return sess, nil
}

// CountWaiting returns the number of sessions waiting in the queue.
func (s *SessionStore) CountWaiting(tenantID, queueID string) int {
	return s.readCounters(tenantID, queueID).waiting
}

// CountActive returns the number of sessions in released or serving state.
func (s *SessionStore) CountActive(tenantID, queueID string) int {
	return s.readCounters(tenantID, queueID).active
}

// Get loads one session record.
func (s *SessionStore) Get(tenantID, queueID, sessionID string) (Session, error) {
	val, err := s.db.Get(SessionKey(tenantID, queueID, sessionID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	var sess Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return sess, nil
}

// SelectOldestWaiting returns up to limit waiting sessions in position order.
func (s *SessionStore) SelectOldestWaiting(tenantID, queueID string, limit int) ([]Session, error) {
	if limit <= 0 {
		return nil, nil
	}
	iter, err := s.db.PrefixIter(WaitPrefix(tenantID, queueID))
	if err != nil {
		return nil, fmt.Errorf("scan waiting %s: %w", queueID, err)
	}
	defer iter.Close()

	out := make([]Session, 0, limit)
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		sess, err := s.Get(tenantID, queueID, string(iter.Value()))
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return out, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// Release transitions up to allowance oldest waiting sessions to released and
// stamps the queue's lastReleaseAt, all in one batch. The allowance is
// re-capped by the concurrency headroom under the lock, so a status change
// racing the caller's snapshot cannot push the queue over its ceiling. It
// returns the released sessions in FIFO order.
func (s *SessionStore) Release(ctx context.Context, tenantID, queueID string, allowance int, nowMs int64) ([]Session, error) {
	if allowance <= 0 {
		return nil, nil
	}
	mu := s.queueLock(tenantID, queueID)
	mu.Lock()
	defer mu.Unlock()

	q, err := s.queues.Get(tenantID, queueID)
	if err != nil {
		return nil, err
	}
	if !q.IsActive {
		return nil, ErrQueueInactive
	}
	if headroom := q.MaxConcurrentUsers - s.readCounters(tenantID, queueID).active; allowance > headroom {
		allowance = headroom
	}
	if allowance <= 0 {
		return nil, nil
	}

	picked, err := s.SelectOldestWaiting(tenantID, queueID, allowance)
	if err != nil {
		return nil, err
	}
	if len(picked) == 0 {
		return nil, nil
	}

	b := s.db.NewBatch()
	defer b.Close()

	released := make([]Session, 0, len(picked))
	for _, sess := range picked {
		sess.Status = StatusReleased
		sess.ReleasedAtMs = nowMs
		if err := putSession(b, sess); err != nil {
			return nil, err
		}
		if err := b.Delete(WaitKey(tenantID, queueID, sess.Position), nil); err != nil {
			return nil, err
		}
		released = append(released, sess)
	}

	c := s.readCounters(tenantID, queueID)
	c.waiting -= len(released)
	if c.waiting < 0 {
		c.waiting = 0
	}
	c.active += len(released)
	if err := b.Set(CounterKey(tenantID, queueID), encodeCounters(c), nil); err != nil {
		return nil, err
	}

	q.LastReleaseAtMs = nowMs
	if err := s.queues.put(ctx, b, q); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("release from %s: %w", queueID, err)
	}
	return released, nil
}

// UpdateStatus applies one forward transition to a session, stamping the
// matching timestamp and adjusting queue counters. A transition the state
// machine forbids, including repeating one already applied, returns
// ErrInvalidTransition.
func (s *SessionStore) UpdateStatus(ctx context.Context, tenantID, queueID, sessionID string, to Status, nowMs int64) (Session, error) {
	mu := s.queueLock(tenantID, queueID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.Get(tenantID, queueID, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !CanTransition(sess.Status, to) {
		return Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, to)
	}

	c := s.readCounters(tenantID, queueID)
	b := s.db.NewBatch()
	defer b.Close()

	from := sess.Status
	sess.Status = to
	switch to {
	case StatusReleased:
		sess.ReleasedAtMs = nowMs
	case StatusServing:
		sess.ServedAtMs = nowMs
	case StatusCompleted, StatusDropped, StatusCancelled:
		sess.LeftAtMs = nowMs
	}
	if from == StatusWaiting {
		c.waiting--
		if c.waiting < 0 {
			c.waiting = 0
		}
		if err := b.Delete(WaitKey(tenantID, queueID, sess.Position), nil); err != nil {
			return Session{}, err
		}
	}
	if !from.Active() && to.Active() {
		c.active++
	}
	if from.Active() && !to.Active() {
		c.active--
		if c.active < 0 {
			c.active = 0
		}
	}

	if err := putSession(b, sess); err != nil {
		return Session{}, err
	}
	if err := b.Set(CounterKey(tenantID, queueID), encodeCounters(c), nil); err != nil {
		return Session{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Session{}, fmt.Errorf("transition session %s: %w", sessionID, err)
	}
	return sess, nil
}

// MigrateOldest moves up to batchSize oldest waiting sessions from the source
// queue to the tail of the destination queue, preserving their relative order.
// Both queues are locked for the duration and the whole batch commits
// atomically. Migrated sessions keep waiting status; each gets a fresh
// position after the destination's current tail. When op is non-nil, its
// progress counters are advanced by the batch and the record is written in
// the same batch, so the migrated sessions and the progress describing them
// cannot diverge across a crash.
func (s *SessionStore) MigrateOldest(ctx context.Context, tenantID, srcQueueID, dstQueueID string, batchSize int, op *MergeOperation, nowMs int64) ([]Session, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	unlock := s.lockPair(tenantID, srcQueueID, dstQueueID)
	defer unlock()

	// checked under the lock so a concurrent Deactivate cannot slip in
	// between the check and the commit
	dst, err := s.queues.Get(tenantID, dstQueueID)
	if err != nil {
		return nil, err
	}
	if !dst.IsActive {
		return nil, ErrQueueInactive
	}

	picked, err := s.SelectOldestWaiting(tenantID, srcQueueID, batchSize)
	if err != nil {
		return nil, err
	}
	if len(picked) == 0 {
		return nil, nil
	}

	srcC := s.readCounters(tenantID, srcQueueID)
	dstC := s.readCounters(tenantID, dstQueueID)

	b := s.db.NewBatch()
	defer b.Close()

	moved := make([]Session, 0, len(picked))
	for _, sess := range picked {
		if err := b.Delete(SessionKey(tenantID, srcQueueID, sess.ID), nil); err != nil {
			return nil, err
		}
		if err := b.Delete(WaitKey(tenantID, srcQueueID, sess.Position), nil); err != nil {
			return nil, err
		}
		dstC.lastPos++
		sess.QueueID = dstQueueID
		sess.Position = dstC.lastPos
		if err := putSession(b, sess); err != nil {
			return nil, err
		}
		if err := b.Set(WaitKey(tenantID, dstQueueID, sess.Position), []byte(sess.ID), nil); err != nil {
			return nil, err
		}
		moved = append(moved, sess)
	}

	srcC.waiting -= len(moved)
	if srcC.waiting < 0 {
		srcC.waiting = 0
	}
	dstC.waiting += len(moved)
	if err := b.Set(CounterKey(tenantID, srcQueueID), encodeCounters(srcC), nil); err != nil {
		return nil, err
	}
	if err := b.Set(CounterKey(tenantID, dstQueueID), encodeCounters(dstC), nil); err != nil {
		return nil, err
	}

	var next MergeOperation
	if op != nil {
		next = *op
		next.UsersMoved += len(moved)
		next.UpdatedAtMs = nowMs
		val, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode merge op %s: %w", next.ID, err)
		}
		if err := b.Set(MergeOpKey(next.TenantID, next.ID), val, nil); err != nil {
			return nil, err
		}
	}

	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("migrate %s -> %s: %w", srcQueueID, dstQueueID, err)
	}
	if op != nil {
		*op = next
	}
	return moved, nil
}

func putSession(b *pebble.Batch, sess Session) error {
	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	return b.Set(SessionKey(sess.TenantID, sess.QueueID, sess.ID), val, nil)
}
