package waitroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/gate/internal/storage/pebble"
)

// QueueStore persists queue records in the registry keyspace. It owns the
// per-queue lock table shared with SessionStore: every writer of a queue
// record, standalone or folded into a session batch, holds the queue's lock,
// so a read-modify-write can never be overwritten by a concurrent one.
type QueueStore struct {
	db *pebblestore.DB

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewQueueStore(db *pebblestore.DB) *QueueStore {
	return &QueueStore{db: db, locks: make(map[string]*sync.Mutex)}
}

// lock returns the mutex serializing mutations for one queue.
func (s *QueueStore) lock(tenantID, queueID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	key := tenantID + "/" + queueID
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// Create registers a new queue. The queue starts active with no release
// cadence history.
func (s *QueueStore) Create(ctx context.Context, q Queue) (Queue, error) {
	q.IsActive = true
	q.LastReleaseAtMs = 0
	if err := q.Validate(); err != nil {
		return Queue{}, err
	}
	mu := s.lock(q.TenantID, q.ID)
	mu.Lock()
	defer mu.Unlock()

	key := QueueKey(q.TenantID, q.ID)
	if ok, err := s.db.Has(key); err != nil {
		return Queue{}, fmt.Errorf("check queue %s: %w", q.ID, err)
	} else if ok {
		return Queue{}, ErrQueueExists
	}
	if err := s.put(ctx, nil, q); err != nil {
		return Queue{}, err
	}
	return q, nil
}

// Get loads one queue record.
func (s *QueueStore) Get(tenantID, queueID string) (Queue, error) {
	val, err := s.db.Get(QueueKey(tenantID, queueID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Queue{}, ErrQueueNotFound
		}
		return Queue{}, fmt.Errorf("get queue %s: %w", queueID, err)
	}
	var q Queue
	if err := json.Unmarshal(val, &q); err != nil {
		return Queue{}, fmt.Errorf("decode queue %s: %w", queueID, err)
	}
	return q, nil
}

// ListActive scans the registry across all tenants and returns active queues.
func (s *QueueStore) ListActive(ctx context.Context) ([]Queue, error) {
	return s.list(QueueRegPrefix(), true)
}

// ListTenant returns every queue owned by one tenant, active or not.
func (s *QueueStore) ListTenant(tenantID string) ([]Queue, error) {
	return s.list(TenantQueuePrefix(tenantID), false)
}

func (s *QueueStore) list(prefix []byte, activeOnly bool) ([]Queue, error) {
	iter, err := s.db.PrefixIter(prefix)
	if err != nil {
		return nil, fmt.Errorf("scan queues: %w", err)
	}
	defer iter.Close()

	var out []Queue
	for ok := iter.First(); ok; ok = iter.Next() {
		var q Queue
		if err := json.Unmarshal(iter.Value(), &q); err != nil {
			continue
		}
		if activeOnly && !q.IsActive {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// Deactivate retires a queue. The record and its sessions are kept; the
// scheduler simply stops considering it.
func (s *QueueStore) Deactivate(ctx context.Context, tenantID, queueID string) error {
	mu := s.lock(tenantID, queueID)
	mu.Lock()
	defer mu.Unlock()

	q, err := s.Get(tenantID, queueID)
	if err != nil {
		return err
	}
	if !q.IsActive {
		return nil
	}
	q.IsActive = false
	return s.put(ctx, nil, q)
}

// UpdateLastReleaseAt stamps the release cadence gate. The scheduler normally
// folds this into the same batch as the session transitions; this standalone
// form exists for callers outside that path.
func (s *QueueStore) UpdateLastReleaseAt(ctx context.Context, tenantID, queueID string, nowMs int64) error {
	mu := s.lock(tenantID, queueID)
	mu.Lock()
	defer mu.Unlock()

	q, err := s.Get(tenantID, queueID)
	if err != nil {
		return err
	}
	q.LastReleaseAtMs = nowMs
	return s.put(ctx, nil, q)
}

// put writes the queue record, into b when given or standalone otherwise.
func (s *QueueStore) put(ctx context.Context, b *pebble.Batch, q Queue) error {
	val, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode queue %s: %w", q.ID, err)
	}
	if b != nil {
		return b.Set(QueueKey(q.TenantID, q.ID), val, nil)
	}
	own := s.db.NewBatch()
	defer own.Close()
	if err := own.Set(QueueKey(q.TenantID, q.ID), val, nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, own)
}
