package waitroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pebblestore "github.com/rzbill/gate/internal/storage/pebble"
)

// ErrMergeInProgress is returned when a source queue already has an
// in-progress merge operation.
var ErrMergeInProgress = errors.New("waitroom: source queue already merging")

// MergeStore persists merge operation records. A source-queue guard key
// enforces the single in-progress operation rule; it exists exactly while the
// operation is in progress.
type MergeStore struct {
	db *pebblestore.DB
	mu sync.Mutex
}

func NewMergeStore(db *pebblestore.DB) *MergeStore {
	return &MergeStore{db: db}
}

// Create persists a new operation and claims the source queue guard. It fails
// with ErrMergeInProgress if another operation already holds the source.
func (s *MergeStore) Create(ctx context.Context, op MergeOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	guard := MergeSrcKey(op.TenantID, op.SourceQueueID)
	if ok, err := s.db.Has(guard); err != nil {
		return fmt.Errorf("check merge guard: %w", err)
	} else if ok {
		return ErrMergeInProgress
	}

	val, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode merge op %s: %w", op.ID, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(MergeOpKey(op.TenantID, op.ID), val, nil); err != nil {
		return err
	}
	if err := b.Set(guard, []byte(op.ID), nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// Get loads one operation record.
func (s *MergeStore) Get(tenantID, operationID string) (MergeOperation, error) {
	val, err := s.db.Get(MergeOpKey(tenantID, operationID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return MergeOperation{}, ErrOperationNotFound
		}
		return MergeOperation{}, fmt.Errorf("get merge op %s: %w", operationID, err)
	}
	var op MergeOperation
	if err := json.Unmarshal(val, &op); err != nil {
		return MergeOperation{}, fmt.Errorf("decode merge op %s: %w", operationID, err)
	}
	return op, nil
}

// Update rewrites the operation record, releasing the source guard once the
// operation reaches a terminal state.
func (s *MergeStore) Update(ctx context.Context, op MergeOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode merge op %s: %w", op.ID, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(MergeOpKey(op.TenantID, op.ID), val, nil); err != nil {
		return err
	}
	if op.Status.Terminal() {
		if err := b.Delete(MergeSrcKey(op.TenantID, op.SourceQueueID), nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, b)
}

// ListInProgress scans all tenants' operations and returns those still in
// progress. Used at startup to resume interrupted merges.
func (s *MergeStore) ListInProgress() ([]MergeOperation, error) {
	iter, err := s.db.PrefixIter(MergeOpPrefix())
	if err != nil {
		return nil, fmt.Errorf("scan merge ops: %w", err)
	}
	defer iter.Close()

	var out []MergeOperation
	for ok := iter.First(); ok; ok = iter.Next() {
		var op MergeOperation
		if err := json.Unmarshal(iter.Value(), &op); err != nil {
			continue
		}
		if op.Status == MergeInProgress {
			out = append(out, op)
		}
	}
	return out, nil
}
