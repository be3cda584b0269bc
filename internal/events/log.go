package events

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/gate/internal/storage/pebble"
)

// Log is a per-tenant append-only event log backed by pebble. Appends assign
// dense ascending sequences; readers page through entries by sequence.
type Log struct {
	db       *pebblestore.DB
	tenantID string

	mu      sync.Mutex
	lastSeq uint64
}

// OpenLog initializes a Log and restores the last sequence from metadata.
func OpenLog(db *pebblestore.DB, tenantID string) (*Log, error) {
	l := &Log{db: db, tenantID: tenantID}
	meta, err := db.Get(KeyMeta(tenantID))
	if err == nil && len(meta) >= 8 {
		l.lastSeq = binary.BigEndian.Uint64(meta[:8])
	}
	return l, nil
}

// Append writes one event as a single atomic batch and returns its sequence.
func (l *Log) Append(ctx context.Context, ev Event) (uint64, error) {
	val, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	l.lastSeq++
	seq := l.lastSeq
	if err := b.Set(KeyEntry(l.tenantID, seq), val, nil); err != nil {
		return 0, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], l.lastSeq)
	if err := b.Set(KeyMeta(l.tenantID), meta[:], nil); err != nil {
		return 0, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	return seq, nil
}

// LastSeq returns the sequence of the most recently appended event.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Item is one stored event with its sequence.
type Item struct {
	Seq   uint64
	Event Event
}

// Read returns up to limit events with seq >= from, in ascending order.
// limit <= 0 means no limit.
func (l *Log) Read(from uint64, limit int) ([]Item, error) {
	low, hi := EntryBounds(l.tenantID)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	items := make([]Item, 0, 16)
	start := KeyEntry(l.tenantID, from)
	for ok := iter.SeekGE(start); ok; ok = iter.Next() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue
		}
		items = append(items, Item{Seq: SeqFromEntryKey(iter.Key()), Event: ev})
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

// TrimToLast deletes all but the newest keep entries. Returns the number of
// deleted entries.
func (l *Log) TrimToLast(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	l.mu.Lock()
	cutoff := uint64(0)
	if l.lastSeq > uint64(keep) {
		cutoff = l.lastSeq - uint64(keep)
	}
	l.mu.Unlock()
	if cutoff == 0 {
		return 0, nil
	}

	low, hi := EntryBounds(l.tenantID)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := l.db.NewBatch()
	defer b.Close()
	deleted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		if SeqFromEntryKey(iter.Key()) > cutoff {
			break
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	// compaction hint after a large trim
	if deleted >= 4096 {
		_ = l.db.CompactRange(low, KeyEntry(l.tenantID, cutoff+1))
	}
	return deleted, nil
}

// LogPublisher appends published events to per-tenant logs, opening logs
// lazily and caching them.
type LogPublisher struct {
	db *pebblestore.DB

	mu   sync.Mutex
	logs map[string]*Log
}

// NewLogPublisher creates a LogPublisher over db.
func NewLogPublisher(db *pebblestore.DB) *LogPublisher {
	return &LogPublisher{db: db, logs: make(map[string]*Log)}
}

// Publish appends the event to the tenant's log.
func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	l, err := p.tenantLog(ev.TenantID)
	if err != nil {
		return err
	}
	_, err = l.Append(ctx, ev)
	return err
}

// TenantLog exposes the underlying log for readers (CLI, trimmer).
func (p *LogPublisher) TenantLog(tenantID string) (*Log, error) {
	return p.tenantLog(tenantID)
}

// TrimAll applies TrimToLast to every opened tenant log and returns the total
// number of entries removed.
func (p *LogPublisher) TrimAll(ctx context.Context, keep int) (int, error) {
	p.mu.Lock()
	logs := make([]*Log, 0, len(p.logs))
	for _, l := range p.logs {
		logs = append(logs, l)
	}
	p.mu.Unlock()

	total := 0
	for _, l := range logs {
		n, err := l.TrimToLast(ctx, keep)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *LogPublisher) tenantLog(tenantID string) (*Log, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.logs[tenantID]; ok {
		return l, nil
	}
	l, err := OpenLog(p.db, tenantID)
	if err != nil {
		return nil, err
	}
	p.logs[tenantID] = l
	return l, nil
}
