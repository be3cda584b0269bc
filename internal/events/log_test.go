package events

import (
	"context"
	"errors"
	"testing"

	storage "github.com/rzbill/gate/internal/storage/pebble"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(storage.Options{DataDir: t.TempDir(), Fsync: storage.FsyncModeNever})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendAssignsSequentialSeqs(t *testing.T) {
	db := newTestDB(t)
	log, err := OpenLog(db, "acme")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := log.Append(ctx, UserEnqueued("acme", "q1", "s1", "u1", 0)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if got := log.LastSeq(); got != 5 {
		t.Fatalf("lastSeq = %d, want 5", got)
	}

	items, err := log.Read(1, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("read returned %d items, want 5", len(items))
	}
	for i, it := range items {
		if it.Seq != uint64(i+1) {
			t.Fatalf("item %d has seq %d, want %d", i, it.Seq, i+1)
		}
		if it.Event.Kind != KindUserEnqueued {
			t.Fatalf("item %d kind = %q", i, it.Event.Kind)
		}
	}
}

func TestLastSeqSurvivesReopen(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	log, err := OpenLog(db, "acme")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, UsersReleased("acme", "q1", 2, 0)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	reopened, err := OpenLog(db, "acme")
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}
	if got := reopened.LastSeq(); got != 3 {
		t.Fatalf("lastSeq after reopen = %d, want 3", got)
	}
	seq, err := reopened.Append(ctx, UsersReleased("acme", "q1", 1, 0))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq != 4 {
		t.Fatalf("seq after reopen = %d, want 4", seq)
	}
}

func TestReadFromOffsetAndLimit(t *testing.T) {
	db := newTestDB(t)
	log, err := OpenLog(db, "acme")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := log.Append(ctx, UsersReleased("acme", "q1", 1, 0)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	items, err := log.Read(7, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(items) != 2 || items[0].Seq != 7 || items[1].Seq != 8 {
		t.Fatalf("unexpected window: %+v", items)
	}
}

func TestTrimToLastKeepsNewest(t *testing.T) {
	db := newTestDB(t)
	log, err := OpenLog(db, "acme")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := log.Append(ctx, UsersReleased("acme", "q1", 1, 0)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	removed, err := log.TrimToLast(ctx, 3)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if removed != 7 {
		t.Fatalf("trim removed %d entries, want 7", removed)
	}
	items, err := log.Read(1, 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("after trim got %d items, want 3", len(items))
	}
	if items[0].Seq != 8 || items[2].Seq != 10 {
		t.Fatalf("after trim kept seqs %d..%d, want 8..10", items[0].Seq, items[2].Seq)
	}
}

func TestLogPublisherRoutesByTenant(t *testing.T) {
	db := newTestDB(t)
	pub := NewLogPublisher(db)
	ctx := context.Background()

	if err := pub.Publish(ctx, UsersReleased("acme", "q1", 2, 0)); err != nil {
		t.Fatalf("publish acme: %v", err)
	}
	if err := pub.Publish(ctx, UsersReleased("globex", "q9", 1, 0)); err != nil {
		t.Fatalf("publish globex: %v", err)
	}

	acme, err := pub.TenantLog("acme")
	if err != nil {
		t.Fatalf("tenant log: %v", err)
	}
	if acme.LastSeq() != 1 {
		t.Fatalf("acme lastSeq = %d, want 1", acme.LastSeq())
	}
	globex, err := pub.TenantLog("globex")
	if err != nil {
		t.Fatalf("tenant log: %v", err)
	}
	if globex.LastSeq() != 1 {
		t.Fatalf("globex lastSeq = %d, want 1", globex.LastSeq())
	}
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

type countingPublisher struct{ n int }

func (c *countingPublisher) Publish(context.Context, Event) error {
	c.n++
	return nil
}

func TestFanoutContinuesPastFailures(t *testing.T) {
	boom := errors.New("boom")
	counter := &countingPublisher{}
	fan := Fanout{failingPublisher{err: boom}, counter}

	err := fan.Publish(context.Background(), UsersReleased("acme", "q1", 1, 0))
	if !errors.Is(err, boom) {
		t.Fatalf("fanout error = %v, want %v", err, boom)
	}
	if counter.n != 1 {
		t.Fatalf("second publisher called %d times, want 1", counter.n)
	}
}

func TestDiscardNeverFails(t *testing.T) {
	if err := (Discard{}).Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("discard returned %v", err)
	}
}
