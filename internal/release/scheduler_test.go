package release

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/gate/internal/events"
	pebblestore "github.com/rzbill/gate/internal/storage/pebble"
	"github.com/rzbill/gate/internal/waitroom"
	"github.com/rzbill/gate/pkg/log"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) byQueue(queueID string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.QueueID == queueID {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	queues   *waitroom.QueueStore
	sessions *waitroom.SessionStore
	pub      *capturePublisher
	sched    *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	qs := waitroom.NewQueueStore(db)
	ss := waitroom.NewSessionStore(db, qs)
	pub := &capturePublisher{}
	logger := log.NewLogger(log.WithOutput(log.NullOutput{}))
	return &fixture{
		queues:   qs,
		sessions: ss,
		pub:      pub,
		sched:    NewScheduler(qs, ss, pub, logger, nil, 4),
	}
}

func (f *fixture) createQueue(t *testing.T, id string, rate, maxConc int) {
	t.Helper()
	_, err := f.queues.Create(context.Background(), waitroom.Queue{
		ID: id, TenantID: "acme", ReleaseRatePerMinute: rate, MaxConcurrentUsers: maxConc,
	})
	require.NoError(t, err)
}

func (f *fixture) enqueueN(t *testing.T, queueID string, n int, nowMs int64) []waitroom.Session {
	t.Helper()
	out := make([]waitroom.Session, 0, n)
	for i := 0; i < n; i++ {
		sess, err := f.sessions.Enqueue(context.Background(), "acme", queueID, "u", nowMs)
		require.NoError(t, err)
		out = append(out, sess)
	}
	return out
}

func TestTickReleasesUpToRate(t *testing.T) {
	f := newFixture(t)
	f.createQueue(t, "q", 5, 100)
	f.enqueueN(t, "q", 20, 1_000)

	report := f.sched.Tick(context.Background(), 60_000)
	require.Equal(t, 5, report.Released("acme", "q"))
	require.Equal(t, 5, report.ReleasedTotal)
	require.Empty(t, report.Errs())

	require.Equal(t, 15, f.sessions.CountWaiting("acme", "q"))
	require.Equal(t, 5, f.sessions.CountActive("acme", "q"))

	evs := f.pub.byQueue("q")
	require.Len(t, evs, 1)
	require.Equal(t, events.KindUsersReleased, evs[0].Kind)
	require.Equal(t, 5, evs[0].Released)
}

func TestTickRespectsHeadroom(t *testing.T) {
	f := newFixture(t)
	f.createQueue(t, "q", 5, 10)
	pre := f.enqueueN(t, "q", 28, 1_000)

	// occupy 8 active slots
	for _, sess := range pre[:8] {
		_, err := f.sessions.UpdateStatus(context.Background(), "acme", "q", sess.ID, waitroom.StatusReleased, 2_000)
		require.NoError(t, err)
	}
	require.Equal(t, 8, f.sessions.CountActive("acme", "q"))

	report := f.sched.Tick(context.Background(), 120_000)
	require.Equal(t, 2, report.Released("acme", "q"))
}

func TestSecondTickWithinIntervalReleasesNothing(t *testing.T) {
	f := newFixture(t)
	f.createQueue(t, "q", 5, 100)
	f.enqueueN(t, "q", 20, 1_000)

	first := f.sched.Tick(context.Background(), 60_000)
	require.Equal(t, 5, first.Released("acme", "q"))

	// rate 5/min -> 12s interval; 5s later the gate is still closed
	second := f.sched.Tick(context.Background(), 65_000)
	require.Equal(t, 0, second.Released("acme", "q"))
	require.Len(t, f.pub.byQueue("q"), 1)

	third := f.sched.Tick(context.Background(), 72_000)
	require.Equal(t, 5, third.Released("acme", "q"))
}

func TestTickLeavesEmptyQueueCadenceAlone(t *testing.T) {
	f := newFixture(t)
	f.createQueue(t, "q", 5, 100)

	f.sched.Tick(context.Background(), 60_000)
	q, err := f.queues.Get("acme", "q")
	require.NoError(t, err)
	require.Zero(t, q.LastReleaseAtMs)
	require.Empty(t, f.pub.byQueue("q"))
}

func TestTickReleasesFIFO(t *testing.T) {
	f := newFixture(t)
	f.createQueue(t, "q", 3, 100)
	sessions := f.enqueueN(t, "q", 6, 1_000)

	f.sched.Tick(context.Background(), 60_000)
	for i, sess := range sessions {
		got, err := f.sessions.Get("acme", "q", sess.ID)
		require.NoError(t, err)
		if i < 3 {
			require.Equal(t, waitroom.StatusReleased, got.Status, "session %d", i)
		} else {
			require.Equal(t, waitroom.StatusWaiting, got.Status, "session %d", i)
		}
	}
}

func TestTickProcessesQueuesIndependently(t *testing.T) {
	f := newFixture(t)
	f.createQueue(t, "a", 2, 100)
	f.createQueue(t, "b", 4, 100)
	f.createQueue(t, "empty", 4, 100)
	f.enqueueN(t, "a", 10, 1_000)
	f.enqueueN(t, "b", 10, 1_000)

	report := f.sched.Tick(context.Background(), 60_000)
	require.Equal(t, 2, report.Released("acme", "a"))
	require.Equal(t, 4, report.Released("acme", "b"))
	require.Equal(t, 0, report.Released("acme", "empty"))
	require.Equal(t, 6, report.ReleasedTotal)
}

func TestTickSkipsInactiveQueues(t *testing.T) {
	f := newFixture(t)
	f.createQueue(t, "q", 5, 100)
	f.enqueueN(t, "q", 5, 1_000)
	require.NoError(t, f.queues.Deactivate(context.Background(), "acme", "q"))

	report := f.sched.Tick(context.Background(), 60_000)
	require.Zero(t, report.ReleasedTotal)
	require.Equal(t, 5, f.sessions.CountWaiting("acme", "q"))
}
