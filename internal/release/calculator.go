package release

import "github.com/rzbill/gate/internal/waitroom"

// Snapshot is the consistent view of one queue used for an allowance
// decision. Now is passed explicitly so the decision is a pure function of
// its inputs.
type Snapshot struct {
	Queue   waitroom.Queue
	NowMs   int64
	Waiting int
	Active  int
}

// IntervalMs returns the minimum spacing between releases for a rate, in
// milliseconds.
func IntervalMs(ratePerMinute int) int64 {
	if ratePerMinute < 1 {
		ratePerMinute = 1
	}
	return 60_000 / int64(ratePerMinute)
}

// Allowance computes how many sessions the queue may release now.
//
// The cadence gate is a token bucket of one: if less than the rate interval
// has passed since the last release the allowance is zero, and missed
// intervals never accumulate credit. Otherwise the allowance is the rate
// capped by the waiting count and by the remaining concurrency headroom.
//
// An empty queue always yields zero, and the caller must not advance
// lastReleaseAt in that case; the cadence gate only moves when sessions are
// actually released.
func Allowance(s Snapshot) int {
	q := s.Queue
	if q.ReleaseRatePerMinute < 1 || s.Waiting <= 0 {
		return 0
	}
	if q.LastReleaseAtMs > 0 && s.NowMs-q.LastReleaseAtMs < IntervalMs(q.ReleaseRatePerMinute) {
		return 0
	}
	allowance := q.ReleaseRatePerMinute
	if s.Waiting < allowance {
		allowance = s.Waiting
	}
	headroom := q.MaxConcurrentUsers - s.Active
	if headroom < 0 {
		headroom = 0
	}
	if headroom < allowance {
		allowance = headroom
	}
	return allowance
}
