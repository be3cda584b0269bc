package waitroom

import (
	"bytes"
	"testing"
)

func TestWaitKeysSortByPosition(t *testing.T) {
	k1 := WaitKey("acme", "q", 1)
	k2 := WaitKey("acme", "q", 2)
	k300 := WaitKey("acme", "q", 300)
	if !(bytes.Compare(k1, k2) < 0 && bytes.Compare(k2, k300) < 0) {
		t.Fatalf("wait keys not in position order")
	}
	if got := PositionFromWaitKey(k300); got != 300 {
		t.Fatalf("position round-trip = %d, want 300", got)
	}
}

func TestKeyNamespacesAreDisjoint(t *testing.T) {
	if bytes.HasPrefix(SessionKey("acme", "q", "s"), WaitPrefix("acme", "q")) {
		t.Fatalf("session keys collide with waiting index")
	}
	if bytes.HasPrefix(CounterKey("acme", "q"), WaitPrefix("acme", "q")) {
		t.Fatalf("counter key collides with waiting index")
	}
}
