package gateway

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestLimiterMoveBudget(t *testing.T) {
	cw := clockwork.NewFakeClock()
	l := newLimiter(cw, 3)

	for i := 0; i < 3; i++ {
		if !l.AllowMove("alice", "g1") {
			t.Fatalf("move %d should pass", i+1)
		}
	}
	if l.AllowMove("alice", "g1") {
		t.Fatalf("fourth move should be limited")
	}

	// Budgets are scoped per user and per game.
	if !l.AllowMove("bob", "g1") {
		t.Fatalf("other user should have a fresh bucket")
	}
	if !l.AllowMove("alice", "g2") {
		t.Fatalf("other game should have a fresh bucket")
	}
}

func TestLimiterRefillsAfterWindow(t *testing.T) {
	cw := clockwork.NewFakeClock()
	l := newLimiter(cw, 2)

	l.AllowMove("alice", "g1")
	l.AllowMove("alice", "g1")
	if l.AllowMove("alice", "g1") {
		t.Fatalf("bucket should be empty")
	}

	cw.Advance(time.Minute)
	if !l.AllowMove("alice", "g1") {
		t.Fatalf("bucket should refill after the window")
	}
}

func TestLimiterCreateWindow(t *testing.T) {
	cw := clockwork.NewFakeClock()
	l := newLimiter(cw, 0)

	for i := 0; i < createsPerWindow; i++ {
		if !l.AllowCreate("alice") {
			t.Fatalf("create %d should pass", i+1)
		}
	}
	if l.AllowCreate("alice") {
		t.Fatalf("creates over the window budget should be limited")
	}
	cw.Advance(createWindow)
	if !l.AllowCreate("alice") {
		t.Fatalf("create budget should refill after five minutes")
	}
}

func TestLimiterPrune(t *testing.T) {
	cw := clockwork.NewFakeClock()
	l := newLimiter(cw, 5)

	l.AllowMove("alice", "g1")
	l.AllowChat("alice", "g1")
	if l.size() != 2 {
		t.Fatalf("want 2 buckets, got %d", l.size())
	}

	cw.Advance(2 * time.Minute)
	l.prune()
	if l.size() != 0 {
		t.Fatalf("idle buckets should be pruned, got %d", l.size())
	}
}
