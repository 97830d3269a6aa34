package limiter

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSlidingLog_AgesOutOldestEntry(t *testing.T) {
	vc, store := newMemory(t)
	sl := NewSlidingLog(store, vc, 3, 60, "")

	for _, id := range []string{"e1", "e2", "e3"} {
		if !mustCheck(t, sl, "user1", Event{ID: id}).Allowed {
			t.Fatalf("%s at t=0 should be allowed", id)
		}
	}

	vc.Advance(10 * time.Second)
	d := mustCheck(t, sl, "user1", Event{ID: "e4"})
	if d.Allowed {
		t.Fatal("e4 at t=10 should be denied")
	}
	if d.RetryAt != epoch+61 {
		t.Errorf("RetryAt = %d, want %d (oldest entry + interval + 1)", d.RetryAt, epoch+61)
	}

	vc.Advance(51 * time.Second)
	if !mustCheck(t, sl, "user1", Event{ID: "e5"}).Allowed {
		t.Error("e5 at t=61 should be allowed once e1..e3 age out")
	}
}

func TestSlidingLog_WindowIsInclusive(t *testing.T) {
	vc, store := newMemory(t)
	sl := NewSlidingLog(store, vc, 1, 60, "")

	mustCheck(t, sl, "user1", Event{ID: "e1"})
	vc.Advance(60 * time.Second)
	if mustCheck(t, sl, "user1", Event{ID: "e2"}).Allowed {
		t.Error("entry at now-interval is still in the window")
	}
}

func TestSlidingLog_DuplicateEventIDsAreDistinct(t *testing.T) {
	vc, store := newMemory(t)
	sl := NewSlidingLog(store, vc, 2, 60, "")

	mustCheck(t, sl, "user1", Event{ID: "same"})
	mustCheck(t, sl, "user1", Event{ID: "same"})
	if mustCheck(t, sl, "user1", Event{ID: "same"}).Allowed {
		t.Error("repeated event ids must each count against the limit")
	}

	n, err := store.ZCard(ctx, sl.keys.key("user1", AlgorithmSlidingLog))
	if err != nil {
		t.Fatalf("ZCard() error = %v", err)
	}
	if n != 2 {
		t.Errorf("log size = %d, want 2", n)
	}
}

func TestSlidingLog_Remaining(t *testing.T) {
	vc, store := newMemory(t)
	sl := NewSlidingLog(store, vc, 3, 60, "")

	for want := 2; want >= 0; want-- {
		d := mustCheck(t, sl, "user1", Event{})
		if d.Remaining != want {
			t.Errorf("Remaining = %d, want %d", d.Remaining, want)
		}
		if d.ResetAt != epoch+60 {
			t.Errorf("ResetAt = %d, want %d", d.ResetAt, epoch+60)
		}
	}
}

func TestSlidingLog_CompactsOversizedLog(t *testing.T) {
	vc, store := newMemory(t)
	sl := NewSlidingLog(store, vc, 1, 60, "")
	key := sl.keys.key("user1", AlgorithmSlidingLog)

	// Seed stale garbage beyond 100 x maxRequests, plus one in-window entry.
	for i := 0; i < 101; i++ {
		if err := store.ZAdd(ctx, key, epoch-1000, fmt.Sprintf("old-%d", i)); err != nil {
			t.Fatalf("ZAdd() error = %v", err)
		}
	}
	mustCheck(t, sl, "user1", Event{ID: "live"})

	if mustCheck(t, sl, "user1", Event{}).Allowed {
		t.Fatal("should be denied")
	}

	n, err := store.ZCard(ctx, key)
	if err != nil {
		t.Fatalf("ZCard() error = %v", err)
	}
	if n != 1 {
		t.Errorf("log size after compaction = %d, want 1", n)
	}
	count, _ := store.ZCount(ctx, key, epoch-60, epoch)
	if count != 1 {
		t.Errorf("in-window count = %d, want 1 (compaction must not touch it)", count)
	}
}

func TestMember(t *testing.T) {
	m := member("req-1")
	if !strings.HasPrefix(m, "req-1:") {
		t.Errorf("member(%q) = %q, want event id prefix", "req-1", m)
	}
	if member("req-1") == m {
		t.Error("members for the same event id should differ")
	}
	if member("") == "" {
		t.Error("member for an empty id should be generated")
	}
}
