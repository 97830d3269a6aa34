package limiter

import (
	"testing"
	"time"
)

func TestTokenBucket_BasicAllow(t *testing.T) {
	vc, store := newMemory(t)
	tb := NewTokenBucket(store, vc, 10, 60, "")

	d := mustCheck(t, tb, "user1", Event{})
	if !d.Allowed {
		t.Error("first request should be allowed")
	}
	if d.Remaining != 9 {
		t.Errorf("Remaining = %d, want 9", d.Remaining)
	}
	if d.Limit != 10 {
		t.Errorf("Limit = %d, want 10", d.Limit)
	}
	if d.ResetAt != epoch+60 {
		t.Errorf("ResetAt = %d, want %d", d.ResetAt, epoch+60)
	}
}

func TestTokenBucket_ExhaustAndRefill(t *testing.T) {
	vc, store := newMemory(t)
	tb := NewTokenBucket(store, vc, 5, 60, "")

	for i := 0; i < 5; i++ {
		if !mustCheck(t, tb, "user1", Event{}).Allowed {
			t.Errorf("request %d at t=0 should be allowed", i+1)
		}
	}

	vc.Advance(time.Second)
	d := mustCheck(t, tb, "user1", Event{})
	if d.Allowed {
		t.Error("6th request at t=1 should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
	if d.RetryAt != epoch+60 {
		t.Errorf("RetryAt = %d, want %d", d.RetryAt, epoch+60)
	}

	vc.Advance(59 * time.Second)
	d = mustCheck(t, tb, "user1", Event{})
	if !d.Allowed {
		t.Error("request at t=60 should be allowed after a full refill")
	}
	if d.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", d.Remaining)
	}
}

func TestTokenBucket_RefillIgnoresLeftoverTokens(t *testing.T) {
	vc, store := newMemory(t)
	tb := NewTokenBucket(store, vc, 5, 60, "")

	mustCheck(t, tb, "user1", Event{})
	mustCheck(t, tb, "user1", Event{})

	vc.Advance(time.Minute)
	d := mustCheck(t, tb, "user1", Event{})
	if d.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4 (refill resets to capacity, never above)", d.Remaining)
	}
}

func TestTokenBucket_NoRefillBeforeInterval(t *testing.T) {
	vc, store := newMemory(t)
	tb := NewTokenBucket(store, vc, 2, 60, "")

	mustCheck(t, tb, "user1", Event{})
	mustCheck(t, tb, "user1", Event{})

	vc.Advance(59 * time.Second)
	if mustCheck(t, tb, "user1", Event{}).Allowed {
		t.Error("should still be denied one second before the refill")
	}
}

func TestTokenBucket_LedgerExpires(t *testing.T) {
	vc, store := newMemory(t)
	tb := NewTokenBucket(store, vc, 1, 60, "")

	mustCheck(t, tb, "user1", Event{})
	vc.Advance(2 * time.Minute)

	for _, suffix := range []string{"last_reset", "tokens"} {
		ok, err := store.Exists(ctx, tb.keys.key("user1", AlgorithmTokenBucket, suffix))
		if err != nil {
			t.Fatalf("Exists() error = %v", err)
		}
		if ok {
			t.Errorf("%s should expire after two intervals", suffix)
		}
	}
}

func TestTokenBucket_DifferentKeys(t *testing.T) {
	vc, store := newMemory(t)
	tb := NewTokenBucket(store, vc, 1, 60, "")

	mustCheck(t, tb, "user1", Event{})
	if mustCheck(t, tb, "user1", Event{}).Allowed {
		t.Error("user1 should be denied")
	}
	if !mustCheck(t, tb, "user2", Event{}).Allowed {
		t.Error("user2 should be allowed (independent bucket)")
	}
}
