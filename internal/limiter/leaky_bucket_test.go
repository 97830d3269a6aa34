package limiter

import (
	"fmt"
	"testing"
	"time"
)

func TestLeakyBucket_FillsToCapacity(t *testing.T) {
	vc, store := newMemory(t)
	lb := NewLeakyBucket(store, vc, 3, 60, "")

	for i := 0; i < 3; i++ {
		d := mustCheck(t, lb, "user1", Event{ID: fmt.Sprintf("e%d", i+1)})
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != 2-i {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, d.Remaining, 2-i)
		}
	}

	n, err := store.LLen(ctx, lb.keys.key("user1", AlgorithmLeakyBucket))
	if err != nil {
		t.Fatalf("LLen() error = %v", err)
	}
	if n != 3 {
		t.Errorf("queue length = %d, want 3", n)
	}
}

func TestLeakyBucket_FullBucketDeniesWithoutMutating(t *testing.T) {
	vc, store := newMemory(t)
	lb := NewLeakyBucket(store, vc, 2, 60, "")
	key := lb.keys.key("user1", AlgorithmLeakyBucket)

	mustCheck(t, lb, "user1", Event{ID: "e1"})
	mustCheck(t, lb, "user1", Event{ID: "e2"})

	d := mustCheck(t, lb, "user1", Event{ID: "e3"})
	if d.Allowed {
		t.Fatal("third event should be denied while the bucket is full")
	}

	oldest, ok, err := store.LPopOldest(ctx, key)
	if err != nil || !ok {
		t.Fatalf("LPopOldest() = %q, %v, %v", oldest, ok, err)
	}
	if oldest != "e1" {
		t.Errorf("oldest = %q, want e1", oldest)
	}
	next, _, _ := store.LPopOldest(ctx, key)
	if next != "e2" {
		t.Errorf("next = %q, want e2 (denied event must not be queued)", next)
	}
}

func TestLeakyBucket_LengthNeverExceedsCapacity(t *testing.T) {
	vc, store := newMemory(t)
	lb := NewLeakyBucket(store, vc, 5, 60, "")
	key := lb.keys.key("user1", AlgorithmLeakyBucket)

	for i := 0; i < 20; i++ {
		mustCheck(t, lb, "user1", Event{})
		n, err := store.LLen(ctx, key)
		if err != nil {
			t.Fatalf("LLen() error = %v", err)
		}
		if n > 5 {
			t.Fatalf("after %d checks queue length = %d, exceeds capacity 5", i+1, n)
		}
	}
}

func TestLeakyBucket_DrainsWhenIdle(t *testing.T) {
	vc, store := newMemory(t)
	lb := NewLeakyBucket(store, vc, 1, 60, "")

	mustCheck(t, lb, "user1", Event{})
	if mustCheck(t, lb, "user1", Event{}).Allowed {
		t.Fatal("should be denied while full")
	}

	vc.Advance(time.Minute)
	if !mustCheck(t, lb, "user1", Event{}).Allowed {
		t.Error("bucket should have drained one interval after the last admission")
	}
}

func TestLeakyBucket_Leak(t *testing.T) {
	vc, store := newMemory(t)
	lb := NewLeakyBucket(store, vc, 3, 60, "")

	for i := 0; i < 3; i++ {
		mustCheck(t, lb, "user1", Event{})
	}

	n, err := lb.Leak(ctx, "user1", 2)
	if err != nil {
		t.Fatalf("Leak() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Leak() = %d, want 2", n)
	}

	d := mustCheck(t, lb, "user1", Event{})
	if !d.Allowed {
		t.Fatal("should be allowed after leaking")
	}
	if d.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", d.Remaining)
	}

	n, err = lb.Leak(ctx, "user1", 10)
	if err != nil {
		t.Fatalf("Leak() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Leak() = %d, want only the 2 queued entries", n)
	}

	if n, _ := lb.Leak(ctx, "nobody", 0); n != 0 {
		t.Errorf("Leak(0) = %d, want 0", n)
	}
}

func TestLeakyBucket_GeneratesEventIDs(t *testing.T) {
	vc, store := newMemory(t)
	lb := NewLeakyBucket(store, vc, 2, 60, "")
	key := lb.keys.key("user1", AlgorithmLeakyBucket)

	mustCheck(t, lb, "user1", Event{})
	id, ok, err := store.LPopOldest(ctx, key)
	if err != nil || !ok {
		t.Fatalf("LPopOldest() = %q, %v, %v", id, ok, err)
	}
	if id == "" {
		t.Error("empty event id should be replaced by a generated one")
	}
}
