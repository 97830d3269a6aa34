package limiter

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

func TestAllStrategies_DenyOnceLimitReached(t *testing.T) {
	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			vc, store := newMemory(t)
			s := newStrategy(t, alg, store, vc, 4, 60)

			for i := 0; i < 4; i++ {
				d := mustCheck(t, s, "user1", Event{ID: fmt.Sprintf("e%d", i)})
				if !d.Allowed {
					t.Fatalf("request %d should be allowed", i+1)
				}
				if d.Limit != 4 {
					t.Errorf("Limit = %d, want 4", d.Limit)
				}
			}

			// Later in the same interval, still denied.
			vc.Advance(30 * time.Second)
			d := mustCheck(t, s, "user1", Event{ID: "over"})
			if d.Allowed {
				t.Fatal("request after the limit within the interval should be denied")
			}
			if d.Remaining != 0 {
				t.Errorf("Remaining = %d, want 0", d.Remaining)
			}
		})
	}
}

func TestAllStrategies_DeniedCheckDoesNotMutate(t *testing.T) {
	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			vc, mem := newMemory(t)
			spy := &spyStore{Store: mem}
			s := newStrategy(t, alg, spy, vc, 2, 60)

			mustCheck(t, s, "user1", Event{ID: "e1"})
			mustCheck(t, s, "user1", Event{ID: "e2"})
			if spy.writes == 0 {
				t.Fatal("admissions should write")
			}

			spy.writes = 0
			for i := 0; i < 3; i++ {
				if mustCheck(t, s, "user1", Event{ID: "denied"}).Allowed {
					t.Fatal("should be denied")
				}
			}
			if spy.writes != 0 {
				t.Errorf("denied checks issued %d writes, want 0", spy.writes)
			}
		})
	}
}

// parallelAdmissions runs n concurrent checks for one identity and returns
// how many were admitted. Conflicts are retried, as a caller would.
func parallelAdmissions(t *testing.T, s Strategy, n int) int {
	t.Helper()
	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
		start   = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			for attempt := 0; attempt < 1000; attempt++ {
				d, err := s.Check(ctx, "shared", Event{ID: fmt.Sprintf("req-%d", i)})
				if errors.Is(err, ErrConcurrencyViolation) {
					continue
				}
				if err != nil {
					t.Errorf("Check() error = %v", err)
					return
				}
				if d.Allowed {
					allowed.Add(1)
				}
				return
			}
			t.Error("gave up after repeated conflicts")
		}(i)
	}
	close(start)
	wg.Wait()
	return int(allowed.Load())
}

func TestAllStrategies_ConcurrentChecksAdmitExactlyMax(t *testing.T) {
	const (
		n = 50
		k = 7
	)
	backends := []struct {
		name string
		new  func(t *testing.T) storage.Store
	}{
		{name: "memory", new: func(t *testing.T) storage.Store {
			_, s := newMemory(t)
			return s
		}},
		{name: "miniredis", new: func(t *testing.T) storage.Store {
			return newMiniredis(t)
		}},
		{name: "sqlite", new: func(t *testing.T) storage.Store {
			return newSQLite(t, clock.NewVirtualClock(epoch))
		}},
	}

	for _, b := range backends {
		for _, alg := range Algorithms() {
			t.Run(b.name+"/"+string(alg), func(t *testing.T) {
				s := newStrategy(t, alg, b.new(t), clock.NewVirtualClock(epoch), k, 60)
				if got := parallelAdmissions(t, s, n); got != k {
					t.Errorf("admitted %d of %d, want exactly %d", got, n, k)
				}
			})
		}
	}
}
