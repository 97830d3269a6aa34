package limiter

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

// 2024-01-01T00:00:00Z, aligned to every interval used in these tests.
const epoch int64 = 1704067200

var ctx = context.Background()

func newMemory(t testing.TB) (*clock.VirtualClock, *storage.MemoryStore) {
	t.Helper()
	vc := clock.NewVirtualClock(epoch)
	return vc, storage.NewMemoryStore(vc)
}

func newMiniredis(t testing.TB) *storage.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}
	s, err := storage.NewRedisStore(context.Background(), &storage.RedisConfig{Host: mr.Host(), Port: port})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCheck(t *testing.T, c Checker, identity string, ev Event) Decision {
	t.Helper()
	d, err := c.Check(ctx, identity, ev)
	if err != nil {
		t.Fatalf("Check(%q) error = %v", identity, err)
	}
	return d
}

func newSQLite(t testing.TB, c clock.Clock) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "limits.db")}, c)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newStrategy(t testing.TB, alg Algorithm, store storage.Store, c clock.Clock, maxRequests int, interval int64) Strategy {
	t.Helper()
	s, err := NewStrategy(Config{Algorithm: alg, MaxRequests: maxRequests, IntervalSeconds: interval}, store, c, "")
	if err != nil {
		t.Fatalf("NewStrategy(%s) error = %v", alg, err)
	}
	return s
}

// spyStore counts writes issued inside transactions.
type spyStore struct {
	storage.Store
	writes int
}

func (s *spyStore) Atomic(ctx context.Context, keys []string, fn func(tx storage.Tx) error) error {
	return s.Store.Atomic(ctx, keys, func(tx storage.Tx) error {
		return fn(&spyTx{Tx: tx, spy: s})
	})
}

type spyTx struct {
	storage.Tx
	spy *spyStore
}

func (t *spyTx) Set(key string, value int64, ttl time.Duration) {
	t.spy.writes++
	t.Tx.Set(key, value, ttl)
}

func (t *spyTx) Incr(key string) {
	t.spy.writes++
	t.Tx.Incr(key)
}

func (t *spyTx) Decr(key string) {
	t.spy.writes++
	t.Tx.Decr(key)
}

func (t *spyTx) Expire(key string, ttl time.Duration) {
	t.spy.writes++
	t.Tx.Expire(key, ttl)
}

func (t *spyTx) ZAdd(key string, score int64, member string) {
	t.spy.writes++
	t.Tx.ZAdd(key, score, member)
}

func (t *spyTx) ZRemRangeByScore(key string, min, max int64) {
	t.spy.writes++
	t.Tx.ZRemRangeByScore(key, min, max)
}

func (t *spyTx) LPopOldest(key string) {
	t.spy.writes++
	t.Tx.LPopOldest(key)
}

func (t *spyTx) LPushNewest(key, member string) {
	t.spy.writes++
	t.Tx.LPushNewest(key, member)
}

// failingStore fails every transaction with err.
type failingStore struct {
	storage.Store
	err error
}

func (s *failingStore) Atomic(context.Context, []string, func(tx storage.Tx) error) error {
	return s.err
}
