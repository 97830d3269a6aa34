package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
)

type itemKind int

const (
	kindCounter itemKind = iota + 1
	kindZSet
	kindList
)

type zmember struct {
	member string
	score  int64
	seq    uint64
}

type memItem struct {
	kind      itemKind
	counter   int64
	zset      []zmember // sorted by (score, seq)
	list      []string  // oldest first
	expiresAt int64     // zero value means no expiration
}

// MemoryStore is an in-process Store backed by a map.
// It uses a Clock for expiration checks, enabling virtual-time testing.
// A single mutex is held for the duration of each operation and each Atomic
// transaction, so transactions are fully serialized.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memItem
	clock clock.Clock
	seq   uint64
}

// NewMemoryStore creates a new in-memory store using the given clock.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.NewRealClock()
	}
	return &MemoryStore{
		items: make(map[string]*memItem),
		clock: c,
	}
}

// lookup returns the live item at key, dropping it if it has expired.
// Must be called with s.mu held.
func (s *MemoryStore) lookup(key string) *memItem {
	item, ok := s.items[key]
	if !ok {
		return nil
	}
	if item.expiresAt != 0 && s.clock.Now() >= item.expiresAt {
		delete(s.items, key)
		return nil
	}
	return item
}

// ensure returns the live item at key, creating an empty one of kind k.
// Must be called with s.mu held.
func (s *MemoryStore) ensure(key string, k itemKind) (*memItem, error) {
	item := s.lookup(key)
	if item == nil {
		item = &memItem{kind: k}
		s.items[key] = item
		return item, nil
	}
	if item.kind != k {
		return nil, ErrWrongType
	}
	return item, nil
}

func (s *MemoryStore) expiry(ttl time.Duration) int64 {
	secs := ttlSeconds(ttl)
	if secs == 0 {
		return 0
	}
	return s.clock.Now() + secs
}

func (s *MemoryStore) get(key string) (int64, bool, error) {
	item := s.lookup(key)
	if item == nil {
		return 0, false, nil
	}
	if item.kind != kindCounter {
		return 0, false, ErrWrongType
	}
	return item.counter, true, nil
}

func (s *MemoryStore) set(key string, value int64, ttl time.Duration) {
	s.items[key] = &memItem{
		kind:      kindCounter,
		counter:   value,
		expiresAt: s.expiry(ttl),
	}
}

func (s *MemoryStore) add(key string, delta int64) (int64, error) {
	item, err := s.ensure(key, kindCounter)
	if err != nil {
		return 0, err
	}
	item.counter += delta
	return item.counter, nil
}

func (s *MemoryStore) expire(key string, ttl time.Duration) bool {
	item := s.lookup(key)
	if item == nil {
		return false
	}
	item.expiresAt = s.expiry(ttl)
	return true
}

func (s *MemoryStore) zadd(key string, score int64, member string) error {
	item, err := s.ensure(key, kindZSet)
	if err != nil {
		return err
	}
	for i, m := range item.zset {
		if m.member == member {
			item.zset = append(item.zset[:i], item.zset[i+1:]...)
			break
		}
	}
	s.seq++
	zm := zmember{member: member, score: score, seq: s.seq}
	idx := sort.Search(len(item.zset), func(i int) bool {
		return item.zset[i].score > score
	})
	item.zset = append(item.zset, zmember{})
	copy(item.zset[idx+1:], item.zset[idx:])
	item.zset[idx] = zm
	return nil
}

func (s *MemoryStore) zset(key string) ([]zmember, error) {
	item := s.lookup(key)
	if item == nil {
		return nil, nil
	}
	if item.kind != kindZSet {
		return nil, ErrWrongType
	}
	return item.zset, nil
}

func (s *MemoryStore) zcount(key string, min, max int64) (int64, error) {
	members, err := s.zset(key)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, m := range members {
		if m.score >= min && m.score <= max {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) zcard(key string) (int64, error) {
	members, err := s.zset(key)
	if err != nil {
		return 0, err
	}
	return int64(len(members)), nil
}

func (s *MemoryStore) zmin(key string, min int64) (int64, bool, error) {
	members, err := s.zset(key)
	if err != nil {
		return 0, false, err
	}
	for _, m := range members {
		if m.score >= min {
			return m.score, true, nil
		}
	}
	return 0, false, nil
}

func (s *MemoryStore) zremrange(key string, min, max int64) (int64, error) {
	members, err := s.zset(key)
	if err != nil || members == nil {
		return 0, err
	}
	kept := members[:0]
	var removed int64
	for _, m := range members {
		if m.score >= min && m.score <= max {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		delete(s.items, key)
		return removed, nil
	}
	s.items[key].zset = kept
	return removed, nil
}

func (s *MemoryStore) llen(key string) (int64, error) {
	item := s.lookup(key)
	if item == nil {
		return 0, nil
	}
	if item.kind != kindList {
		return 0, ErrWrongType
	}
	return int64(len(item.list)), nil
}

func (s *MemoryStore) lpop(key string) (string, bool, error) {
	item := s.lookup(key)
	if item == nil {
		return "", false, nil
	}
	if item.kind != kindList {
		return "", false, ErrWrongType
	}
	head := item.list[0]
	item.list = item.list[1:]
	if len(item.list) == 0 {
		delete(s.items, key)
	}
	return head, true, nil
}

func (s *MemoryStore) rpush(key, member string) (int64, error) {
	item, err := s.ensure(key, kindList)
	if err != nil {
		return 0, err
	}
	item.list = append(item.list, member)
	return int64(len(item.list)), nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (int64, bool, error) {
	if err := checkContext(ctx); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key)
}

func (s *MemoryStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, value, ttl)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(key) != nil, nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(key, 1)
}

func (s *MemoryStore) Decr(ctx context.Context, key string) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(key, -1)
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expire(key, ttl), nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score int64, member string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zadd(key, score, member)
}

func (s *MemoryStore) ZCount(ctx context.Context, key string, min, max int64) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zcount(key, min, max)
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zcard(key)
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max int64) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zremrange(key, min, max)
}

func (s *MemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.llen(key)
}

func (s *MemoryStore) LPopOldest(ctx context.Context, key string) (string, bool, error) {
	if err := checkContext(ctx); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lpop(key)
}

func (s *MemoryStore) LPushNewest(ctx context.Context, key, member string) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpush(key, member)
}

// Atomic holds the store lock while fn runs. Writes are buffered and applied
// after fn returns nil, which keeps the read-snapshot semantics of Tx
// identical to the networked stores.
func (s *MemoryStore) Atomic(ctx context.Context, _ []string, fn func(tx Tx) error) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		return err
	}
	for _, w := range tx.writes {
		if err := w(); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup removes all expired items. Call periodically for long-running processes.
func (s *MemoryStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for key, item := range s.items {
		if item.expiresAt != 0 && now >= item.expiresAt {
			delete(s.items, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of items (including expired ones not yet cleaned up).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *MemoryStore) Close() error {
	return nil
}

type memTx struct {
	s      *MemoryStore
	writes []func() error
}

func (t *memTx) Get(key string) (int64, bool, error) { return t.s.get(key) }
func (t *memTx) Exists(key string) (bool, error) { return t.s.lookup(key) != nil, nil }
func (t *memTx) ZCard(key string) (int64, error) { return t.s.zcard(key) }
func (t *memTx) LLen(key string) (int64, error) { return t.s.llen(key) }
func (t *memTx) ZCount(key string, min, max int64) (int64, error) {
	return t.s.zcount(key, min, max)
}
func (t *memTx) ZMinScore(key string, min int64) (int64, bool, error) {
	return t.s.zmin(key, min)
}

func (t *memTx) Set(key string, value int64, ttl time.Duration) {
	t.writes = append(t.writes, func() error { t.s.set(key, value, ttl); return nil })
}

func (t *memTx) Incr(key string) {
	t.writes = append(t.writes, func() error { _, err := t.s.add(key, 1); return err })
}

func (t *memTx) Decr(key string) {
	t.writes = append(t.writes, func() error { _, err := t.s.add(key, -1); return err })
}

func (t *memTx) Expire(key string, ttl time.Duration) {
	t.writes = append(t.writes, func() error { t.s.expire(key, ttl); return nil })
}

func (t *memTx) ZAdd(key string, score int64, member string) {
	t.writes = append(t.writes, func() error { return t.s.zadd(key, score, member) })
}

func (t *memTx) ZRemRangeByScore(key string, min, max int64) {
	t.writes = append(t.writes, func() error { _, err := t.s.zremrange(key, min, max); return err })
}

func (t *memTx) LPopOldest(key string) {
	t.writes = append(t.writes, func() error { _, _, err := t.s.lpop(key); return err })
}

func (t *memTx) LPushNewest(key, member string) {
	t.writes = append(t.writes, func() error { _, err := t.s.rpush(key, member); return err })
}
