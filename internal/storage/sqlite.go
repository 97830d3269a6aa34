package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
)

const (
	kindNameCounter = "counter"
	kindNameZSet    = "zset"
	kindNameList    = "list"
)

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path string `json:"path" yaml:"path"`

	// BusyTimeout is how long to wait for a lock held by another process.
	// Default: 5 seconds
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// SQLiteStore is a Store persisted in a single SQLite file.
//
// Every operation runs in its own BEGIN IMMEDIATE transaction on a single
// connection, so operations are serialized within the process and across
// processes sharing the file. Expiration is evaluated against the injected
// Clock and expired keys are purged lazily or by Cleanup.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock

	// mu serializes Atomic bodies with the single-op paths. The connection pool
	// is capped at one so this only guards against interleaving inside Go.
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewSQLiteStore opens (or creates) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig, c clock.Clock) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if c == nil {
		c = clock.NewRealClock()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w: %w", ErrUnavailable, err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports a single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, clock: c}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w: %w", ErrUnavailable, err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_keys (
		key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		counter INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS kv_zsets (
		key TEXT NOT NULL,
		member TEXT NOT NULL,
		score INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (key, member)
	);

	CREATE INDEX IF NOT EXISTS idx_kv_zsets_score ON kv_zsets(key, score, seq);

	CREATE TABLE IF NOT EXISTS kv_lists (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		member TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_kv_lists_key ON kv_lists(key, id);
	CREATE INDEX IF NOT EXISTS idx_kv_keys_expires ON kv_keys(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// sqlOp runs against the open transaction of a single operation.
type sqlOp struct {
	ctx context.Context
	tx  *sql.Tx
	now int64
}

func (s *SQLiteStore) run(ctx context.Context, op string, fn func(o *sqlOp) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite %s: %w: %w", op, ErrUnavailable, err)
	}

	o := &sqlOp{ctx: ctx, tx: tx, now: s.clock.Now()}
	if err := fn(o); err != nil {
		_ = tx.Rollback()
		return sqliteError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite %s: %w: %w", op, ErrUnavailable, err)
	}
	return nil
}

func sqliteError(op string, err error) error {
	if errors.Is(err, ErrWrongType) || errors.Is(err, ErrUnavailable) {
		return err
	}
	var abort *abortError
	if errors.As(err, &abort) {
		return abort.err
	}
	return fmt.Errorf("sqlite %s: %w: %w", op, ErrUnavailable, err)
}

func (o *sqlOp) expiry(ttl time.Duration) int64 {
	secs := ttlSeconds(ttl)
	if secs == 0 {
		return 0
	}
	return o.now + secs
}

func (o *sqlOp) purge(key string) error {
	for _, q := range []string{
		`DELETE FROM kv_keys WHERE key = ?`,
		`DELETE FROM kv_zsets WHERE key = ?`,
		`DELETE FROM kv_lists WHERE key = ?`,
	} {
		if _, err := o.tx.ExecContext(o.ctx, q, key); err != nil {
			return err
		}
	}
	return nil
}

// kind returns the kind of the live key, or "" if absent. Expired keys are purged.
func (o *sqlOp) kind(key string) (string, error) {
	var kind string
	var expiresAt int64
	err := o.tx.QueryRowContext(o.ctx,
		`SELECT kind, expires_at FROM kv_keys WHERE key = ?`, key).Scan(&kind, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if expiresAt != 0 && o.now >= expiresAt {
		return "", o.purge(key)
	}
	return kind, nil
}

// ensure creates key with the given kind if absent and fails on a kind mismatch.
func (o *sqlOp) ensure(key, want string) error {
	kind, err := o.kind(key)
	if err != nil {
		return err
	}
	if kind == "" {
		_, err := o.tx.ExecContext(o.ctx,
			`INSERT INTO kv_keys (key, kind, counter, expires_at) VALUES (?, ?, 0, 0)`, key, want)
		return err
	}
	if kind != want {
		return ErrWrongType
	}
	return nil
}

// expect reports whether key is live and of the wanted kind.
func (o *sqlOp) expect(key, want string) (bool, error) {
	kind, err := o.kind(key)
	if err != nil || kind == "" {
		return false, err
	}
	if kind != want {
		return false, ErrWrongType
	}
	return true, nil
}

// dropIfEmpty removes the key row once its collection has no members left.
func (o *sqlOp) dropIfEmpty(key, table string) error {
	var n int64
	if err := o.tx.QueryRowContext(o.ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE key = ?`, key).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := o.tx.ExecContext(o.ctx, `DELETE FROM kv_keys WHERE key = ?`, key)
	return err
}

func (o *sqlOp) get(key string) (int64, bool, error) {
	ok, err := o.expect(key, kindNameCounter)
	if err != nil || !ok {
		return 0, false, err
	}
	var v int64
	err = o.tx.QueryRowContext(o.ctx, `SELECT counter FROM kv_keys WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (o *sqlOp) exists(key string) (bool, error) {
	kind, err := o.kind(key)
	return kind != "", err
}

func (o *sqlOp) set(key string, value int64, ttl time.Duration) error {
	if err := o.purge(key); err != nil {
		return err
	}
	_, err := o.tx.ExecContext(o.ctx,
		`INSERT INTO kv_keys (key, kind, counter, expires_at) VALUES (?, ?, ?, ?)`,
		key, kindNameCounter, value, o.expiry(ttl))
	return err
}

func (o *sqlOp) add(key string, delta int64) (int64, error) {
	if err := o.ensure(key, kindNameCounter); err != nil {
		return 0, err
	}
	if _, err := o.tx.ExecContext(o.ctx,
		`UPDATE kv_keys SET counter = counter + ? WHERE key = ?`, delta, key); err != nil {
		return 0, err
	}
	var v int64
	err := o.tx.QueryRowContext(o.ctx, `SELECT counter FROM kv_keys WHERE key = ?`, key).Scan(&v)
	return v, err
}

func (o *sqlOp) expire(key string, ttl time.Duration) (bool, error) {
	kind, err := o.kind(key)
	if err != nil || kind == "" {
		return false, err
	}
	_, err = o.tx.ExecContext(o.ctx,
		`UPDATE kv_keys SET expires_at = ? WHERE key = ?`, o.expiry(ttl), key)
	return err == nil, err
}

func (o *sqlOp) zadd(key string, score int64, member string) error {
	if err := o.ensure(key, kindNameZSet); err != nil {
		return err
	}
	_, err := o.tx.ExecContext(o.ctx, `
		INSERT INTO kv_zsets (key, member, score, seq)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM kv_zsets))
		ON CONFLICT (key, member) DO UPDATE SET
			score = excluded.score,
			seq = excluded.seq
	`, key, member, score)
	return err
}

func (o *sqlOp) zcount(key string, min, max int64) (int64, error) {
	ok, err := o.expect(key, kindNameZSet)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	err = o.tx.QueryRowContext(o.ctx,
		`SELECT COUNT(*) FROM kv_zsets WHERE key = ? AND score >= ? AND score <= ?`,
		key, min, max).Scan(&n)
	return n, err
}

func (o *sqlOp) zcard(key string) (int64, error) {
	ok, err := o.expect(key, kindNameZSet)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	err = o.tx.QueryRowContext(o.ctx, `SELECT COUNT(*) FROM kv_zsets WHERE key = ?`, key).Scan(&n)
	return n, err
}

func (o *sqlOp) zmin(key string, min int64) (int64, bool, error) {
	ok, err := o.expect(key, kindNameZSet)
	if err != nil || !ok {
		return 0, false, err
	}
	var score sql.NullInt64
	err = o.tx.QueryRowContext(o.ctx,
		`SELECT MIN(score) FROM kv_zsets WHERE key = ? AND score >= ?`, key, min).Scan(&score)
	if err != nil {
		return 0, false, err
	}
	return score.Int64, score.Valid, nil
}

func (o *sqlOp) zremrange(key string, min, max int64) (int64, error) {
	ok, err := o.expect(key, kindNameZSet)
	if err != nil || !ok {
		return 0, err
	}
	res, err := o.tx.ExecContext(o.ctx,
		`DELETE FROM kv_zsets WHERE key = ? AND score >= ? AND score <= ?`, key, min, max)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, o.dropIfEmpty(key, "kv_zsets")
}

func (o *sqlOp) llen(key string) (int64, error) {
	ok, err := o.expect(key, kindNameList)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	err = o.tx.QueryRowContext(o.ctx, `SELECT COUNT(*) FROM kv_lists WHERE key = ?`, key).Scan(&n)
	return n, err
}

func (o *sqlOp) lpop(key string) (string, bool, error) {
	ok, err := o.expect(key, kindNameList)
	if err != nil || !ok {
		return "", false, err
	}
	var id int64
	var member string
	err = o.tx.QueryRowContext(o.ctx,
		`SELECT id, member FROM kv_lists WHERE key = ? ORDER BY id LIMIT 1`, key).Scan(&id, &member)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if _, err := o.tx.ExecContext(o.ctx, `DELETE FROM kv_lists WHERE id = ?`, id); err != nil {
		return "", false, err
	}
	return member, true, o.dropIfEmpty(key, "kv_lists")
}

func (o *sqlOp) rpush(key, member string) (int64, error) {
	if err := o.ensure(key, kindNameList); err != nil {
		return 0, err
	}
	if _, err := o.tx.ExecContext(o.ctx,
		`INSERT INTO kv_lists (key, member) VALUES (?, ?)`, key, member); err != nil {
		return 0, err
	}
	var n int64
	err := o.tx.QueryRowContext(o.ctx, `SELECT COUNT(*) FROM kv_lists WHERE key = ?`, key).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (v int64, ok bool, err error) {
	err = s.run(ctx, "get", func(o *sqlOp) error {
		v, ok, err = o.get(key)
		return err
	})
	return v, ok, err
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return s.run(ctx, "set", func(o *sqlOp) error { return o.set(key, value, ttl) })
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (ok bool, err error) {
	err = s.run(ctx, "exists", func(o *sqlOp) error {
		ok, err = o.exists(key)
		return err
	})
	return ok, err
}

func (s *SQLiteStore) Incr(ctx context.Context, key string) (n int64, err error) {
	err = s.run(ctx, "incr", func(o *sqlOp) error {
		n, err = o.add(key, 1)
		return err
	})
	return n, err
}

func (s *SQLiteStore) Decr(ctx context.Context, key string) (n int64, err error) {
	err = s.run(ctx, "decr", func(o *sqlOp) error {
		n, err = o.add(key, -1)
		return err
	})
	return n, err
}

func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) (ok bool, err error) {
	err = s.run(ctx, "expire", func(o *sqlOp) error {
		ok, err = o.expire(key, ttl)
		return err
	})
	return ok, err
}

func (s *SQLiteStore) ZAdd(ctx context.Context, key string, score int64, member string) error {
	return s.run(ctx, "zadd", func(o *sqlOp) error { return o.zadd(key, score, member) })
}

func (s *SQLiteStore) ZCount(ctx context.Context, key string, min, max int64) (n int64, err error) {
	err = s.run(ctx, "zcount", func(o *sqlOp) error {
		n, err = o.zcount(key, min, max)
		return err
	})
	return n, err
}

func (s *SQLiteStore) ZCard(ctx context.Context, key string) (n int64, err error) {
	err = s.run(ctx, "zcard", func(o *sqlOp) error {
		n, err = o.zcard(key)
		return err
	})
	return n, err
}

func (s *SQLiteStore) ZRemRangeByScore(ctx context.Context, key string, min, max int64) (n int64, err error) {
	err = s.run(ctx, "zremrangebyscore", func(o *sqlOp) error {
		n, err = o.zremrange(key, min, max)
		return err
	})
	return n, err
}

func (s *SQLiteStore) LLen(ctx context.Context, key string) (n int64, err error) {
	err = s.run(ctx, "llen", func(o *sqlOp) error {
		n, err = o.llen(key)
		return err
	})
	return n, err
}

func (s *SQLiteStore) LPopOldest(ctx context.Context, key string) (v string, ok bool, err error) {
	err = s.run(ctx, "lpop", func(o *sqlOp) error {
		v, ok, err = o.lpop(key)
		return err
	})
	return v, ok, err
}

func (s *SQLiteStore) LPushNewest(ctx context.Context, key, member string) (n int64, err error) {
	err = s.run(ctx, "rpush", func(o *sqlOp) error {
		n, err = o.rpush(key, member)
		return err
	})
	return n, err
}

// Atomic runs fn inside one SQLite transaction. Writes are applied after fn
// returns so reads inside fn observe the state at the start of the transaction.
func (s *SQLiteStore) Atomic(ctx context.Context, _ []string, fn func(tx Tx) error) error {
	return s.run(ctx, "transaction", func(o *sqlOp) error {
		tx := &sqliteTx{op: o}
		if err := fn(tx); err != nil {
			return &abortError{err: err}
		}
		if tx.err != nil {
			return tx.err
		}
		for _, w := range tx.writes {
			if err := w(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cleanup purges every expired key.
func (s *SQLiteStore) Cleanup(ctx context.Context) (removed int, err error) {
	err = s.run(ctx, "cleanup", func(o *sqlOp) error {
		rows, err := o.tx.QueryContext(o.ctx,
			`SELECT key FROM kv_keys WHERE expires_at != 0 AND expires_at <= ?`, o.now)
		if err != nil {
			return err
		}
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return err
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, k := range keys {
			if err := o.purge(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	return removed, err
}

// Close closes the database. It is idempotent.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

type sqliteTx struct {
	op     *sqlOp
	writes []func() error
	err    error
}

// keep records the first read error so the transaction is rolled back even if
// the caller drops it.
func (t *sqliteTx) keep(err error) error {
	if err != nil && t.err == nil {
		t.err = err
	}
	return err
}

func (t *sqliteTx) Get(key string) (int64, bool, error) {
	v, ok, err := t.op.get(key)
	return v, ok, t.keep(err)
}

func (t *sqliteTx) Exists(key string) (bool, error) {
	ok, err := t.op.exists(key)
	return ok, t.keep(err)
}

func (t *sqliteTx) ZCount(key string, min, max int64) (int64, error) {
	n, err := t.op.zcount(key, min, max)
	return n, t.keep(err)
}

func (t *sqliteTx) ZCard(key string) (int64, error) {
	n, err := t.op.zcard(key)
	return n, t.keep(err)
}

func (t *sqliteTx) ZMinScore(key string, min int64) (int64, bool, error) {
	v, ok, err := t.op.zmin(key, min)
	return v, ok, t.keep(err)
}

func (t *sqliteTx) LLen(key string) (int64, error) {
	n, err := t.op.llen(key)
	return n, t.keep(err)
}

func (t *sqliteTx) queue(w func() error) {
	t.writes = append(t.writes, w)
}

func (t *sqliteTx) Set(key string, value int64, ttl time.Duration) {
	t.queue(func() error { return t.op.set(key, value, ttl) })
}

func (t *sqliteTx) Incr(key string) {
	t.queue(func() error { _, err := t.op.add(key, 1); return err })
}

func (t *sqliteTx) Decr(key string) {
	t.queue(func() error { _, err := t.op.add(key, -1); return err })
}

func (t *sqliteTx) Expire(key string, ttl time.Duration) {
	t.queue(func() error { _, err := t.op.expire(key, ttl); return err })
}

func (t *sqliteTx) ZAdd(key string, score int64, member string) {
	t.queue(func() error { return t.op.zadd(key, score, member) })
}

func (t *sqliteTx) ZRemRangeByScore(key string, min, max int64) {
	t.queue(func() error { _, err := t.op.zremrange(key, min, max); return err })
}

func (t *sqliteTx) LPopOldest(key string) {
	t.queue(func() error { _, _, err := t.op.lpop(key); return err })
}

func (t *sqliteTx) LPushNewest(key, member string) {
	t.queue(func() error { _, err := t.op.rpush(key, member); return err })
}
