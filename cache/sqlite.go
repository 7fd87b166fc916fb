package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

type sqliteCache struct {
	db        *sql.DB
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Cache = (*sqliteCache)(nil)

// NewSQLite returns a new Cache backed by SQLite. If dbPath is empty or
// ":memory:", an in-memory database is used. Patterns are matched with the
// SQL GLOB operator.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Cache, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite cache")
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL,
			hits INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache(expires_at)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "initializing sqlite cache")
		}
	}

	childCtx, cancel := context.WithCancel(ctx)
	c := &sqliteCache{
		db:     db,
		ctx:    childCtx,
		cancel: cancel,
		cfg:    applyOptions(opts),
	}
	if c.cfg.expiryCheck <= 0 {
		c.cfg.expiryCheck = time.Minute
	}
	c.waitGroup.Add(1)
	go c.run()
	return c, nil
}

func (c *sqliteCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *sqliteCache) Get(ctx context.Context, key string) (bool, any, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var data []byte
	err := c.db.QueryRowContext(qctx,
		`UPDATE cache SET hits = hits + 1 WHERE key = ? AND expires_at > ? RETURNING value`,
		key, time.Now().UnixNano(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, unavailable(err, "get")
	}
	return true, Encoded(data), nil
}

func (c *sqliteCache) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	expires = c.cfg.ttl(expires)
	data, err := msgpack.Marshal(val)
	if err != nil {
		return errors.Wrap(err, "cache: failed to marshal value")
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err = c.db.ExecContext(qctx,
		`INSERT INTO cache (key, value, expires_at, hits) VALUES (?, ?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, hits = 0`,
		key, data, time.Now().Add(expires).UnixNano(),
	)
	return unavailable(err, "set")
}

func (c *sqliteCache) Hits(ctx context.Context, key string) (bool, int) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var hits int
	err := c.db.QueryRowContext(qctx,
		`SELECT hits FROM cache WHERE key = ? AND expires_at > ?`, key, time.Now().UnixNano(),
	).Scan(&hits)
	if err != nil {
		return false, 0
	}
	return true, hits
}

func (c *sqliteCache) Expire(ctx context.Context, key string) (bool, error) {
	n, err := c.delete(ctx, `DELETE FROM cache WHERE key = ? AND expires_at > ?`, key)
	if err != nil {
		return false, unavailable(err, "expire")
	}
	return n > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	rows, err := c.db.QueryContext(qctx,
		`SELECT key FROM cache WHERE key GLOB ? AND expires_at > ?`, sqlitePattern(pattern), time.Now().UnixNano(),
	)
	if err != nil {
		return nil, unavailable(err, "keys")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, unavailable(err, "keys")
		}
		keys = append(keys, k)
	}
	return keys, unavailable(rows.Err(), "keys")
}

func (c *sqliteCache) ExpireMatching(ctx context.Context, pattern string) (int, error) {
	n, err := c.delete(ctx, `DELETE FROM cache WHERE key GLOB ? AND expires_at > ?`, sqlitePattern(pattern))
	if err != nil {
		return 0, unavailable(err, "expire matching")
	}
	return n, nil
}

func (c *sqliteCache) delete(ctx context.Context, query string, arg string) (int, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.db.ExecContext(qctx, query, arg, time.Now().UnixNano())
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (c *sqliteCache) Close() error {
	var dbErr error
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
		dbErr = c.db.Close()
	})
	return dbErr
}

func (c *sqliteCache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_, _ = c.db.ExecContext(c.ctx, `DELETE FROM cache WHERE expires_at <= ?`, time.Now().UnixNano())
		}
	}
}
