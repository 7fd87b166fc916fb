package server

import (
	"fmt"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/textileops/go-readcache/blobstore"
	"github.com/textileops/go-readcache/redact"
)

// Cache backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Blob store backends.
const (
	BlobS3     = "s3"
	BlobMemory = "memory"
)

type Config struct {
	Addr string

	CacheBackend string
	RedisURL     string
	RedisPrefix  string
	SQLitePath   string
	// L1 puts a process-local tier in front of Redis and keeps it coherent
	// through the invalidation channel.
	L1 bool
	// L1TTL caps how long the local tier keeps an entry, bounding staleness
	// when an invalidation message is lost.
	L1TTL        time.Duration
	CacheTimeout time.Duration

	BlobBackend string
	S3          blobstore.S3Config

	InternalSecret string
	TokensFile     string
	PolicyFile     string

	RateLimit  int
	RateWindow time.Duration

	WarmWorkers     int
	WarmQueue       int
	WarmConcurrency int

	ShutdownTimeout time.Duration
}

// DefaultConfig returns a single-process configuration with in-memory
// backends.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		CacheBackend:    BackendMemory,
		SQLitePath:      "readcache.db",
		L1TTL:           time.Minute,
		CacheTimeout:    2 * time.Second,
		BlobBackend:     BlobMemory,
		RateLimit:       100,
		RateWindow:      time.Minute,
		WarmWorkers:     2,
		WarmQueue:       32,
		WarmConcurrency: 8,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if !slices.Contains([]string{BackendRedis, BackendMemory, BackendSQLite}, c.CacheBackend) {
		return errors.Newf("unknown cache backend %q", c.CacheBackend)
	}
	if c.CacheBackend == BackendRedis && c.RedisURL == "" {
		return errors.New("redis cache backend needs a redis url")
	}
	if c.CacheBackend == BackendSQLite && c.SQLitePath == "" {
		return errors.New("sqlite cache backend needs a database path")
	}
	if c.L1 && c.CacheBackend != BackendRedis {
		return errors.New("the L1 tier requires the redis cache backend")
	}
	if c.L1 && c.L1TTL <= 0 {
		return errors.New("the L1 tier needs a positive L1 TTL")
	}
	switch c.BlobBackend {
	case BlobMemory:
	case BlobS3:
		if err := c.S3.Validate(); err != nil {
			return err
		}
	default:
		return errors.Newf("unknown blob backend %q", c.BlobBackend)
	}
	if c.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	return nil
}

// String renders the configuration with secrets masked.
func (c Config) String() string {
	return fmt.Sprintf("addr=%s cache=%s redis=%s l1=%t blob=%s bucket=%s s3_key=%s internal_secret=%s rate=%d/%s warm_workers=%d",
		c.Addr, c.CacheBackend, redact.Value(c.RedisURL), c.L1, c.BlobBackend, c.S3.Bucket, redact.Mask(c.S3.AccessKey),
		redact.Mask(c.InternalSecret), c.RateLimit, c.RateWindow, c.WarmWorkers)
}
