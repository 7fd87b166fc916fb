package main

import (
	"github.com/spf13/cobra"
	"github.com/textileops/go-readcache/blobstore"
	"github.com/textileops/go-readcache/env"
	"github.com/textileops/go-readcache/server"
)

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("addr", "", "listen address (READCACHE_ADDR)")
	f.String("cache", "", "cache backend: memory, sqlite or redis (READCACHE_CACHE)")
	f.String("redis-url", "", "redis url (READCACHE_REDIS_URL)")
	f.String("redis-prefix", "", "key prefix on a shared redis (READCACHE_REDIS_PREFIX)")
	f.String("sqlite-path", "", "sqlite cache database (READCACHE_SQLITE_PATH)")
	f.Bool("l1", false, "keep a process-local tier in front of redis (READCACHE_L1)")
	f.String("l1-ttl", "", "longest time the local tier keeps an entry (READCACHE_L1_TTL)")
	f.String("cache-timeout", "", "per-operation cache timeout (READCACHE_CACHE_TIMEOUT)")
	f.String("blob", "", "blob backend: memory or s3 (READCACHE_BLOB)")
	f.String("s3-endpoint", "", "s3 endpoint (READCACHE_S3_ENDPOINT)")
	f.String("s3-region", "", "s3 region (READCACHE_S3_REGION)")
	f.String("s3-bucket", "", "s3 bucket (READCACHE_S3_BUCKET)")
	f.String("s3-access-key", "", "s3 access key (READCACHE_S3_ACCESS_KEY)")
	f.String("s3-secret-key", "", "s3 secret key (READCACHE_S3_SECRET_KEY)")
	f.Bool("s3-ssl", true, "use TLS for s3 (READCACHE_S3_SSL)")
	f.Bool("s3-path-style", false, "use path-style s3 addressing (READCACHE_S3_PATH_STYLE)")
	f.String("internal-secret", "", "shared secret for internal requests (READCACHE_INTERNAL_SECRET)")
	f.String("tokens-file", "", "YAML file of end-user bearer tokens (READCACHE_TOKENS_FILE)")
	f.String("policy-file", "", "YAML TTL policy and warm domains (READCACHE_POLICY_FILE)")
	f.String("rate-limit", "", "requests per client and window, 0 disables (READCACHE_RATE_LIMIT)")
	f.String("rate-window", "", "rate limit window (READCACHE_RATE_WINDOW)")
	f.String("warm-workers", "", "background warm workers (READCACHE_WARM_WORKERS)")
	f.String("warm-queue", "", "pending warm runs before scheduling is refused (READCACHE_WARM_QUEUE)")
	f.String("warm-concurrency", "", "concurrent reads per warm run (READCACHE_WARM_CONCURRENCY)")
	f.String("shutdown-timeout", "", "graceful shutdown timeout (READCACHE_SHUTDOWN_TIMEOUT)")
}

// loadConfig resolves every setting from its flag, then its environment
// variable, then the default.
func loadConfig(cmd *cobra.Command) (server.Config, error) {
	def := server.DefaultConfig()
	cfg := server.Config{
		Addr:           env.FlagOrEnv(cmd, "addr", "READCACHE_ADDR", def.Addr),
		CacheBackend:   env.FlagOrEnv(cmd, "cache", "READCACHE_CACHE", def.CacheBackend),
		RedisURL:       env.FlagOrEnv(cmd, "redis-url", "READCACHE_REDIS_URL", def.RedisURL),
		RedisPrefix:    env.FlagOrEnv(cmd, "redis-prefix", "READCACHE_REDIS_PREFIX", def.RedisPrefix),
		SQLitePath:     env.FlagOrEnv(cmd, "sqlite-path", "READCACHE_SQLITE_PATH", def.SQLitePath),
		L1:             env.BoolFlagOrEnv(cmd, "l1", "READCACHE_L1", def.L1),
		BlobBackend:    env.FlagOrEnv(cmd, "blob", "READCACHE_BLOB", def.BlobBackend),
		InternalSecret: env.FlagOrEnv(cmd, "internal-secret", "READCACHE_INTERNAL_SECRET", ""),
		TokensFile:     env.FlagOrEnv(cmd, "tokens-file", "READCACHE_TOKENS_FILE", ""),
		PolicyFile:     env.FlagOrEnv(cmd, "policy-file", "READCACHE_POLICY_FILE", ""),
		S3: blobstore.S3Config{
			Endpoint:  env.FlagOrEnv(cmd, "s3-endpoint", "READCACHE_S3_ENDPOINT", ""),
			Region:    env.FlagOrEnv(cmd, "s3-region", "READCACHE_S3_REGION", ""),
			Bucket:    env.FlagOrEnv(cmd, "s3-bucket", "READCACHE_S3_BUCKET", ""),
			AccessKey: env.FlagOrEnv(cmd, "s3-access-key", "READCACHE_S3_ACCESS_KEY", ""),
			SecretKey: env.FlagOrEnv(cmd, "s3-secret-key", "READCACHE_S3_SECRET_KEY", ""),
			UseSSL:    env.BoolFlagOrEnv(cmd, "s3-ssl", "READCACHE_S3_SSL", true),
			PathStyle: env.BoolFlagOrEnv(cmd, "s3-path-style", "READCACHE_S3_PATH_STYLE", false),
		},
	}
	var err error
	if cfg.L1TTL, err = env.DurationFlagOrEnv(cmd, "l1-ttl", "READCACHE_L1_TTL", def.L1TTL); err != nil {
		return cfg, err
	}
	if cfg.CacheTimeout, err = env.DurationFlagOrEnv(cmd, "cache-timeout", "READCACHE_CACHE_TIMEOUT", def.CacheTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimit, err = env.IntFlagOrEnv(cmd, "rate-limit", "READCACHE_RATE_LIMIT", def.RateLimit); err != nil {
		return cfg, err
	}
	if cfg.RateWindow, err = env.DurationFlagOrEnv(cmd, "rate-window", "READCACHE_RATE_WINDOW", def.RateWindow); err != nil {
		return cfg, err
	}
	if cfg.WarmWorkers, err = env.IntFlagOrEnv(cmd, "warm-workers", "READCACHE_WARM_WORKERS", def.WarmWorkers); err != nil {
		return cfg, err
	}
	if cfg.WarmQueue, err = env.IntFlagOrEnv(cmd, "warm-queue", "READCACHE_WARM_QUEUE", def.WarmQueue); err != nil {
		return cfg, err
	}
	if cfg.WarmConcurrency, err = env.IntFlagOrEnv(cmd, "warm-concurrency", "READCACHE_WARM_CONCURRENCY", def.WarmConcurrency); err != nil {
		return cfg, err
	}
	if cfg.ShutdownTimeout, err = env.DurationFlagOrEnv(cmd, "shutdown-timeout", "READCACHE_SHUTDOWN_TIMEOUT", def.ShutdownTimeout); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
