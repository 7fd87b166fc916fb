// Package server hosts the cached document API: JSON documents in the blob
// store served through the read-through cache, per-domain facades, and the
// internal invalidation and warming endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/textileops/go-readcache/authentication"
	"github.com/textileops/go-readcache/blobstore"
	"github.com/textileops/go-readcache/cache"
	"github.com/textileops/go-readcache/invalidation"
	"github.com/textileops/go-readcache/logger"
	"github.com/textileops/go-readcache/metrics"
	"github.com/textileops/go-readcache/readthrough"
	"github.com/textileops/go-readcache/resilience"
	"github.com/textileops/go-readcache/warming"
)

// Deps are the handles an App is wired from.
type Deps struct {
	Cache          cache.Cache
	Store          blobstore.Store
	Logger         logger.Logger
	InternalSecret string
	// Gate authorizes end-user requests. Nil admits everyone.
	Gate      authentication.Gate
	Policy    *cache.Policy
	Domains   []warming.Domain
	Metrics   *metrics.Metrics
	Publisher invalidation.Publisher

	RateLimit       int
	RateWindow      time.Duration
	WarmWorkers     int
	WarmQueue       int
	WarmConcurrency int
}

// App is a wired server.
type App struct {
	deps        Deps
	logger      logger.Logger
	invalidator *invalidation.Service
	readthrough *readthrough.Cache
	warmer      *warming.Warmer
	runner      *warming.Runner
	facades     map[string]*documentFacade
	router      http.Handler
	closers     []func() error
}

// Build wires an App from deps. Background warm workers run until Close or
// until ctx is cancelled.
func Build(ctx context.Context, deps Deps) *App {
	if deps.Gate == nil {
		deps.Gate = authentication.AllowAll
	}
	if deps.Policy == nil {
		deps.Policy = cache.DefaultPolicy()
	}
	if deps.Domains == nil {
		deps.Domains = warming.DefaultDomains()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	log := deps.Logger.WithPrefix("[server]")

	invOpts := []invalidation.Option{invalidation.WithObserver(deps.Metrics)}
	if deps.Publisher != nil {
		invOpts = append(invOpts, invalidation.WithPublisher(deps.Publisher))
	}
	a := &App{
		deps:        deps,
		logger:      log,
		invalidator: invalidation.New(deps.Cache, deps.Logger, invOpts...),
	}
	a.readthrough = readthrough.New(deps.Cache, deps.Logger,
		readthrough.WithPolicy(deps.Policy),
		readthrough.WithSkip(a.skipCache),
		readthrough.WithObserver(deps.Metrics),
	)

	// Warming reads go through the router in process so they populate
	// exactly the entries user reads hit. An inline warm runs on the
	// operator request's context; chi reuses a route context it finds
	// there, so it is cleared to make the router match the read afresh.
	fetcher := warming.HandlerFetcher{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, nil))
		a.router.ServeHTTP(w, r)
	})}
	a.warmer = warming.New(a.invalidator, deps.Store, fetcher, deps.InternalSecret, deps.Logger,
		warming.WithDomains(deps.Domains...),
		warming.WithObserver(deps.Metrics),
		warming.WithConcurrency(deps.WarmConcurrency),
	)
	a.runner = warming.NewRunner(ctx, a.warmer, deps.Logger, deps.WarmWorkers, deps.WarmQueue)
	a.facades = a.buildFacades()
	a.router = a.routes()
	return a
}

func (a *App) skipCache(req *readthrough.Request) bool {
	return authentication.IsInternalHeader(req.Header, a.deps.InternalSecret) && !readthrough.IsRefresh(req)
}

// Handler returns the root handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Warmer returns the warmer used by the internal warm endpoint.
func (a *App) Warmer() *warming.Warmer {
	return a.warmer
}

// Store returns the document store.
func (a *App) Store() blobstore.Store {
	return a.deps.Store
}

// Invalidator returns the invalidation service.
func (a *App) Invalidator() *invalidation.Service {
	return a.invalidator
}

// Close drains the warm queue and releases the backends.
func (a *App) Close() error {
	a.runner.Close()
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, a.closers[i]())
	}
	return err
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

// Open builds the backends described by cfg and wires an App on them.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	policy, domains := cache.DefaultPolicy(), warming.DefaultDomains()
	if cfg.PolicyFile != "" {
		var err error
		if policy, domains, err = LoadPolicy(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}

	var gate authentication.Gate = authentication.AllowAll
	if cfg.TokensFile != "" {
		tokens, err := authentication.LoadStaticTokens(cfg.TokensFile)
		if err != nil {
			return nil, err
		}
		gate = tokens
	} else {
		log.Warn("no tokens file configured, every request is authorized")
	}
	if cfg.InternalSecret == "" {
		log.Warn("no internal secret configured, internal endpoints and warming reads are disabled")
	}

	m := metrics.New()
	cacheOpts := []cache.Option{cache.WithQueryTimeout(cfg.CacheTimeout)}
	var c cache.Cache
	var publisher invalidation.Publisher
	switch cfg.CacheBackend {
	case BackendMemory:
		c = cache.NewInMemory(ctx, cacheOpts...)
		closers = append(closers, c.Close)
	case BackendSQLite:
		sc, err := cache.NewSQLite(ctx, cfg.SQLitePath, cacheOpts...)
		if err != nil {
			return fail(err)
		}
		c = sc
		closers = append(closers, c.Close)
	case BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(errors.Wrap(err, "parse redis url"))
		}
		client := redis.NewClient(opts)
		closers = append(closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(errors.Wrap(err, "ping redis"))
		}
		breaker := resilience.DefaultCircuitBreakerConfig()
		breaker.Name = "redis"
		breaker.RequestTimeout = cfg.CacheTimeout
		breaker.OnStateChange = func(name string, from, to resilience.CircuitBreakerState) {
			log.Warn("circuit %s: %s -> %s", name, from, to)
		}
		remote := cache.NewGuarded(cache.NewRedis(client, append(cacheOpts, cache.WithPrefix(cfg.RedisPrefix))...), breaker)
		c = remote
		if cfg.L1 {
			local := cache.NewInMemory(ctx, cache.WithMaxExpires(cfg.L1TTL))
			closers = append(closers, local.Close)
			b := cache.NewBroadcaster(client, log, cfg.RedisPrefix+cache.DefaultChannel)
			sub, err := b.Subscribe(ctx, local)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, sub.Close)
			publisher = b
			c = cache.NewComposite(local, remote)
		}
	}

	var store blobstore.Store
	switch cfg.BlobBackend {
	case BlobS3:
		s, err := blobstore.NewS3(cfg.S3)
		if err != nil {
			return fail(err)
		}
		store = s
	default:
		store = blobstore.NewMemory()
	}

	app := Build(ctx, Deps{
		Cache:           c,
		Store:           store,
		Logger:          log,
		InternalSecret:  cfg.InternalSecret,
		Gate:            gate,
		Policy:          policy,
		Domains:         domains,
		Metrics:         m,
		Publisher:       publisher,
		RateLimit:       cfg.RateLimit,
		RateWindow:      cfg.RateWindow,
		WarmWorkers:     cfg.WarmWorkers,
		WarmQueue:       cfg.WarmQueue,
		WarmConcurrency: cfg.WarmConcurrency,
	})
	app.closers = closers
	return app, nil
}
