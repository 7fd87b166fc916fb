// Package warming re-populates the read cache after writes.
//
// A warm run for a domain invalidates its cached reads, lists the blob store
// to discover the year/month partitions worth pre-populating, and issues one
// internal read per variant concurrently. A failed read is logged and does
// not stop the others. Runs are scheduled through a Runner so the write that
// triggered them never waits.
package warming

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/textileops/go-readcache/authentication"
	"github.com/textileops/go-readcache/blobstore"
	"github.com/textileops/go-readcache/invalidation"
	"github.com/textileops/go-readcache/logger"
	"github.com/textileops/go-readcache/readthrough"
	"github.com/textileops/go-readcache/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/textileops/go-readcache/warming")

var ErrUnknownDomain = errors.New("unknown warm domain")

// DefaultConcurrency bounds the warming reads in flight per run.
const DefaultConcurrency = 8

// tokenLifetime is how long the bearer token minted for a run stays valid.
const tokenLifetime = 10 * time.Minute

// Observer is notified of every run and every warming read.
type Observer interface {
	ObserveWarmRun(domain string, ok bool, elapsed time.Duration)
	ObserveWarmRequest(domain string, ok bool)
}

// Report describes one warm run.
type Report struct {
	Domain      string            `json:"domain"`
	Invalidated int               `json:"invalidated"`
	Variants    []string          `json:"variants"`
	Succeeded   int               `json:"succeeded"`
	Failures    map[string]string `json:"failures,omitempty"`
	Elapsed     time.Duration     `json:"elapsed"`
}

// Failed is the number of warming reads that did not return 200.
func (r *Report) Failed() int {
	return len(r.Failures)
}

type Warmer struct {
	invalidator  *invalidation.Service
	store        blobstore.Store
	fetcher      Fetcher
	sharedSecret string
	logger       logger.Logger
	observer     Observer
	domains      map[string]Domain
	concurrency  int
	listRetry    resilience.RetryConfig
}

type Option func(*Warmer)

// WithDomains replaces the default domains.
func WithDomains(domains ...Domain) Option {
	return func(w *Warmer) {
		w.domains = make(map[string]Domain, len(domains))
		for _, d := range domains {
			w.domains[d.Name] = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(w *Warmer) { w.observer = o }
}

// WithConcurrency bounds the warming reads in flight per run.
func WithConcurrency(n int) Option {
	return func(w *Warmer) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithListRetry controls retries of the partition listing.
func WithListRetry(cfg resilience.RetryConfig) Option {
	return func(w *Warmer) { w.listRetry = cfg }
}

// New returns a Warmer. sharedSecret signs the internal bearer token sent
// with every warming read.
func New(inv *invalidation.Service, store blobstore.Store, fetcher Fetcher, sharedSecret string, log logger.Logger, opts ...Option) *Warmer {
	w := &Warmer{
		invalidator:  inv,
		store:        store,
		fetcher:      fetcher,
		sharedSecret: sharedSecret,
		logger:       log.WithPrefix("[warm]"),
		concurrency:  DefaultConcurrency,
		listRetry:    resilience.DefaultRetryConfig(),
	}
	WithDomains(DefaultDomains()...)(w)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Domains returns the configured domain names, sorted.
func (w *Warmer) Domains() []string {
	names := make([]string, 0, len(w.domains))
	for name := range w.domains {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Domain returns the named domain.
func (w *Warmer) Domain(name string) (Domain, bool) {
	d, ok := w.domains[name]
	return d, ok
}

// DomainForCollection returns the domain warming collection.
func (w *Warmer) DomainForCollection(collection string) (string, bool) {
	for _, name := range w.Domains() {
		if w.domains[name].Collection == collection {
			return name, true
		}
	}
	return "", false
}

// Warm runs WarmDetailed and reports whether the run completed without an
// unexpected error. Individual read failures do not make it false. A panic
// inside the run is recovered and reported as false.
func (w *Warmer) Warm(ctx context.Context, domain string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("warm %s panicked: %v", domain, r)
			ok = false
		}
	}()
	if _, err := w.WarmDetailed(ctx, domain); err != nil {
		w.logger.WithContext(ctx).Warn("warm %s failed: %s", domain, err)
		return false
	}
	return true
}

// WarmDetailed invalidates the domain, discovers its variants and reads
// every variant. The error is non-nil only for an unknown domain or a
// failed partition listing; in the latter case the unfiltered listing is
// still warmed.
func (w *Warmer) WarmDetailed(ctx context.Context, domain string) (*Report, error) {
	d, ok := w.domains[domain]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDomain, "%q", domain)
	}
	ctx, span := tracer.Start(ctx, "warming.warm", trace.WithAttributes(attribute.String("warm.domain", domain)))
	defer span.End()

	started := time.Now()
	report := &Report{Domain: domain, Failures: make(map[string]string)}
	report.Invalidated = w.invalidator.InvalidatePattern(ctx, d.Pattern())

	keys, listErr := w.list(ctx, d)
	if listErr != nil {
		span.RecordError(listErr)
		w.logger.WithContext(ctx).Warn("listing %s failed, warming the unfiltered read only: %s", d.Prefix(), listErr)
	}
	report.Variants = d.Variants(keys)

	header, err := w.header()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, target := range report.Variants {
		g.Go(func() error {
			err := w.fetch(ctx, target, header)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures[target] = err.Error()
				w.logger.WithContext(ctx).Warn("warming read %s failed: %s", target, err)
			} else {
				report.Succeeded++
			}
			if w.observer != nil {
				w.observer.ObserveWarmRequest(domain, err == nil)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Elapsed = time.Since(started)
	span.SetAttributes(
		attribute.Int("warm.variants", len(report.Variants)),
		attribute.Int("warm.failed", report.Failed()),
	)
	if w.observer != nil {
		w.observer.ObserveWarmRun(domain, listErr == nil, report.Elapsed)
	}
	w.logger.WithContext(ctx).Info("warmed %s: %d/%d reads in %s (invalidated %d)",
		domain, report.Succeeded, len(report.Variants), report.Elapsed.Round(time.Millisecond), report.Invalidated)
	if listErr != nil {
		span.SetStatus(codes.Error, listErr.Error())
		return report, errors.Wrapf(listErr, "list %s", d.Prefix())
	}
	return report, nil
}

func (w *Warmer) list(ctx context.Context, d Domain) ([]string, error) {
	var objs []blobstore.Object
	err := resilience.Retry(ctx, w.listRetry, func() error {
		var err error
		objs, err = w.store.List(ctx, d.Prefix())
		return err
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(objs))
	for i, o := range objs {
		keys[i] = o.Key
	}
	return keys, nil
}

func (w *Warmer) header() (http.Header, error) {
	token, err := authentication.NewBearerToken(w.sharedSecret, authentication.WithExpiration(time.Now().Add(tokenLifetime)))
	if err != nil {
		return nil, errors.Wrap(err, "mint warming token")
	}
	h := make(http.Header)
	authentication.SetInternal(h, token)
	return h, nil
}

// fetch issues a refreshing read so the cache stores the live result.
func (w *Warmer) fetch(ctx context.Context, target string, header http.Header) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	u, err := url.Parse(target)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set(readthrough.RefreshParam, "true")
	u.RawQuery = q.Encode()
	status, err := w.fetcher.Fetch(ctx, u.String(), header.Clone())
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &FetchError{URL: u.String(), Status: status}
	}
	return nil
}
