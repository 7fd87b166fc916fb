package warming

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileops/go-readcache/authentication"
	"github.com/textileops/go-readcache/blobstore"
	"github.com/textileops/go-readcache/cache"
	"github.com/textileops/go-readcache/invalidation"
	"github.com/textileops/go-readcache/logger"
	"github.com/textileops/go-readcache/readthrough"
	"github.com/textileops/go-readcache/resilience"
)

const secret = "warm-secret"

type recordingFetcher struct {
	mu      sync.Mutex
	targets []string
	headers []http.Header
	fail    func(target string) (int, error)
}

func (f *recordingFetcher) Fetch(ctx context.Context, target string, header http.Header) (int, error) {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.headers = append(f.headers, header)
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail(target)
	}
	return http.StatusOK, nil
}

type failingList struct{ blobstore.Store }

func (failingList) List(context.Context, string) ([]blobstore.Object, error) {
	return nil, errors.New("bucket unreachable")
}

type warmFixture struct {
	cache   cache.Cache
	store   *blobstore.Memory
	fetcher *recordingFetcher
	warmer  *Warmer
}

func newFixture(t *testing.T, opts ...Option) *warmFixture {
	t.Helper()
	ctx := context.Background()
	c := cache.NewInMemory(ctx)
	t.Cleanup(func() { c.Close() })
	store := blobstore.NewMemory()
	for _, k := range []string{"inventario/2024/01/a.json", "inventario/2024/02/b.json", "clientes/c.json"} {
		require.NoError(t, store.Put(ctx, k, []byte(`{}`), "application/json"))
	}
	fetcher := &recordingFetcher{}
	log := logger.NewTestLogger()
	w := New(invalidation.New(c, log), store, fetcher, secret, log, opts...)
	return &warmFixture{cache: c, store: store, fetcher: fetcher, warmer: w}
}

func TestWarmInvalidatesAndReadsEveryVariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.cache.Set(ctx, "cache:api:s3:inventario:pathname:/api/s3/inventario:query:", "stale", time.Hour))
	require.NoError(t, f.cache.Set(ctx, "cache:api:s3:clientes:pathname:/api/s3/clientes:query:", "keep", time.Hour))

	report, err := f.warmer.WarmDetailed(ctx, "inventory")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Invalidated)
	assert.Equal(t, 3, report.Succeeded)
	assert.Zero(t, report.Failed())

	assert.ElementsMatch(t, []string{
		"/api/s3/inventario?refresh=true",
		"/api/s3/inventario?month=01&refresh=true&year=2024",
		"/api/s3/inventario?month=02&refresh=true&year=2024",
	}, f.fetcher.targets)
	for _, h := range f.fetcher.headers {
		assert.True(t, authentication.IsInternalHeader(h, secret))
	}

	found, _, _ := f.cache.Get(ctx, "cache:api:s3:clientes:pathname:/api/s3/clientes:query:")
	assert.True(t, found)
}

func TestWarmFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.fail = func(target string) (int, error) {
		if strings.Contains(target, "month=01") {
			return http.StatusBadGateway, &FetchError{URL: target, Status: http.StatusBadGateway}
		}
		if strings.Contains(target, "month=02") {
			panic("boom")
		}
		return http.StatusOK, nil
	}

	assert.True(t, f.warmer.Warm(ctx, "inventory"))

	report, err := f.warmer.WarmDetailed(ctx, "inventory")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Failed())
	assert.Len(t, f.fetcher.targets, 6)
}

func TestWarmUnknownDomain(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.warmer.Warm(context.Background(), "looms"))
	_, err := f.warmer.WarmDetailed(context.Background(), "looms")
	assert.ErrorIs(t, err, ErrUnknownDomain)
	assert.Empty(t, f.fetcher.targets)
}

func TestWarmListFailureStillWarmsBase(t *testing.T) {
	ctx := context.Background()
	c := cache.NewInMemory(ctx)
	t.Cleanup(func() { c.Close() })
	fetcher := &recordingFetcher{}
	log := logger.NewTestLogger()
	w := New(invalidation.New(c, log), failingList{blobstore.NewMemory()}, fetcher, secret, log,
		WithListRetry(resilience.RetryConfig{MaxRetries: 0}))

	assert.False(t, w.Warm(ctx, "clients"))
	assert.Equal(t, []string{"/api/s3/clientes?refresh=true"}, fetcher.targets)
	assert.Equal(t, 1, log.Count("WARNING", "listing %s failed"))
}

type warmCounter struct {
	mu       sync.Mutex
	runs     map[string]bool
	requests int
}

func (o *warmCounter) ObserveWarmRun(domain string, ok bool, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[domain] = ok
}

func (o *warmCounter) ObserveWarmRequest(domain string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests++
}

func TestWarmObserver(t *testing.T) {
	obs := &warmCounter{runs: map[string]bool{}}
	f := newFixture(t, WithObserver(obs), WithConcurrency(1))
	assert.True(t, f.warmer.Warm(context.Background(), "inventory"))
	assert.Equal(t, 3, obs.requests)
	assert.True(t, obs.runs["inventory"])
}

func TestDomainForCollection(t *testing.T) {
	f := newFixture(t)
	name, ok := f.warmer.DomainForCollection("fichas-tecnicas")
	assert.True(t, ok)
	assert.Equal(t, "technical-sheets", name)
	_, ok = f.warmer.DomainForCollection("pedidos")
	assert.False(t, ok)
	assert.Equal(t, []string{"clients", "inventory", "technical-sheets", "users"}, f.warmer.Domains())
}

// TestWarmPopulatesReadThroughCache drives warming reads through the same
// middleware that serves users, so the warmed entries are the ones a plain
// read hits.
func TestWarmPopulatesReadThroughCache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewInMemory(ctx)
	t.Cleanup(func() { c.Close() })
	log := logger.NewTestLogger()

	var calls int
	var mu sync.Mutex
	live := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[]}`))
	})
	rt := readthrough.New(c, log, readthrough.WithSkip(func(req *readthrough.Request) bool {
		return authentication.IsInternalHeader(req.Header, secret) && !readthrough.IsRefresh(req)
	}))
	handler := rt.Middleware(live)

	w := New(invalidation.New(c, log), blobstore.NewMemory(), HandlerFetcher{Handler: handler}, secret, log)
	require.True(t, w.Warm(ctx, "users"))

	req, err := readthrough.NewRequest("/api/s3/usuarios")
	require.NoError(t, err)
	found, _, err := c.Get(ctx, rt.Key(req))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, calls)
}
