package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileops/go-readcache/authentication"
	"github.com/textileops/go-readcache/blobstore"
	"github.com/textileops/go-readcache/cache"
	"github.com/textileops/go-readcache/cache/cachetest"
	"github.com/textileops/go-readcache/logger"
	"github.com/textileops/go-readcache/readthrough"
	"github.com/textileops/go-readcache/warming"
)

const testSecret = "correct-horse-battery-staple"

type testApp struct {
	*App
	cache cache.Cache
	store *blobstore.Memory
	log   *logger.TestLogger
}

func newTestApp(t *testing.T, mutate ...func(*Deps)) *testApp {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log := logger.NewTestLogger()
	deps := Deps{
		Cache:          cache.NewInMemory(ctx),
		Store:          blobstore.NewMemory(),
		Logger:         log,
		InternalSecret: testSecret,
	}
	for _, m := range mutate {
		m(&deps)
	}
	app := Build(ctx, deps)
	t.Cleanup(func() { _ = app.Close() })
	store, _ := deps.Store.(*blobstore.Memory)
	return &testApp{App: app, cache: deps.Cache, store: store, log: log}
}

func (a *testApp) seed(t *testing.T, collection, id string, created time.Time, doc map[string]any) {
	t.Helper()
	doc["id"] = id
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, a.store.Put(context.Background(), documentKey(collection, id, created), data, "application/json"))
}

func (a *testApp) do(t *testing.T, method, target string, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func internalHeader(t *testing.T) http.Header {
	t.Helper()
	token, err := authentication.NewBearerToken(testSecret, authentication.WithExpiration(time.Now().Add(time.Minute)))
	require.NoError(t, err)
	h := make(http.Header)
	authentication.SetInternal(h, token)
	return h
}

type listing struct {
	Items []map[string]any  `json:"items"`
	Count int               `json:"count"`
	Cache *readthrough.Meta `json:"_cache"`
}

func decodeListing(t *testing.T, rec *httptest.ResponseRecorder) listing {
	t.Helper()
	var l listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &l))
	return l
}

var jan = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
var feb = time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)

func TestReadThroughListing(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "pedidos", "o1", jan, map[string]any{"client": "acme"})

	first := app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get(readthrough.HeaderCache))
	assert.Equal(t, "cache:api:s3:pedidos:pathname:/api/s3/pedidos:query:", first.Header().Get(readthrough.HeaderCacheKey))
	l := decodeListing(t, first)
	assert.Equal(t, 1, l.Count)
	require.NotNil(t, l.Cache)
	assert.False(t, l.Cache.Hit)

	second := app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil)
	assert.Equal(t, "HIT", second.Header().Get(readthrough.HeaderCache))
	l = decodeListing(t, second)
	assert.Equal(t, 1, l.Count)
	assert.True(t, l.Cache.Hit)
}

func TestReadThroughPartitionFilter(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "pedidos", "o1", jan, map[string]any{})
	app.seed(t, "pedidos", "o2", feb, map[string]any{})

	rec := app.do(t, http.MethodGet, "/api/s3/pedidos?year=2024&month=02", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeListing(t, rec).Count)
	assert.Equal(t, "cache:api:s3:pedidos:pathname:/api/s3/pedidos:query:month=02&year=2024", rec.Header().Get(readthrough.HeaderCacheKey))

	rec = app.do(t, http.MethodGet, "/api/s3/pedidos?year=24", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get(readthrough.HeaderCache))
}

func TestWriteInvalidatesCachedReads(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "pedidos", "o1", jan, map[string]any{"qty": 1})

	require.Equal(t, "MISS", app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil).Header().Get(readthrough.HeaderCache))
	require.Equal(t, "MISS", app.do(t, http.MethodGet, "/api/s3/pedidos/o1", "", nil).Header().Get(readthrough.HeaderCache))
	require.Equal(t, "HIT", app.do(t, http.MethodGet, "/api/s3/pedidos/o1", "", nil).Header().Get(readthrough.HeaderCache))

	put := app.do(t, http.MethodPut, "/api/s3/pedidos/o1", `{"qty": 5}`, nil)
	require.Equal(t, http.StatusOK, put.Code)

	item := app.do(t, http.MethodGet, "/api/s3/pedidos/o1", "", nil)
	assert.Equal(t, "MISS", item.Header().Get(readthrough.HeaderCache))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(item.Body.Bytes(), &doc))
	assert.EqualValues(t, 5, doc["qty"])

	post := app.do(t, http.MethodPost, "/api/s3/pedidos", `{"qty": 2}`, nil)
	require.Equal(t, http.StatusCreated, post.Code)
	list := app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil)
	assert.Equal(t, "MISS", list.Header().Get(readthrough.HeaderCache))
	assert.Equal(t, 2, decodeListing(t, list).Count)

	del := app.do(t, http.MethodDelete, "/api/s3/pedidos/o1", "", nil)
	require.Equal(t, http.StatusNoContent, del.Code)
	list = app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil)
	assert.Equal(t, "MISS", list.Header().Get(readthrough.HeaderCache))
	assert.Equal(t, 1, decodeListing(t, list).Count)

	assert.Equal(t, http.StatusNotFound, app.do(t, http.MethodGet, "/api/s3/pedidos/o1", "", nil).Code)
}

func TestWriteValidation(t *testing.T) {
	app := newTestApp(t)
	assert.Equal(t, http.StatusBadRequest, app.do(t, http.MethodPost, "/api/s3/pedidos", `[1,2]`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, app.do(t, http.MethodPost, "/api/s3/Pedidos", `{}`, nil).Code)
	assert.Equal(t, http.StatusNotFound, app.do(t, http.MethodPut, "/api/s3/pedidos/missing", `{}`, nil).Code)
}

func TestInternalReadsBypassCache(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "pedidos", "o1", jan, map[string]any{})
	header := internalHeader(t)

	rec := app.do(t, http.MethodGet, "/api/s3/pedidos", "", header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(readthrough.HeaderCache))
	keys, err := app.cache.Keys(context.Background(), "cache:api:s3:pedidos:*")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// a forced refresh is stored even for internal callers
	rec = app.do(t, http.MethodGet, "/api/s3/pedidos?refresh=true", "", header)
	assert.Equal(t, "MISS", rec.Header().Get(readthrough.HeaderCache))
	assert.Equal(t, "HIT", app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil).Header().Get(readthrough.HeaderCache))
}

func TestCacheOutageServesLive(t *testing.T) {
	app := newTestApp(t, func(d *Deps) { d.Cache = cachetest.Failing{} })
	app.seed(t, "pedidos", "o1", jan, map[string]any{})

	rec := app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(readthrough.HeaderCache))
	assert.Equal(t, 1, decodeListing(t, rec).Count)

	assert.Equal(t, http.StatusCreated, app.do(t, http.MethodPost, "/api/s3/pedidos", `{"qty": 1}`, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, app.do(t, http.MethodGet, "/readyz", "", nil).Code)
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestGateDeniesUnknownCallers(t *testing.T) {
	app := newTestApp(t, func(d *Deps) {
		d.Gate = authentication.NewStaticTokens(authentication.TokenEntry{Name: "ops", Token: "ops-token"})
	})
	assert.Equal(t, http.StatusUnauthorized, app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil).Code)
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/api/s3/pedidos", "",
		http.Header{"Authorization": []string{"Bearer ops-token"}}).Code)
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/api/s3/pedidos", "", internalHeader(t)).Code)
}

func TestRateLimit(t *testing.T) {
	app := newTestApp(t, func(d *Deps) {
		d.RateLimit = 2
		d.RateWindow = time.Minute
	})
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil).Code)
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil).Code)
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/api/s3/pedidos", "", internalHeader(t)).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t)
	app.do(t, http.MethodGet, "/api/s3/pedidos", "", nil)
	rec := app.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `readcache_requests_total{namespace="api:s3:pedidos",result="miss"} 1`)
}

func TestInvalidateEndpoint(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, app.cache.Set(ctx, "cache:api:s3:pedidos:a", 1, time.Minute))
	require.NoError(t, app.cache.Set(ctx, "cache:api:s3:pedidos:b", 1, time.Minute))
	require.NoError(t, app.cache.Set(ctx, "cache:api:s3:clientes:a", 1, time.Minute))

	rec := app.do(t, http.MethodPost, "/internal/cache/invalidate", `{"pattern":"cache:api:s3:pedidos:*"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = app.do(t, http.MethodPost, "/internal/cache/invalidate", `{"pattern":"cache:api:s3:pedidos:*"}`, internalHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":2}`, rec.Body.String())

	rec = app.do(t, http.MethodPost, "/internal/cache/invalidate", `{"key":"cache:api:s3:clientes:a"}`, internalHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)
	found, _, err := app.cache.Get(ctx, "cache:api:s3:clientes:a")
	require.NoError(t, err)
	assert.False(t, found)

	rec = app.do(t, http.MethodPost, "/internal/cache/invalidate", `{}`, internalHeader(t))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWarmEndpoint(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "inventario", "r1", jan, map[string]any{})
	app.seed(t, "inventario", "r2", feb, map[string]any{})

	rec := app.do(t, http.MethodPost, "/internal/cache/warm/inventory?wait=true", "", internalHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)
	var report warming.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, []string{
		"/api/s3/inventario",
		"/api/s3/inventario?month=01&year=2024",
		"/api/s3/inventario?month=02&year=2024",
	}, report.Variants)
	assert.Equal(t, 3, report.Succeeded)
	assert.Empty(t, report.Failures)

	hit := app.do(t, http.MethodGet, "/api/s3/inventario?year=2024&month=01", "", nil)
	assert.Equal(t, "HIT", hit.Header().Get(readthrough.HeaderCache))
	assert.Equal(t, 1, decodeListing(t, hit).Count)

	rec = app.do(t, http.MethodPost, "/internal/cache/warm/nope?wait=true", "", internalHeader(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = app.do(t, http.MethodPost, "/internal/cache/warm/nope", "", internalHeader(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = app.do(t, http.MethodPost, "/internal/cache/warm/clients", "", internalHeader(t))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWriteSchedulesWarm(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "clientes", "c1", jan, map[string]any{})

	require.Equal(t, http.StatusCreated, app.do(t, http.MethodPost, "/api/s3/clientes", `{"name":"acme"}`, nil).Code)
	assert.Eventually(t, func() bool {
		found, _, err := app.cache.Get(context.Background(), "cache:api:s3:clientes:pathname:/api/s3/clientes:query:")
		return err == nil && found
	}, 2*time.Second, 10*time.Millisecond)
}
