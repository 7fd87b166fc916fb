// Package readthrough caches successful read responses in front of a handler.
//
// A cacheable request is a GET whose skip predicate is false. Its key is
// cache.BuildKey(namespace, {pathname, query}) where query is the
// normalized query string without the refresh flag. A hit is served from
// the cache without calling the handler; a miss calls the handler and stores
// a 200 response for the namespace TTL. Every cached response carries the
// X-Cache and X-Cache-Key headers and, when the body is a JSON object, an
// inline "_cache" field. Cache faults are logged and never fail a request.
package readthrough

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/textileops/go-readcache/cache"
	"github.com/textileops/go-readcache/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/textileops/go-readcache/readthrough")

const (
	HeaderCache    = "X-Cache"
	HeaderCacheKey = "X-Cache-Key"

	// MetaField is the JSON field holding the cache annotation.
	MetaField = "_cache"

	// RefreshParam forces a cache read to be skipped when set to "true".
	RefreshParam = "refresh"
)

// Lookup results reported to an Observer.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultRefresh = "refresh"
	ResultBypass  = "bypass"
	ResultError   = "error"
)

// Request is the part of an inbound request the cache needs.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// NewRequest returns a GET request for rawURL.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", rawURL)
	}
	return &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}, nil
}

// FromHTTP converts an http.Request.
func FromHTTP(r *http.Request) *Request {
	return &Request{Method: r.Method, URL: r.URL, Header: r.Header}
}

// Response is a fully buffered handler result.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Handler produces the live response for a request.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Meta is the annotation merged into cached JSON payloads.
type Meta struct {
	Hit       bool   `json:"hit"`
	Key       string `json:"key"`
	Timestamp string `json:"timestamp"`
}

// Entry is the value stored in the cache for one response.
type Entry struct {
	Body        []byte `msgpack:"body"`
	ContentType string `msgpack:"content_type"`
}

// Observer is notified of every lookup outcome and every cache fault.
type Observer interface {
	ObserveLookup(namespace, result string)
	ObserveBackendError(op string, err error)
}

// Cache wraps handlers with read-through caching.
type Cache struct {
	cache       cache.Cache
	logger      logger.Logger
	namespaceFn func(*Request) string
	policy      *cache.Policy
	ttl         time.Duration
	skip        func(*Request) bool
	refresh     func(*Request) bool
	observer    Observer
	now         func() time.Time
}

type Option func(*Cache)

// WithNamespace uses a fixed key namespace.
func WithNamespace(ns string) Option {
	return func(c *Cache) { c.namespaceFn = func(*Request) string { return ns } }
}

// WithNamespaceFunc derives the key namespace from each request.
func WithNamespaceFunc(fn func(*Request) string) Option {
	return func(c *Cache) { c.namespaceFn = fn }
}

// WithTTL stores every entry for d. It takes precedence over WithPolicy.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithPolicy resolves the TTL from the request namespace.
func WithPolicy(p *cache.Policy) Option {
	return func(c *Cache) { c.policy = p }
}

// WithSkip bypasses the cache entirely for requests matching fn.
func WithSkip(fn func(*Request) bool) Option {
	return func(c *Cache) { c.skip = fn }
}

// WithRefresh replaces the forced refresh predicate. A refreshed request
// skips the cache read but stores the fresh result.
func WithRefresh(fn func(*Request) bool) Option {
	return func(c *Cache) { c.refresh = fn }
}

func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// IsRefresh reports whether req carries refresh=true.
func IsRefresh(req *Request) bool {
	return req.URL != nil && req.URL.Query().Get(RefreshParam) == "true"
}

// DefaultNamespace joins the first three path segments with ':', so
// /api/s3/pedidos/123 maps to api:s3:pedidos.
func DefaultNamespace(req *Request) string {
	if req.URL == nil {
		return ""
	}
	return NamespaceFromPath(req.URL.Path)
}

// New returns a read-through cache over c.
func New(c cache.Cache, log logger.Logger, opts ...Option) *Cache {
	rt := &Cache{
		cache:       c,
		logger:      log.WithPrefix("[readthrough]"),
		namespaceFn: DefaultNamespace,
		refresh:     IsRefresh,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Key returns the cache key for req.
func (c *Cache) Key(req *Request) string {
	return c.key(c.namespaceFn(req), req)
}

func (c *Cache) key(namespace string, req *Request) string {
	var path, query string
	if req.URL != nil {
		path = req.URL.Path
		query = cache.NormalizeQuery(req.URL.RawQuery, RefreshParam)
	}
	return cache.BuildKey(namespace, map[string]any{"pathname": path, "query": query})
}

func (c *Cache) ttlFor(namespace string) time.Duration {
	switch {
	case c.ttl > 0:
		return c.ttl
	case c.policy != nil:
		return c.policy.TTLFor(namespace)
	}
	return cache.DefaultExpires
}

func (c *Cache) eligible(req *Request) bool {
	if req.Method != http.MethodGet && req.Method != "" {
		return false
	}
	return c.skip == nil || !c.skip(req)
}

func (c *Cache) observe(namespace, result string) {
	if c.observer != nil {
		c.observer.ObserveLookup(namespace, result)
	}
}

func (c *Cache) fault(ctx context.Context, op, key string, err error) {
	c.logger.WithContext(ctx).Warn("cache %s failed for %s, serving live response: %s", op, key, err)
	if c.observer != nil {
		c.observer.ObserveBackendError(op, err)
	}
}

// Wrap returns a handler that serves eligible requests through the cache.
func (c *Cache) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		return c.Do(ctx, req, next)
	}
}

// Do serves req through the cache, calling next on a miss.
func (c *Cache) Do(ctx context.Context, req *Request, next Handler) (*Response, error) {
	if !c.eligible(req) {
		return next(ctx, req)
	}
	namespace := c.namespaceFn(req)
	key := c.key(namespace, req)

	ctx, span := tracer.Start(ctx, "readthrough.get", trace.WithAttributes(
		attribute.String("cache.namespace", namespace),
		attribute.String("cache.key", key),
	))
	defer span.End()

	refresh := c.refresh != nil && c.refresh(req)
	if !refresh {
		found, val, err := c.cache.Get(ctx, key)
		if err != nil {
			span.RecordError(err)
			c.fault(ctx, "get", key, err)
			c.observe(namespace, ResultError)
			return next(ctx, req)
		}
		if found {
			_, entry, err := cache.Decode[Entry](val)
			if err == nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				c.observe(namespace, ResultHit)
				c.logger.WithContext(ctx).Trace("hit %s", key)
				hit := &Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: entry.Body}
				if entry.ContentType != "" {
					hit.Header.Set("Content-Type", entry.ContentType)
				}
				return c.annotate(hit, key, true), nil
			}
			c.logger.WithContext(ctx).Warn("discarding undecodable entry %s: %s", key, err)
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	resp, err := next(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.StatusCode != http.StatusOK {
		c.observe(namespace, ResultBypass)
		return resp, nil
	}
	entry := Entry{Body: resp.Body, ContentType: resp.Header.Get("Content-Type")}
	if err := c.cache.Set(ctx, key, entry, c.ttlFor(namespace)); err != nil {
		span.RecordError(err)
		c.fault(ctx, "set", key, err)
		c.observe(namespace, ResultError)
		return resp, nil
	}
	if refresh {
		c.observe(namespace, ResultRefresh)
	} else {
		c.observe(namespace, ResultMiss)
	}
	c.logger.WithContext(ctx).Trace("stored %s", key)
	return c.annotate(resp, key, false), nil
}

func (c *Cache) annotate(resp *Response, key string, hit bool) *Response {
	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: resp.Body}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	status := "MISS"
	if hit {
		status = "HIT"
	}
	out.Header.Set(HeaderCache, status)
	out.Header.Set(HeaderCacheKey, key)
	meta := Meta{Hit: hit, Key: key, Timestamp: c.now().UTC().Format(time.RFC3339Nano)}
	if body, ok := mergeMeta(resp.Body, meta); ok {
		out.Body = body
	}
	return out
}

// mergeMeta sets the _cache field of a JSON object body, replacing one the
// handler may have written. Other bodies are left alone.
func mergeMeta(body []byte, meta Meta) ([]byte, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) < 2 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, false
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, false
	}
	if bytes.Contains(trimmed, []byte(`"`+MetaField+`"`)) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, false
		}
		fields[MetaField] = encoded
		out, err := json.Marshal(fields)
		if err != nil {
			return nil, false
		}
		return out, true
	}
	inner := bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
	var buf bytes.Buffer
	buf.Grow(len(trimmed) + len(encoded) + len(MetaField) + 4)
	buf.WriteByte('{')
	if len(inner) > 0 {
		buf.Write(inner)
		buf.WriteByte(',')
	}
	buf.WriteString(`"` + MetaField + `":`)
	buf.Write(encoded)
	buf.WriteByte('}')
	return buf.Bytes(), true
}
