package warming

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/textileops/go-readcache/logger"
	"github.com/textileops/go-readcache/resilience"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// Fetcher issues one warming read and returns its status code.
type Fetcher interface {
	Fetch(ctx context.Context, target string, header http.Header) (int, error)
}

// FetchError is a warming read that did not return 200.
type FetchError struct {
	URL    string
	Status int
	Body   string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("warm %s: status %d: %s", e.URL, e.Status, e.Body)
}

func UserAgent() string {
	sha := Commit
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				sha = setting.Value
			}
		}
	}
	return "readcache-warmer/" + Version + " (" + sha + ")"
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}

// shouldRetry retries transport resets and overload statuses.
func shouldRetry(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return retryableStatus(fe.Status)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "EOF")
}

// bodyPreview truncates text bodies and hashes binary ones.
func bodyPreview(body []byte, contentType string, maxChars int) string {
	ct := strings.ToLower(contentType)
	if ct != "" && !strings.HasPrefix(ct, "text/") && !strings.Contains(ct, "json") && !strings.Contains(ct, "xml") {
		sum := sha256.Sum256(body)
		return fmt.Sprintf("<binary: %d bytes, sha256=%s>", len(body), hex.EncodeToString(sum[:8]))
	}
	if len(body) > maxChars {
		return string(body[:maxChars]) + fmt.Sprintf("[truncated, total: %d chars]", len(body))
	}
	return string(body)
}

// HTTPFetcher issues warming reads against a running server.
type HTTPFetcher struct {
	base   *url.URL
	client *http.Client
	logger logger.Logger
	retry  resilience.RetryConfig
}

var _ Fetcher = (*HTTPFetcher)(nil)

type FetcherOption func(*HTTPFetcher)

func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) { f.client = c }
}

func WithRetry(cfg resilience.RetryConfig) FetcherOption {
	return func(f *HTTPFetcher) { f.retry = cfg }
}

// NewHTTPFetcher resolves every target against baseURL.
func NewHTTPFetcher(baseURL string, log logger.Logger, opts ...FetcherOption) (*HTTPFetcher, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing base url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("base url %q needs a scheme and host", baseURL)
	}
	retry := resilience.DefaultRetryConfig()
	retry.InitialBackoff = 150 * time.Millisecond
	retry.RetryableErrors = shouldRetry
	f := &HTTPFetcher{
		base:   u,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: log.WithPrefix("[fetch]"),
		retry:  retry,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, target string, header http.Header) (int, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %q", target)
	}
	u := f.base.ResolveReference(ref)

	var status int
	err = resilience.Retry(ctx, f.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return errors.Wrap(err, "error creating request")
		}
		for k, v := range header {
			req.Header[k] = v
		}
		req.Header.Set("User-Agent", UserAgent())
		f.logger.Trace("sending request: GET %s", u)

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return errors.Wrap(err, "error reading response body")
		}
		status = resp.StatusCode
		if status != http.StatusOK {
			return &FetchError{URL: u.String(), Status: status, Body: bodyPreview(body, resp.Header.Get("Content-Type"), 200)}
		}
		f.logger.Debug("response status: %s, cache: %s", resp.Status, resp.Header.Get("X-Cache"))
		return nil
	})
	return status, err
}

// HandlerFetcher issues warming reads against an in-process handler.
type HandlerFetcher struct {
	Handler http.Handler
}

var _ Fetcher = HandlerFetcher{}

func (f HandlerFetcher) Fetch(ctx context.Context, target string, header http.Header) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %q", target)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := &statusWriter{header: make(http.Header)}
	f.Handler.ServeHTTP(w, req)
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if w.status != http.StatusOK {
		return w.status, &FetchError{URL: target, Status: w.status, Body: bodyPreview(w.body, w.header.Get("Content-Type"), 200)}
	}
	return w.status, nil
}

type statusWriter struct {
	header http.Header
	status int
	body   []byte
}

func (w *statusWriter) Header() http.Header { return w.header }

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if len(w.body) < 1024 {
		w.body = append(w.body, p...)
	}
	return len(p), nil
}
