package readthrough

import (
	"bytes"
	"context"
	"net/http"
	"strings"
)

// NamespaceFromPath joins the first three non-empty segments of path with ':'.
func NamespaceFromPath(path string) string {
	segments := make([]string, 0, 3)
	for _, s := range strings.Split(path, "/") {
		if s == "" {
			continue
		}
		segments = append(segments, s)
		if len(segments) == 3 {
			break
		}
	}
	return strings.Join(segments, ":")
}

// Middleware serves eligible requests through the cache. Ineligible
// requests reach next unbuffered.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := FromHTTP(r)
		if !c.eligible(req) {
			next.ServeHTTP(w, r)
			return
		}
		resp, err := c.Do(r.Context(), req, func(ctx context.Context, _ *Request) (*Response, error) {
			rec := newRecorder()
			next.ServeHTTP(rec, r.WithContext(ctx))
			return rec.response(), nil
		})
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		WriteResponse(w, resp)
	})
}

// HTTPHandler adapts an http.Handler to a Handler by buffering its output.
func HTTPHandler(h http.Handler) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		r, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
		if err != nil {
			return nil, err
		}
		if req.Header != nil {
			r.Header = req.Header.Clone()
		}
		rec := newRecorder()
		h.ServeHTTP(rec, r)
		return rec.response(), nil
	}
}

// WriteResponse copies resp to w.
func WriteResponse(w http.ResponseWriter, resp *Response) {
	header := w.Header()
	for k, v := range resp.Header {
		header[k] = v
	}
	if header.Get("Content-Type") == "" && len(resp.Body) > 0 {
		header.Set("Content-Type", http.DetectContentType(resp.Body))
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

var _ http.ResponseWriter = (*recorder)(nil)

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header {
	return r.header
}

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *recorder) response() *Response {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{StatusCode: status, Header: r.header, Body: r.body.Bytes()}
}
