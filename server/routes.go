package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/textileops/go-readcache/authentication"
	"github.com/textileops/go-readcache/cache"
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", a.deps.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(a.rateLimit())
		r.Use(authentication.Middleware(a.deps.Gate, a.deps.InternalSecret, a.deps.Logger))

		r.Route("/s3/{collection}", func(r chi.Router) {
			r.With(a.readthrough.Middleware).Get("/", a.handleListDocuments)
			r.Post("/", a.handleCreateDocument)
			r.With(a.readthrough.Middleware).Get("/{id}", a.handleGetDocument)
			r.Put("/{id}", a.handleReplaceDocument)
			r.Delete("/{id}", a.handleDeleteDocument)
		})
		r.Get("/dashboard", a.handleDashboard)
		r.Get("/{domain}", a.handleFacadeList)
		r.Get("/{domain}/{id}", a.handleFacadeItem)
	})

	r.Route("/internal/cache", func(r chi.Router) {
		r.Use(a.requireInternal)
		r.Post("/invalidate", a.handleInvalidate)
		r.Post("/warm/{domain}", a.handleWarm)
	})
	return r
}

// rateLimit limits end-user requests per client IP. Internal requests are
// not limited.
func (a *App) rateLimit() func(http.Handler) http.Handler {
	if a.deps.RateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := a.deps.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	limit := httprate.Limit(a.deps.RateLimit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authentication.IsInternal(r, a.deps.InternalSecret) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func (a *App) requireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authentication.IsInternal(r, a.deps.InternalSecret) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.WithContext(r.Context()).With(map[string]interface{}{
			"request_id": chimiddleware.GetReqID(r.Context()),
			"status":     ww.Status(),
			"cache":      ww.Header().Get("X-Cache"),
		}).Debug("%s %s (%s)", r.Method, r.URL.Path, time.Since(started).Round(time.Microsecond))
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports degraded when the cache cannot answer a read. The
// API still serves from the backing store in that state.
func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, _, err := a.deps.Cache.Get(r.Context(), cache.BuildKey("readyz", nil)); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "cache": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
