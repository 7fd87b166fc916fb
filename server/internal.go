package server

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/textileops/go-readcache/warming"
)

type invalidateRequest struct {
	Pattern string `json:"pattern"`
	Key     string `json:"key"`
}

// handleInvalidate removes one key or every key matching a pattern.
func (a *App) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch {
	case req.Pattern != "" && req.Key != "":
		writeError(w, http.StatusBadRequest, "pattern and key are exclusive")
	case req.Pattern != "":
		writeJSON(w, http.StatusOK, map[string]int{"removed": a.invalidator.InvalidatePattern(r.Context(), req.Pattern)})
	case req.Key != "":
		if !a.invalidator.InvalidateKey(r.Context(), req.Key) {
			writeError(w, http.StatusServiceUnavailable, "cache unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": req.Key, "ok": true})
	default:
		writeError(w, http.StatusBadRequest, "pattern or key is required")
	}
}

// handleWarm queues a warm run. With wait=true the run happens inline and
// its report is returned.
func (a *App) handleWarm(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		report, err := a.warmer.WarmDetailed(r.Context(), domain)
		switch {
		case errors.Is(err, warming.ErrUnknownDomain):
			writeError(w, http.StatusNotFound, "unknown domain")
		case report == nil:
			a.logger.WithContext(r.Context()).Error("warm %s: %s", domain, err)
			writeError(w, http.StatusInternalServerError, "warm failed")
		case err != nil || report.Failed() > 0:
			writeJSON(w, http.StatusMultiStatus, report)
		default:
			writeJSON(w, http.StatusOK, report)
		}
		return
	}
	switch err := a.runner.Enqueue(domain); {
	case errors.Is(err, warming.ErrUnknownDomain):
		writeError(w, http.StatusNotFound, "unknown domain")
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"domain": domain, "status": "queued"})
	}
}
