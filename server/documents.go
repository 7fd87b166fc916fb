package server

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/textileops/go-readcache/blobstore"
	"github.com/textileops/go-readcache/cache"
	"github.com/textileops/go-readcache/facade"
)

const maxDocumentSize = 1 << 20

var (
	validName  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	validYear  = regexp.MustCompile(`^\d{4}$`)
	validMonth = regexp.MustCompile(`^\d{2}$`)
)

// documentPrefix is the blob folder holding a collection, narrowed to a
// year/month partition when both are given.
func documentPrefix(collection, year, month string) string {
	prefix := collection + "/"
	if year != "" {
		prefix += year + "/"
		if month != "" {
			prefix += month + "/"
		}
	}
	return prefix
}

func documentKey(collection, id string, created time.Time) string {
	return collection + "/" + created.UTC().Format("2006/01") + "/" + id + ".json"
}

func (a *App) loadDocuments(ctx context.Context, prefix string) ([]json.RawMessage, error) {
	objs, err := a.deps.Store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	docs := make([]json.RawMessage, 0, len(objs))
	for _, o := range objs {
		if !strings.HasSuffix(o.Key, ".json") {
			continue
		}
		data, _, err := a.deps.Store.Get(ctx, o.Key)
		if errors.Is(err, blobstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, json.RawMessage(data))
	}
	return docs, nil
}

// findDocument returns the blob key of document id.
func (a *App) findDocument(ctx context.Context, collection, id string) (string, error) {
	objs, err := a.deps.Store.List(ctx, collection+"/")
	if err != nil {
		return "", err
	}
	suffix := "/" + id + ".json"
	for _, o := range objs {
		if strings.HasSuffix(o.Key, suffix) {
			return o.Key, nil
		}
	}
	return "", blobstore.ErrNotFound
}

func collectionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	collection := chi.URLParam(r, "collection")
	if !validName.MatchString(collection) {
		writeError(w, http.StatusBadRequest, "invalid collection")
		return "", false
	}
	return collection, true
}

func idParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !validName.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return id, true
}

func (a *App) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, blobstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	a.logger.WithContext(r.Context()).Error("blob store: %s", err)
	writeError(w, http.StatusBadGateway, "backing store unavailable")
}

func (a *App) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	collection, ok := collectionParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	year, month := q.Get("year"), q.Get("month")
	if (year != "" && !validYear.MatchString(year)) || (month != "" && !validMonth.MatchString(month)) {
		writeError(w, http.StatusBadRequest, "year must be YYYY and month MM")
		return
	}
	docs, err := a.loadDocuments(r.Context(), documentPrefix(collection, year, month))
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": docs, "count": len(docs)})
}

func (a *App) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	collection, ok := collectionParam(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	key, err := a.findDocument(r.Context(), collection, id)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	data, _, err := a.deps.Store.Get(r.Context(), key)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func readDocument(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	if len(body) > maxDocumentSize {
		writeError(w, http.StatusRequestEntityTooLarge, "document too large")
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return nil, false
	}
	return doc, true
}

func (a *App) putDocument(ctx context.Context, key string, doc map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode document")
	}
	return a.deps.Store.Put(ctx, key, data, "application/json")
}

func (a *App) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	collection, ok := collectionParam(w, r)
	if !ok {
		return
	}
	doc, ok := readDocument(w, r)
	if !ok {
		return
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	doc["id"] = id
	doc["createdAt"] = now.Format(time.RFC3339)
	if err := a.putDocument(r.Context(), documentKey(collection, id, now), doc); err != nil {
		a.storeError(w, r, err)
		return
	}
	a.afterWrite(r.Context(), collection, id)
	writeJSON(w, http.StatusCreated, doc)
}

func (a *App) handleReplaceDocument(w http.ResponseWriter, r *http.Request) {
	collection, ok := collectionParam(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	doc, ok := readDocument(w, r)
	if !ok {
		return
	}
	key, err := a.findDocument(r.Context(), collection, id)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	doc["id"] = id
	doc["updatedAt"] = time.Now().UTC().Format(time.RFC3339)
	if err := a.putDocument(r.Context(), key, doc); err != nil {
		a.storeError(w, r, err)
		return
	}
	a.afterWrite(r.Context(), collection, id)
	writeJSON(w, http.StatusOK, doc)
}

func (a *App) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	collection, ok := collectionParam(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	key, err := a.findDocument(r.Context(), collection, id)
	if err == nil {
		err = a.deps.Store.Delete(r.Context(), key)
	}
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	a.afterWrite(r.Context(), collection, id)
	w.WriteHeader(http.StatusNoContent)
}

// afterWrite invalidates every cached read that can include the written
// document before the write responds, then schedules a warm run.
func (a *App) afterWrite(ctx context.Context, collection, id string) {
	n := a.invalidator.InvalidatePattern(ctx, cache.NamespacePattern("api:s3:"+collection))
	if f, ok := a.facadeForCollection(collection); ok {
		n += f.Invalidate(ctx, id)
	} else {
		n += a.invalidator.InvalidatePattern(ctx, facade.DashboardPattern)
	}
	a.logger.WithContext(ctx).Debug("write to %s/%s invalidated %d keys", collection, id, n)
	if domain, ok := a.warmer.DomainForCollection(collection); ok {
		a.runner.Schedule(domain)
	}
}
