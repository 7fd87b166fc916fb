package server

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/textileops/go-readcache/cache"
	"github.com/textileops/go-readcache/facade"
	"github.com/textileops/go-readcache/readthrough"
)

type documentFacade = facade.Facade[[]json.RawMessage, json.RawMessage]

type facadeDomain struct {
	Domain     string
	Collection string
	Namespace  string
}

var facadeDomains = []facadeDomain{
	{Domain: "user-data", Collection: "usuarios", Namespace: "users"},
	{Domain: "sold-rolls", Collection: "rollos-vendidos", Namespace: "sold-rolls"},
	{Domain: "rolls-data", Collection: "rollos", Namespace: "rolls-data"},
}

func (a *App) buildFacades() map[string]*documentFacade {
	out := make(map[string]*documentFacade, len(facadeDomains))
	for _, fd := range facadeDomains {
		ttl := a.deps.Policy.TTLFor(fd.Namespace)
		if rule, ok := a.deps.Policy.Domain(fd.Domain); ok && rule.TTL > 0 {
			ttl = rule.TTL
		}
		collection := fd.Collection
		out[fd.Domain] = facade.New(facade.Config[[]json.RawMessage, json.RawMessage]{
			Domain:    fd.Domain,
			Namespace: fd.Namespace,
			TTL:       ttl,
			List: func(ctx context.Context, filters map[string]any) ([]json.RawMessage, error) {
				return a.filterDocuments(ctx, collection, filters)
			},
			Item: func(ctx context.Context, id string) (json.RawMessage, error) {
				key, err := a.findDocument(ctx, collection, id)
				if err != nil {
					return nil, err
				}
				data, _, err := a.deps.Store.Get(ctx, key)
				return json.RawMessage(data), err
			},
			Observer: a.deps.Metrics,
		}, a.deps.Cache, a.invalidator, a.deps.Logger)
	}
	return out
}

func (a *App) facadeForCollection(collection string) (*documentFacade, bool) {
	for _, fd := range facadeDomains {
		if fd.Collection == collection {
			return a.facades[fd.Domain], true
		}
	}
	return nil, false
}

// filterDocuments loads a collection, narrowed by the year and month
// filters, keeping documents whose top-level fields equal every other
// filter.
func (a *App) filterDocuments(ctx context.Context, collection string, filters map[string]any) ([]json.RawMessage, error) {
	year, _ := filters["year"].(string)
	month, _ := filters["month"].(string)
	docs, err := a.loadDocuments(ctx, documentPrefix(collection, year, month))
	if err != nil {
		return nil, err
	}
	var fields []string
	for name := range filters {
		if name != "year" && name != "month" {
			fields = append(fields, name)
		}
	}
	if len(fields) == 0 {
		return docs, nil
	}
	slices.Sort(fields)
	out := docs[:0]
	for _, raw := range docs {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		match := true
		for _, name := range fields {
			if v, ok := doc[name]; !ok || !strings.EqualFold(fieldString(v), fieldString(filters[name])) {
				match = false
				break
			}
		}
		if match {
			out = append(out, raw)
		}
	}
	return out, nil
}

func fieldString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	}
	buf, _ := json.Marshal(v)
	return string(buf)
}

func queryFilters(r *http.Request) map[string]any {
	filters := make(map[string]any)
	for name, vals := range r.URL.Query() {
		if name == readthrough.RefreshParam || len(vals) == 0 {
			continue
		}
		filters[name] = vals[0]
	}
	return filters
}

func (a *App) facadeParam(w http.ResponseWriter, r *http.Request) (*documentFacade, bool) {
	f, ok := a.facades[chi.URLParam(r, "domain")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown domain")
		return nil, false
	}
	return f, true
}

func (a *App) handleFacadeList(w http.ResponseWriter, r *http.Request) {
	f, ok := a.facadeParam(w, r)
	if !ok {
		return
	}
	res, err := f.GetAll(r.Context(), queryFilters(r))
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) handleFacadeItem(w http.ResponseWriter, r *http.Request) {
	f, ok := a.facadeParam(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	res, err := f.GetByID(r.Context(), id)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// dashboardCollections are the collections counted on the dashboard.
func (a *App) dashboardCollections() []string {
	var out []string
	for _, name := range a.warmer.Domains() {
		d, _ := a.warmer.Domain(name)
		out = append(out, d.Collection)
	}
	for _, fd := range facadeDomains {
		out = append(out, fd.Collection)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type dashboard struct {
	Counts map[string]int `json:"counts" msgpack:"counts"`
}

// handleDashboard serves per-collection document counts. The aggregate is
// cached under the dashboard namespace, which every write invalidates.
func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := cache.BuildKey("dashboard", map[string]any{"view": "counts"})
	fromCache, data, err := a.dashboardCached(ctx, key)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "fromCache": fromCache})
}

func (a *App) dashboardCached(ctx context.Context, key string) (bool, dashboard, error) {
	var computed bool
	var loadErr error
	_, data, err := cache.Exec(ctx, cache.CacheConfig{Key: key, Expires: a.deps.Policy.TTLFor("dashboard")}, a.deps.Cache,
		func(ctx context.Context) (dashboard, bool, error) {
			computed = true
			d := dashboard{Counts: make(map[string]int)}
			for _, c := range a.dashboardCollections() {
				objs, err := a.deps.Store.List(ctx, c+"/")
				if err != nil {
					loadErr = err
					return d, false, err
				}
				d.Counts[c] = len(objs)
			}
			return d, true, nil
		})
	if loadErr != nil {
		return false, data, loadErr
	}
	if err != nil {
		// the counts are valid; only the cache failed
		a.deps.Metrics.ObserveBackendError("dashboard", err)
		a.logger.WithContext(ctx).Warn("dashboard cache failed, serving live counts: %s", err)
	}
	return !computed, data, nil
}
