package server

import (
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type facadeResponse struct {
	Data      json.RawMessage `json:"data"`
	FromCache bool            `json:"fromCache"`
	Latency   string          `json:"latency"`
}

func decodeFacade(t *testing.T, body []byte) facadeResponse {
	t.Helper()
	var r facadeResponse
	require.NoError(t, json.Unmarshal(body, &r))
	return r
}

func TestFacadeList(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "rollos", "r1", jan, map[string]any{"color": "red"})
	app.seed(t, "rollos", "r2", feb, map[string]any{"color": "blue"})

	rec := app.do(t, http.MethodGet, "/api/rolls-data", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeFacade(t, rec.Body.Bytes())
	assert.False(t, first.FromCache)
	assert.Regexp(t, `^\d+ms$`, first.Latency)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal(first.Data, &docs))
	assert.Len(t, docs, 2)

	second := decodeFacade(t, app.do(t, http.MethodGet, "/api/rolls-data", "", nil).Body.Bytes())
	assert.True(t, second.FromCache)
	assert.Equal(t, "sub-millisecond", second.Latency)

	filtered := decodeFacade(t, app.do(t, http.MethodGet, "/api/rolls-data?color=blue", "", nil).Body.Bytes())
	require.NoError(t, json.Unmarshal(filtered.Data, &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "r2", docs[0]["id"])

	partition := decodeFacade(t, app.do(t, http.MethodGet, "/api/rolls-data?year=2024&month=01", "", nil).Body.Bytes())
	require.NoError(t, json.Unmarshal(partition.Data, &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "r1", docs[0]["id"])

	assert.Equal(t, http.StatusNotFound, app.do(t, http.MethodGet, "/api/unknown", "", nil).Code)
}

func TestFacadeListFiltersWithColons(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "rollos", "r1", jan, map[string]any{"a": "x:b:y"})
	app.seed(t, "rollos", "r2", jan, map[string]any{"a": "x", "b": "y"})

	ids := func(r facadeResponse) []string {
		var docs []map[string]any
		require.NoError(t, json.Unmarshal(r.Data, &docs))
		var out []string
		for _, d := range docs {
			out = append(out, d["id"].(string))
		}
		return out
	}

	first := decodeFacade(t, app.do(t, http.MethodGet, "/api/rolls-data?a=x:b:y", "", nil).Body.Bytes())
	assert.Equal(t, []string{"r1"}, ids(first))

	second := decodeFacade(t, app.do(t, http.MethodGet, "/api/rolls-data?a=x&b=y", "", nil).Body.Bytes())
	assert.False(t, second.FromCache)
	assert.Equal(t, []string{"r2"}, ids(second))
}

func TestFacadeItemAndInvalidation(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "rollos-vendidos", "s1", jan, map[string]any{"meters": 10})

	rec := app.do(t, http.MethodGet, "/api/sold-rolls/s1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeFacade(t, rec.Body.Bytes()).FromCache)
	assert.True(t, decodeFacade(t, app.do(t, http.MethodGet, "/api/sold-rolls/s1", "", nil).Body.Bytes()).FromCache)
	assert.False(t, decodeFacade(t, app.do(t, http.MethodGet, "/api/sold-rolls", "", nil).Body.Bytes()).FromCache)

	require.Equal(t, http.StatusOK, app.do(t, http.MethodPut, "/api/s3/rollos-vendidos/s1", `{"meters": 4}`, nil).Code)

	res := decodeFacade(t, app.do(t, http.MethodGet, "/api/sold-rolls/s1", "", nil).Body.Bytes())
	assert.False(t, res.FromCache)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &doc))
	assert.EqualValues(t, 4, doc["meters"])
	assert.False(t, decodeFacade(t, app.do(t, http.MethodGet, "/api/sold-rolls", "", nil).Body.Bytes()).FromCache)

	assert.Equal(t, http.StatusNotFound, app.do(t, http.MethodGet, "/api/sold-rolls/missing", "", nil).Code)
}

func TestDashboard(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "inventario", "i1", jan, map[string]any{})
	app.seed(t, "usuarios", "u1", jan, map[string]any{})

	type dash struct {
		Data      dashboard `json:"data"`
		FromCache bool      `json:"fromCache"`
	}
	var d dash
	require.NoError(t, json.Unmarshal(app.do(t, http.MethodGet, "/api/dashboard", "", nil).Body.Bytes(), &d))
	assert.False(t, d.FromCache)
	assert.Equal(t, 1, d.Data.Counts["inventario"])
	assert.Equal(t, 0, d.Data.Counts["rollos"])

	require.NoError(t, json.Unmarshal(app.do(t, http.MethodGet, "/api/dashboard", "", nil).Body.Bytes(), &d))
	assert.True(t, d.FromCache)

	// writes to any collection drop the aggregate
	require.Equal(t, http.StatusCreated, app.do(t, http.MethodPost, "/api/s3/rollos", `{}`, nil).Code)
	d = dash{}
	require.NoError(t, json.Unmarshal(app.do(t, http.MethodGet, "/api/dashboard", "", nil).Body.Bytes(), &d))
	assert.False(t, d.FromCache)
	assert.Equal(t, 1, d.Data.Counts["rollos"])

	require.Equal(t, http.StatusCreated, app.do(t, http.MethodPost, "/api/s3/pedidos", `{}`, nil).Code)
	d = dash{}
	require.NoError(t, json.Unmarshal(app.do(t, http.MethodGet, "/api/dashboard", "", nil).Body.Bytes(), &d))
	assert.False(t, d.FromCache)
}

func TestFacadeForCollection(t *testing.T) {
	app := newTestApp(t)
	f, ok := app.facadeForCollection("usuarios")
	require.True(t, ok)
	assert.Equal(t, "user-data", f.Domain())
	assert.Equal(t, "users", f.Namespace())
	_, ok = app.facadeForCollection("pedidos")
	assert.False(t, ok)
}
