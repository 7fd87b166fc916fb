package blobstore

import (
	"context"
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "pedidos/2024/01/a.json", []byte(`{"id":"a"}`), "application/json"))
	data, ct, err := m.Get(ctx, "pedidos/2024/01/a.json")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a"}`, string(data))
	assert.Equal(t, "application/json", ct)

	data[0] = 'x'
	again, _, _ := m.Get(ctx, "pedidos/2024/01/a.json")
	assert.Equal(t, byte('{'), again[0])

	_, _, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListSortedByKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, k := range []string{"pedidos/2024/02/b.json", "clientes/c.json", "pedidos/2023/12/a.json"} {
		require.NoError(t, m.Put(ctx, k, []byte("{}"), "application/json"))
	}
	objs, err := m.List(ctx, "pedidos/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "pedidos/2023/12/a.json", objs[0].Key)
	assert.Equal(t, "pedidos/2024/02/b.json", objs[1].Key)
	assert.Equal(t, int64(2), objs[0].Size)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "k", []byte("v"), "text/plain"))
	require.NoError(t, m.Delete(ctx, "k"))
	assert.ErrorIs(t, m.Delete(ctx, "k"), ErrNotFound)
}

func TestS3ConfigValidate(t *testing.T) {
	assert.Error(t, S3Config{Bucket: "b"}.Validate())
	assert.Error(t, S3Config{Endpoint: "localhost:9000"}.Validate())
	assert.NoError(t, S3Config{Endpoint: "localhost:9000", Bucket: "b"}.Validate())

	_, err := NewS3(S3Config{})
	assert.Error(t, err)
	store, err := NewS3(S3Config{Endpoint: "localhost:9000", Bucket: "textile", PathStyle: true})
	require.NoError(t, err)
	assert.NotNil(t, store)
}

func TestMapError(t *testing.T) {
	notFound := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	assert.ErrorIs(t, mapError(notFound, "k"), ErrNotFound)

	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	err := mapError(denied, "k")
	assert.False(t, errors.Is(err, ErrNotFound))
}
