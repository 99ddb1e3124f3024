package memory

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukafiti/dukasync/storage/storetest"
	"github.com/dukafiti/dukasync/synckit"
)

func TestLocalStoreContract(t *testing.T) {
	storetest.RunLocalStoreTests(t, func(t *testing.T, maxEntities int) synckit.LocalStore {
		return New(WithMaxEntities(maxEntities))
	})
}

func TestResponsePartitions(t *testing.T) {
	ctx := context.Background()
	s := New()

	resp, err := s.Match(ctx, "api-data-v1", "GET /api/products")
	require.NoError(t, err)
	assert.Nil(t, resp)

	require.NoError(t, s.PutResponse(ctx, synckit.CachedResponse{
		Partition: "api-data-v1",
		Key:       "GET /api/products",
		Status:    http.StatusOK,
		Header:    http.Header{"Content-Type": {"application/json"}},
		Body:      []byte(`[]`),
	}))
	require.NoError(t, s.PutResponse(ctx, synckit.CachedResponse{Partition: "static-assets-v1", Key: "/app.js", Status: 200}))

	resp, err = s.Match(ctx, "api-data-v1", "GET /api/products")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	parts, err := s.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api-data-v1", "static-assets-v1"}, parts)

	require.NoError(t, s.DeletePartition(ctx, "api-data-v1"))
	parts, err = s.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"static-assets-v1"}, parts)
}

func TestClosedStore(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "products")
	assert.Error(t, err)
}
