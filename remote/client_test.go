package remote

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukafiti/dukasync/domain"
	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/synckit"
)

func newClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(srv.URL+"/api", opts...)
}

func TestList(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/products", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"id":"p-1","name":"Sugar","price":"120","updatedAt":"2024-06-01T10:00:00Z"},
			{"id":"p-2","name":"Rice","offlineId":"c-2"}
		]`)
	})

	items, err := c.List(context.Background(), domain.Products)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "p-1", items[0].ID)
	assert.True(t, items[0].Synced)
	assert.Equal(t, domain.Products, items[0].Resource)
	assert.True(t, items[0].UpdatedAt.Equal(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)))

	assert.Equal(t, "c-2", items[1].ClientID)
	assert.Equal(t, "c-2", items[1].Key())
}

func TestApplyCreateSendsIdempotencyKey(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sales", r.URL.Path)
		assert.Equal(t, "op-1", r.Header.Get(IdempotencyHeader))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		body["id"] = "srv-1"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(body)
	})

	op := synckit.QueuedOperation{
		ID:       "op-1",
		Type:     synckit.OpCreate,
		Resource: domain.Sales,
		Payload:  map[string]any{"clientId": "abc", "clientSaleId": "abc", "productId": "p1", "amount": "100"},
	}
	got, err := c.Apply(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, "abc", got.ClientID)
	assert.True(t, got.Synced)
}

func TestApplyUpdateAndDeleteAddressTarget(t *testing.T) {
	var seen []string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = io.WriteString(w, `{"id":"cus-1","name":"Achieng","debt":"0"}`)
	})

	ctx := context.Background()
	updated, err := c.Apply(ctx, synckit.QueuedOperation{ID: "op-2", Type: synckit.OpUpdate, Resource: domain.Customers,
		TargetID: "cus-1", Payload: map[string]any{"debt": "0"}})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "cus-1", updated.ID)

	deleted, err := c.Apply(ctx, synckit.QueuedOperation{ID: "op-3", Type: synckit.OpDelete, Resource: domain.Customers, TargetID: "cus-1"})
	require.NoError(t, err)
	assert.Nil(t, deleted)

	assert.Equal(t, []string{"PATCH /api/customers/cus-1", "DELETE /api/customers/cus-1"}, seen)
}

func TestApplyRejectsTempTarget(t *testing.T) {
	c := New("http://unused.invalid", WithLogger(logging.Discard()))
	_, err := c.Apply(context.Background(), synckit.QueuedOperation{ID: "op-1", Type: synckit.OpUpdate,
		Resource: domain.Products, TargetID: synckit.TempID("c1")})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		kind      syncErrors.Kind
		retryable bool
	}{
		{"validation failure", http.StatusUnprocessableEntity, syncErrors.KindServerRejected, false},
		{"conflict", http.StatusConflict, syncErrors.KindServerRejected, false},
		{"internal error", http.StatusInternalServerError, syncErrors.KindServerTransient, true},
		{"unavailable", http.StatusServiceUnavailable, syncErrors.KindServerTransient, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := c.Apply(context.Background(), synckit.QueuedOperation{ID: "op", Type: synckit.OpCreate,
				Resource: domain.Products, Payload: map[string]any{"name": "x"}})
			require.Error(t, err)
			assert.Equal(t, tt.kind, syncErrors.KindOf(err))
			assert.Equal(t, tt.retryable, syncErrors.IsRetryable(err))

			var se *syncErrors.SyncError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.Status)
		})
	}
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(base, WithLogger(logging.Discard()), WithTimeout(time.Second))
	_, err := c.List(context.Background(), domain.Products)
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNetworkUnavailable))
	assert.True(t, syncErrors.IsRetryable(err))
}

func TestGzipRequestBody(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.NewDecoder(gz).Decode(&body))
		body["id"] = "p-9"
		_ = json.NewEncoder(w).Encode(body)
	}, WithLimits(Limits{EnableGzip: true, GzipMinBytes: 16, MaxBodyBytes: 1 << 20, MaxDecompressedBytes: 1 << 20}))

	got, err := c.Apply(context.Background(), synckit.QueuedOperation{ID: "op-1", Type: synckit.OpCreate,
		Resource: domain.Products, Payload: map[string]any{"name": strings.Repeat("maize flour ", 20), "price": "10"}})
	require.NoError(t, err)
	assert.Equal(t, "p-9", got.ID)
}

func TestResponseSizeLimit(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"`+strings.Repeat("x", 512)+`"}]`)
	}, WithLimits(Limits{MaxBodyBytes: 64, MaxDecompressedBytes: 64}))

	_, err := c.List(context.Background(), domain.Products)
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}
