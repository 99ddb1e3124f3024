package sqlite

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/storage/storetest"
	"github.com/dukafiti/dukasync/synckit"
)

func setupTestDB(t *testing.T, maxEntities int) *Store {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "dukasync.db"))
	cfg.MaxEntities = maxEntities
	cfg.Logger = logging.Discard()

	store, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLocalStoreContract(t *testing.T) {
	storetest.RunLocalStoreTests(t, func(t *testing.T, maxEntities int) synckit.LocalStore {
		return setupTestDB(t, maxEntities)
	})
}

func TestInMemoryDataSource(t *testing.T) {
	storetest.RunLocalStoreTests(t, func(t *testing.T, maxEntities int) synckit.LocalStore {
		cfg := DefaultConfig(":memory:")
		cfg.MaxEntities = maxEntities
		cfg.Logger = logging.Discard()
		s, err := New(cfg)
		require.NoError(t, err)
		return s
	})
}

func TestConfigDSN(t *testing.T) {
	cfg := DefaultConfig("/var/lib/dukasync/shop.db")
	assert.Equal(t, "/var/lib/dukasync/shop.db?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on&_journal_mode=WAL", cfg.dsn())

	mem := DefaultConfig(":memory:")
	assert.Equal(t, ":memory:", mem.dsn())
	assert.Equal(t, 1, mem.MaxOpenConns)

	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(&Config{})
	assert.Error(t, err)
}

func TestMaxBytesQuota(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "quota.db"))
	cfg.MaxBytes = 70
	cfg.Logger = logging.Discard()
	store, err := New(cfg)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	small := synckit.CachedEntity{ID: "p1", Data: map[string]any{"n": "a"}, Synced: true}
	require.NoError(t, store.Put(ctx, "products", small))

	big := synckit.CachedEntity{ID: "p2", Data: map[string]any{"description": "a very long product description that overflows"}}
	err = store.Put(ctx, "products", big)
	require.Error(t, err)

	require.NoError(t, synckit.PutWithEviction(ctx, store, nil, "products", big))
	items, err := store.Get(ctx, "products")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p2", items[0].ID)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()
	now := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

	first, err := NewWithDataSource(path)
	require.NoError(t, err)
	require.NoError(t, first.Enqueue(ctx, synckit.QueuedOperation{
		ID:        "op-1",
		Type:      synckit.OpCreate,
		Resource:  "sales",
		EntityKey: "abc",
		Payload:   map[string]any{"clientSaleId": "abc", "amount": "100"},
		Priority:  synckit.PriorityHigh,
		CreatedAt: now,
	}))
	require.NoError(t, first.Close())

	second, err := NewWithDataSource(path)
	require.NoError(t, err)
	defer second.Close()

	op, err := second.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, synckit.StatePending, op.State)
	assert.Equal(t, "abc", op.Payload["clientSaleId"])
	assert.True(t, now.Equal(op.CreatedAt))
}

// Two handles on one file stand in for two processes sharing the queue.
func TestClaimAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	a, err := NewWithDataSource(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewWithDataSource(path)
	require.NoError(t, err)
	defer b.Close()

	const ops = 20
	for i := 0; i < ops; i++ {
		store := a
		if i%2 == 1 {
			store = b
		}
		require.NoError(t, store.Enqueue(ctx, synckit.QueuedOperation{
			ID:        "op-" + string(rune('a'+i)),
			Type:      synckit.OpCreate,
			Resource:  "sales",
			Priority:  synckit.PriorityMedium,
			CreatedAt: time.Unix(int64(i), 0),
		}))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims = map[string]int{}
	)
	for _, store := range []*Store{a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			pending, err := s.ListQueue(ctx, synckit.QueueFilter{})
			if err != nil {
				t.Errorf("list: %v", err)
				return
			}
			for _, op := range pending {
				ok, err := s.ClaimOperation(ctx, op.ID, time.Now().Add(time.Minute))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if ok {
					mu.Lock()
					claims[op.ID]++
					mu.Unlock()
				}
			}
		}(store)
	}
	wg.Wait()

	assert.Len(t, claims, ops)
	for id, n := range claims {
		assert.Equal(t, 1, n, "operation %s claimed %d times", id, n)
	}
}

func TestResponseCache(t *testing.T) {
	store := setupTestDB(t, 0)
	ctx := context.Background()

	miss, err := store.Match(ctx, "api-data-v2", "GET /api/products")
	require.NoError(t, err)
	assert.Nil(t, miss)

	stored := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutResponse(ctx, synckit.CachedResponse{
		Partition: "api-data-v2",
		Key:       "GET /api/products",
		Status:    http.StatusOK,
		Header:    http.Header{"Content-Type": {"application/json"}},
		Body:      []byte(`[{"id":"p1"}]`),
		StoredAt:  stored,
	}))
	require.NoError(t, store.PutResponse(ctx, synckit.CachedResponse{Partition: "api-data-v1", Key: "GET /api/products", Status: 200}))

	hit, err := store.Match(ctx, "api-data-v2", "GET /api/products")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, http.StatusOK, hit.Status)
	assert.Equal(t, "application/json", hit.Header.Get("Content-Type"))
	assert.JSONEq(t, `[{"id":"p1"}]`, string(hit.Body))
	assert.True(t, stored.Equal(hit.StoredAt))

	require.NoError(t, store.DeletePartition(ctx, "api-data-v1"))
	parts, err := store.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api-data-v2"}, parts)
}

func TestClosedStore(t *testing.T) {
	store := setupTestDB(t, 0)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), "products")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
