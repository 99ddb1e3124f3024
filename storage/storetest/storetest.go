// Package storetest is a conformance suite run against every
// synckit.LocalStore implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/synckit"
)

// Factory returns a fresh empty store. maxEntities of zero means unlimited.
type Factory func(t *testing.T, maxEntities int) synckit.LocalStore

var base = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

// RunLocalStoreTests exercises the LocalStore contract.
func RunLocalStoreTests(t *testing.T, newStore Factory) {
	t.Run("PutGetRemove", func(t *testing.T) { testPutGetRemove(t, newStore(t, 0)) })
	t.Run("ClientIDUpsert", func(t *testing.T) { testClientIDUpsert(t, newStore(t, 0)) })
	t.Run("QueueOrdering", func(t *testing.T) { testQueueOrdering(t, newStore(t, 0)) })
	t.Run("QueueFilter", func(t *testing.T) { testQueueFilter(t, newStore(t, 0)) })
	t.Run("ClaimExactlyOnce", func(t *testing.T) { testClaimExactlyOnce(t, newStore(t, 0)) })
	t.Run("ReleaseExpired", func(t *testing.T) { testReleaseExpired(t, newStore(t, 0)) })
	t.Run("QuotaAndEviction", func(t *testing.T) { testQuotaAndEviction(t, newStore(t, 2)) })
	t.Run("LastSync", func(t *testing.T) { testLastSync(t, newStore(t, 0)) })
}

func testPutGetRemove(t *testing.T, s synckit.LocalStore) {
	ctx := context.Background()
	defer s.Close()

	p := synckit.CachedEntity{ID: "p1", Data: map[string]any{"name": "Sugar 1kg"}, Synced: true, UpdatedAt: base}
	require.NoError(t, s.Put(ctx, "products", p))

	got, err := s.Get(ctx, "products")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, "products", got[0].Resource)
	assert.Equal(t, "Sugar 1kg", got[0].Data["name"])
	assert.True(t, got[0].Synced)

	resources, err := s.Resources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"products"}, resources)

	require.NoError(t, s.Remove(ctx, "products", "p1"))
	require.NoError(t, s.Remove(ctx, "products", "missing"))
	got, err = s.Get(ctx, "products")
	require.NoError(t, err)
	assert.Empty(t, got)

	err = s.Put(ctx, "products", synckit.CachedEntity{})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid), "got %v", err)
}

func testClientIDUpsert(t *testing.T, s synckit.LocalStore) {
	ctx := context.Background()
	defer s.Close()

	optimistic := synckit.CachedEntity{
		ID:        synckit.TempID("abc"),
		ClientID:  "abc",
		Data:      map[string]any{"clientSaleId": "abc", "productId": "p1", "amount": "100"},
		UpdatedAt: base,
	}
	require.NoError(t, s.Put(ctx, "sales", optimistic))

	server := synckit.CachedEntity{
		ID:        "srv-1",
		ClientID:  "abc",
		Data:      map[string]any{"id": "srv-1", "clientSaleId": "abc", "productId": "p1", "amount": "100"},
		Synced:    true,
		UpdatedAt: base.Add(time.Second),
	}
	require.NoError(t, s.Put(ctx, "sales", server))

	got, err := s.Get(ctx, "sales")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "srv-1", got[0].ID)
	assert.True(t, got[0].Synced)

	// Remove accepts the server id as well as the key.
	require.NoError(t, s.Remove(ctx, "sales", "srv-1"))
	got, err = s.Get(ctx, "sales")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func op(id string, p synckit.Priority, created time.Time) synckit.QueuedOperation {
	return synckit.QueuedOperation{
		ID:            id,
		Type:          synckit.OpCreate,
		Resource:      "sales",
		EntityKey:     id,
		Payload:       map[string]any{"amount": "10"},
		Priority:      p,
		State:         synckit.StatePending,
		CreatedAt:     created,
		NextAttemptAt: created,
	}
}

func testQueueOrdering(t *testing.T, s synckit.LocalStore) {
	ctx := context.Background()
	defer s.Close()

	require.NoError(t, s.Enqueue(ctx, op("low-1", synckit.PriorityLow, base)))
	require.NoError(t, s.Enqueue(ctx, op("high-2", synckit.PriorityHigh, base.Add(2*time.Second))))
	require.NoError(t, s.Enqueue(ctx, op("med-1", synckit.PriorityMedium, base)))
	require.NoError(t, s.Enqueue(ctx, op("high-1", synckit.PriorityHigh, base.Add(time.Second))))

	err := s.Enqueue(ctx, op("high-1", synckit.PriorityHigh, base))
	assert.Error(t, err, "duplicate operation id must be rejected")

	ops, err := s.ListQueue(ctx, synckit.QueueFilter{})
	require.NoError(t, err)
	var ids []string
	for _, o := range ops {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"high-1", "high-2", "med-1", "low-1"}, ids)

	got, err := s.GetOperation(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, "10", got.Payload["amount"])

	require.NoError(t, s.Dequeue(ctx, "med-1"))
	_, err = s.GetOperation(ctx, "med-1")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound), "got %v", err)
}

func testQueueFilter(t *testing.T, s synckit.LocalStore) {
	ctx := context.Background()
	defer s.Close()

	a := op("a", synckit.PriorityHigh, base)
	b := op("b", synckit.PriorityHigh, base)
	b.Resource = "products"
	c := op("c", synckit.PriorityLow, base)
	c.NextAttemptAt = base.Add(time.Minute)
	d := op("d", synckit.PriorityLow, base)
	d.State = synckit.StateFailed
	for _, o := range []synckit.QueuedOperation{a, b, c, d} {
		require.NoError(t, s.Enqueue(ctx, o))
	}

	ops, err := s.ListQueue(ctx, synckit.QueueFilter{Resource: "sales", States: []synckit.OpState{synckit.StatePending}})
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	ops, err = s.ListQueue(ctx, synckit.QueueFilter{States: []synckit.OpState{synckit.StatePending}, DueBefore: base})
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	ops, err = s.ListQueue(ctx, synckit.QueueFilter{States: []synckit.OpState{synckit.StateFailed}})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "d", ops[0].ID)

	ops, err = s.ListQueue(ctx, synckit.QueueFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	d.State = synckit.StatePending
	d.RetryCount = 0
	d.LastError = ""
	require.NoError(t, s.UpdateOperation(ctx, d))
	stats, err := synckit.Stats(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Queued.Total())

	assert.Error(t, s.UpdateOperation(ctx, op("nope", synckit.PriorityLow, base)))
}

func testClaimExactlyOnce(t *testing.T, s synckit.LocalStore) {
	ctx := context.Background()
	defer s.Close()

	require.NoError(t, s.Enqueue(ctx, op("sale-1", synckit.PriorityHigh, base)))

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimOperation(ctx, "sale-1", base.Add(time.Minute))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.GetOperation(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, synckit.StateInFlight, got.State)

	ok, err := s.ClaimOperation(ctx, "missing", base)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testReleaseExpired(t *testing.T, s synckit.LocalStore) {
	ctx := context.Background()
	defer s.Close()

	require.NoError(t, s.Enqueue(ctx, op("a", synckit.PriorityHigh, base)))
	require.NoError(t, s.Enqueue(ctx, op("b", synckit.PriorityHigh, base)))
	ok, err := s.ClaimOperation(ctx, "a", base.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClaimOperation(ctx, "b", base.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ReleaseExpired(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := s.GetOperation(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, synckit.StatePending, a.State)
	b, err := s.GetOperation(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, synckit.StateInFlight, b.State)
}

func testQuotaAndEviction(t *testing.T, s synckit.LocalStore) {
	ctx := context.Background()
	defer s.Close()

	older := synckit.CachedEntity{ID: "c1", Data: map[string]any{"name": "Wanjiku"}, Synced: true, UpdatedAt: base}
	newer := synckit.CachedEntity{ID: "p1", Data: map[string]any{"name": "Unga"}, Synced: true, UpdatedAt: base.Add(time.Hour)}
	require.NoError(t, s.Put(ctx, "customers", older))
	require.NoError(t, s.Put(ctx, "products", newer))

	sale := synckit.CachedEntity{ID: synckit.TempID("abc"), ClientID: "abc", Data: map[string]any{"amount": "100"}, UpdatedAt: base.Add(2 * time.Hour)}
	err := s.Put(ctx, "sales", sale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncErrors.ErrStorageQuota), "got %v", err)

	// Overwriting an existing key never trips the limit.
	newer.Data = map[string]any{"name": "Unga 2kg"}
	require.NoError(t, s.Put(ctx, "products", newer))

	require.NoError(t, synckit.PutWithEviction(ctx, s, nil, "sales", sale))

	customers, err := s.Get(ctx, "customers")
	require.NoError(t, err)
	assert.Empty(t, customers, "least recently updated entity should have been evicted")
	sales, err := s.Get(ctx, "sales")
	require.NoError(t, err)
	assert.Len(t, sales, 1)

	// Only unsynced data and the newest product remain; unsynced data is
	// never evicted.
	_, _, err = s.EvictOldest(ctx)
	require.NoError(t, err)
	_, _, err = s.EvictOldest(ctx)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound), fmt.Sprintf("got %v", err))
}

func testLastSync(t *testing.T, s synckit.LocalStore) {
	ctx := context.Background()
	defer s.Close()

	got, err := s.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	require.NoError(t, s.SetLastSyncAt(ctx, base))
	got, err = s.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, base.Equal(got))
}
