package reconcile

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukafiti/dukasync/domain"
	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/storage/memory"
	"github.com/dukafiti/dukasync/synckit"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func sale(id, clientSaleID, productID, amount string, synced bool, at time.Duration) synckit.CachedEntity {
	data := map[string]any{"productId": productID, "amount": amount}
	if clientSaleID != "" {
		data["clientSaleId"] = clientSaleID
	}
	if id != "" {
		data["id"] = id
	}
	return synckit.CachedEntity{
		Resource:  domain.Sales,
		ID:        id,
		Data:      data,
		Synced:    synced,
		UpdatedAt: t0.Add(at),
	}
}

func TestDedupeSyncedWins(t *testing.T) {
	unsynced := sale(synckit.TempID("abc"), "abc", "p1", "100", false, 2*time.Second)
	synced := sale("srv-1", "abc", "p1", "100", true, time.Second)

	for _, input := range [][]synckit.CachedEntity{
		{unsynced, synced},
		{synced, unsynced},
	} {
		out, conflicts := DedupeReport(input, domain.CompositeKey)
		require.Len(t, out, 1)
		assert.Equal(t, "srv-1", out[0].ID)
		assert.True(t, out[0].Synced)
		assert.Empty(t, conflicts)
	}
}

func TestDedupeSecondaryKeySeparatesLines(t *testing.T) {
	// One offline checkout with two products produces two lines sharing a
	// client sale id.
	a := sale("", "abc", "p1", "100", false, 0)
	a.ClientID = "abc-1"
	b := sale("", "abc", "p2", "40", false, time.Second)
	b.ClientID = "abc-2"

	out := Dedupe([]synckit.CachedEntity{a, b}, domain.CompositeKey)
	assert.Len(t, out, 2)
}

func TestDedupeFallsBackToID(t *testing.T) {
	x := sale("srv-1", "", "p1", "10", true, 0)
	y := sale("srv-2", "", "p1", "10", true, time.Second)
	dup := sale("srv-1", "", "p1", "10", true, 2*time.Second)

	out := Dedupe([]synckit.CachedEntity{x, y, dup}, domain.CompositeKey)
	require.Len(t, out, 2)
	assert.Equal(t, "srv-1", out[0].ID)
	assert.True(t, out[0].UpdatedAt.Equal(t0.Add(2*time.Second)))
	assert.Equal(t, "srv-2", out[1].ID)
}

func TestDedupeMostRecentFirst(t *testing.T) {
	var in []synckit.CachedEntity
	for i := 0; i < 5; i++ {
		in = append(in, sale(fmt.Sprintf("srv-%d", i), "", "p1", "1", true, time.Duration(i)*time.Minute))
	}
	out := Dedupe(in, domain.CompositeKey)
	require.Len(t, out, 5)
	for i := 1; i < len(out); i++ {
		assert.True(t, out[i-1].UpdatedAt.After(out[i].UpdatedAt))
	}
}

func TestDedupeReportsDivergentPayload(t *testing.T) {
	unsynced := sale(synckit.TempID("abc"), "abc", "p1", "100", false, 2*time.Second)
	synced := sale("srv-1", "abc", "p1", "120", true, time.Second)

	out, conflicts := DedupeReport([]synckit.CachedEntity{unsynced, synced}, domain.CompositeKey)
	require.Len(t, out, 1)
	assert.Equal(t, "srv-1", out[0].ID)
	require.Len(t, conflicts, 1)
	assert.Equal(t, []string{"amount"}, conflicts[0].Fields)
	assert.True(t, syncErrors.IsKind(conflicts[0].Err(), syncErrors.KindReconciliationConflict))
}

func TestDedupeIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var in []synckit.CachedEntity
		n := rng.Intn(12)
		for i := 0; i < n; i++ {
			client := fmt.Sprintf("c%d", rng.Intn(4))
			if rng.Intn(3) == 0 {
				client = ""
			}
			id := fmt.Sprintf("srv-%d", rng.Intn(6))
			synced := rng.Intn(2) == 0
			if !synced && client != "" {
				id = synckit.TempID(client)
			}
			in = append(in, sale(id, client, fmt.Sprintf("p%d", rng.Intn(2)), "10", synced,
				time.Duration(rng.Intn(5))*time.Second))
		}

		once := Dedupe(in, domain.CompositeKey)
		twice := Dedupe(once, domain.CompositeKey)
		require.Equal(t, once, twice, "round %d", round)
	}
}

func TestConfirmOfflineSale(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	optimistic := sale(synckit.TempID("abc"), "abc", "p1", "100", false, 0)
	optimistic.ClientID = "abc"
	require.NoError(t, store.Put(ctx, domain.Sales, optimistic))

	op := synckit.QueuedOperation{ID: "op-1", Type: synckit.OpCreate, Resource: domain.Sales, EntityKey: "abc", Priority: synckit.PriorityHigh}
	require.NoError(t, store.Enqueue(ctx, op))

	server := sale("srv-1", "abc", "p1", "100", true, time.Second)
	require.NoError(t, Confirm(ctx, store, op, &server, t0))

	items, err := store.Get(ctx, domain.Sales)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "srv-1", items[0].ID)
	assert.Equal(t, "abc", items[0].ClientID)
	assert.True(t, items[0].Synced)
}

func TestConfirmKeepsLocalStateWhenLaterWritesQueued(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	local := synckit.CachedEntity{Resource: domain.Products, ID: synckit.TempID("c1"), ClientID: "c1",
		Data: map[string]any{"name": "Bread", "price": "55", "stock": 9.0}, UpdatedAt: t0}
	require.NoError(t, store.Put(ctx, domain.Products, local))

	create := synckit.QueuedOperation{ID: "op-1", Type: synckit.OpCreate, Resource: domain.Products, EntityKey: "c1", CreatedAt: t0}
	update := synckit.QueuedOperation{ID: "op-2", Type: synckit.OpUpdate, Resource: domain.Products, EntityKey: "c1", CreatedAt: t0.Add(time.Second),
		Payload: map[string]any{"stock": 9.0}}
	require.NoError(t, store.Enqueue(ctx, create))
	require.NoError(t, store.Enqueue(ctx, update))

	server := synckit.CachedEntity{ID: "srv-7", ClientID: "c1", Data: map[string]any{"id": "srv-7", "name": "Bread", "price": "55", "stock": 10.0}}
	require.NoError(t, Confirm(ctx, store, create, &server, t0))

	got, found, err := Find(ctx, store, domain.Products, "c1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "srv-7", got.ID)
	assert.False(t, got.Synced)
	assert.Equal(t, 9.0, got.Data["stock"])
}

func TestConfirmDelete(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Put(ctx, domain.Customers, synckit.CachedEntity{ID: "cus-1", Synced: true, Data: map[string]any{"name": "Achieng"}}))

	op := synckit.QueuedOperation{ID: "op-9", Type: synckit.OpDelete, Resource: domain.Customers, EntityKey: "cus-1", TargetID: "cus-1"}
	require.NoError(t, Confirm(ctx, store, op, nil, t0))

	items, err := store.Get(ctx, domain.Customers)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestConfirmUpdateWithoutRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cached := synckit.CachedEntity{ID: "srv-1", Synced: false, UpdatedAt: t0,
		Data: map[string]any{"id": "srv-1", "name": "Sugar 1kg", "price": "150.00"}}
	require.NoError(t, store.Put(ctx, domain.Products, cached))

	// A 204 answer carries no body.
	op := synckit.QueuedOperation{ID: "op-1", Type: synckit.OpUpdate, Resource: domain.Products,
		EntityKey: "srv-1", TargetID: "srv-1", Payload: map[string]any{"price": "175.00"}}
	require.NoError(t, Confirm(ctx, store, op, nil, t0.Add(time.Minute)))

	got, found, err := Find(ctx, store, domain.Products, "srv-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Synced)
	assert.Equal(t, "175.00", got.Field("price"))
	assert.Equal(t, "Sugar 1kg", got.Field("name"))
	assert.Equal(t, t0.Add(time.Minute), got.UpdatedAt)
}

func TestConfirmCreateWithoutRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	optimistic := sale(synckit.TempID("abc"), "abc", "p1", "100", false, 0)
	optimistic.ClientID = "abc"
	require.NoError(t, store.Put(ctx, domain.Sales, optimistic))

	op := synckit.QueuedOperation{ID: "op-1", Type: synckit.OpCreate, Resource: domain.Sales, EntityKey: "abc"}
	require.NoError(t, Confirm(ctx, store, op, nil, t0))

	items, err := store.Get(ctx, domain.Sales)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, synckit.TempID("abc"), items[0].ID, "kept until a refresh brings the server copy")
}

func TestMergeServer(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	stale := synckit.CachedEntity{ID: "p-old", Synced: true, Data: map[string]any{"name": "Discontinued"}, UpdatedAt: t0}
	pending := synckit.CachedEntity{ID: synckit.TempID("c1"), ClientID: "c1", Data: map[string]any{"name": "New item"}, UpdatedAt: t0}
	edited := synckit.CachedEntity{ID: "p-2", Synced: false, Data: map[string]any{"name": "Rice 2kg (edited)"}, UpdatedAt: t0}
	for _, e := range []synckit.CachedEntity{stale, pending, edited} {
		require.NoError(t, store.Put(ctx, domain.Products, e))
	}
	require.NoError(t, store.Enqueue(ctx, synckit.QueuedOperation{ID: "op-1", Type: synckit.OpCreate, Resource: domain.Products, EntityKey: "c1"}))
	require.NoError(t, store.Enqueue(ctx, synckit.QueuedOperation{ID: "op-2", Type: synckit.OpUpdate, Resource: domain.Products, EntityKey: "p-2", TargetID: "p-2"}))

	server := []synckit.CachedEntity{
		{ID: "p-1", Data: map[string]any{"id": "p-1", "name": "Sugar"}},
		{ID: "p-2", Data: map[string]any{"id": "p-2", "name": "Rice 2kg"}},
	}
	applied, err := MergeServer(ctx, store, domain.Products, server, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	items, err := store.Get(ctx, domain.Products)
	require.NoError(t, err)
	byKey := map[string]synckit.CachedEntity{}
	for _, e := range items {
		byKey[e.Key()] = e
	}
	assert.NotContains(t, byKey, "p-old")
	assert.Contains(t, byKey, "c1")
	assert.Equal(t, "Sugar", byKey["p-1"].Data["name"])
	assert.Equal(t, "Rice 2kg (edited)", byKey["p-2"].Data["name"])
}
