package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukafiti/dukasync/connectivity"
	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/internal/clock"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/queue"
	"github.com/dukafiti/dukasync/remote"
	"github.com/dukafiti/dukasync/server"
	"github.com/dukafiti/dukasync/storage/memory"
	"github.com/dukafiti/dukasync/synckit"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	orch  *Orchestrator
	store *memory.Store
	clock *clock.Fake
	api   *httptest.Server
	hits  *atomic.Int32
}

func testConfig() Config {
	return Config{
		Queue: queue.Config{
			MaxRetries: 5,
			Lease:      time.Minute,
			Backoff:    queue.ExponentialBackoff{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2},
			Schedule:   "@every 1h",
		},
		Connectivity: connectivity.Config{Debounce: time.Second},
	}
}

// newFixture runs the reference backend, optionally behind wrap.
func newFixture(t *testing.T, online bool, wrap func(http.Handler) http.Handler) *fixture {
	t.Helper()
	var h http.Handler = server.New(server.NewMemoryRepository(nil), server.WithLogger(logging.Discard())).Handler()
	if wrap != nil {
		h = wrap(h)
	}
	hits := &atomic.Int32{}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			hits.Add(1)
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(api.Close)

	fake := clock.NewFake(t0)
	store := memory.New()
	o := New(store, remote.New(api.URL+"/api", remote.WithLogger(logging.Discard())), testConfig(),
		WithClock(fake),
		WithLogger(logging.Discard()),
		InitiallyOnline(online))
	t.Cleanup(func() { o.Close() })
	return &fixture{orch: o, store: store, clock: fake, api: api, hits: hits}
}

func sale(clientSaleID string) Mutation {
	return Mutation{
		Type: synckit.OpCreate,
		Data: map[string]any{"productId": "p1", "amount": "100", "clientSaleId": clientSaleID},
	}
}

func TestOfflineSaleSyncsOnReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)

	ack, err := f.orch.Mutate(ctx, "sales", sale("abc"))
	require.NoError(t, err)
	assert.False(t, ack.Confirmed)
	assert.True(t, synckit.IsTempID(ack.Entity.ID))
	assert.Equal(t, "abc", ack.Entity.ClientID)

	st := f.orch.Collection(ctx, "sales")
	require.NoError(t, st.Error)
	require.Len(t, st.Items, 1, "the optimistic record is visible at once")
	assert.False(t, st.Items[0].Synced)
	assert.Zero(t, f.hits.Load(), "nothing is sent while offline")

	n, err := f.orch.QueuedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.orch.SetOnline(true)
	assert.Zero(t, f.hits.Load(), "reconnect drain waits for the debounce")
	f.clock.Advance(time.Second)
	assert.Equal(t, int32(1), f.hits.Load())

	st = f.orch.Collection(ctx, "sales")
	require.NoError(t, st.Error)
	require.Len(t, st.Items, 1)
	got := st.Items[0]
	assert.True(t, got.Synced)
	assert.False(t, synckit.IsTempID(got.ID))
	assert.Equal(t, "abc", got.Field("clientSaleId"))

	n, err = f.orch.QueuedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The server copy and the local one are the same record.
	require.NoError(t, f.orch.Refresh(ctx, "sales"))
	st = f.orch.Collection(ctx, "sales")
	require.Len(t, st.Items, 1)
	assert.Equal(t, got.ID, st.Items[0].ID)
}

func TestOnlineMutationIsConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, nil)

	ack, err := f.orch.Mutate(ctx, "customers", Mutation{Type: synckit.OpCreate, Data: map[string]any{"name": "Wanjiru"}})
	require.NoError(t, err)
	assert.True(t, ack.Confirmed)
	assert.False(t, synckit.IsTempID(ack.Entity.ID))
	assert.True(t, ack.Entity.Synced)

	ack, err = f.orch.Mutate(ctx, "customers", Mutation{Type: synckit.OpUpdate, Key: ack.Entity.ID, Data: map[string]any{"phone": "0722000000"}})
	require.NoError(t, err)
	assert.True(t, ack.Confirmed)
	assert.Equal(t, "Wanjiru", ack.Entity.Field("name"))
	assert.Equal(t, "0722000000", ack.Entity.Field("phone"))

	ack, err = f.orch.Mutate(ctx, "customers", Mutation{Type: synckit.OpDelete, Key: ack.Entity.ID})
	require.NoError(t, err)
	assert.True(t, ack.Confirmed)
	assert.Empty(t, f.orch.Collection(ctx, "customers").Items)
	assert.Equal(t, int32(3), f.hits.Load())
}

func TestOfflineEditsOfOfflineRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)

	ack, err := f.orch.Mutate(ctx, "products", Mutation{Type: synckit.OpCreate, Data: map[string]any{"name": "Unga", "price": "180"}})
	require.NoError(t, err)
	_, err = f.orch.Mutate(ctx, "products", Mutation{Type: synckit.OpUpdate, Key: ack.Entity.ClientID, Data: map[string]any{"price": "175"}})
	require.NoError(t, err)

	items := f.orch.Collection(ctx, "products").Items
	require.Len(t, items, 1)
	assert.Equal(t, "175", items[0].Field("price"))

	f.orch.SetOnline(true)
	f.clock.Advance(time.Second)
	assert.Equal(t, int32(2), f.hits.Load(), "create then update, in order")

	require.NoError(t, f.orch.Refresh(ctx, "products"))
	items = f.orch.Collection(ctx, "products").Items
	require.Len(t, items, 1)
	assert.True(t, items[0].Synced)
	assert.Equal(t, "175", items[0].Field("price"))
	assert.Equal(t, "Unga", items[0].Field("name"))
}

func TestMutationValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)

	tests := []struct {
		name     string
		resource string
		m        Mutation
		kind     syncErrors.Kind
	}{
		{"unknown resource", "invoices", sale("x"), syncErrors.KindInvalid},
		{"unknown type", "sales", Mutation{Type: "upsert"}, syncErrors.KindInvalid},
		{"missing fields", "sales", Mutation{Type: synckit.OpCreate, Data: map[string]any{"amount": "10"}}, syncErrors.KindInvalid},
		{"negative amount", "sales", Mutation{Type: synckit.OpCreate, Data: map[string]any{"productId": "p1", "amount": "-1"}}, syncErrors.KindInvalid},
		{"update of missing record", "products", Mutation{Type: synckit.OpUpdate, Key: "nope", Data: map[string]any{"price": "1"}}, syncErrors.KindNotFound},
		{"delete without key", "products", Mutation{Type: synckit.OpDelete}, syncErrors.KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Mutate(ctx, tt.resource, tt.m)
			require.Error(t, err)
			assert.Equal(t, tt.kind, syncErrors.KindOf(err))
		})
	}

	n, err := f.orch.QueuedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected mutations are not queued")
	resources, err := f.store.Resources(ctx)
	require.NoError(t, err)
	assert.Empty(t, resources, "rejected mutations leave no local trace")
}

func TestServerErrorsSurfaceOnce(t *testing.T) {
	ctx := context.Background()
	failing := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
	}
	f := newFixture(t, true, failing)
	require.NoError(t, f.orch.Start(ctx))

	var mu sync.Mutex
	var failures []Change
	f.orch.Subscribe(func(c Change) {
		if c.Kind == ChangeFailure {
			mu.Lock()
			failures = append(failures, c)
			mu.Unlock()
		}
	})

	ack, err := f.orch.Mutate(ctx, "sales", sale("abc"))
	require.NoError(t, err)
	assert.False(t, ack.Confirmed)

	for i := 0; i < 8; i++ {
		f.clock.Advance(2 * time.Minute)
		_, err := f.orch.Queue().Drain(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(5), f.hits.Load())

	select {
	case fail := <-f.orch.Errors():
		assert.Equal(t, ack.OperationID, fail.Operation.ID)
		assert.True(t, syncErrors.IsKind(fail.Err, syncErrors.KindServerTransient))
	case <-time.After(time.Second):
		t.Fatal("expected a failure notification")
	}
	select {
	case fail := <-f.orch.Errors():
		t.Fatalf("unexpected second notification for %s", fail.Operation.ID)
	case <-time.After(50 * time.Millisecond):
	}

	st := f.orch.Collection(ctx, "sales")
	require.Error(t, st.Error)
	assert.True(t, syncErrors.IsKind(st.Error, syncErrors.KindServerTransient))
	require.Len(t, st.Items, 1, "the optimistic record stays until discarded")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, time.Second, 10*time.Millisecond)

	stats, err := f.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	_, err = f.orch.Discard(ctx, ack.OperationID)
	require.NoError(t, err)
	st = f.orch.Collection(ctx, "sales")
	assert.NoError(t, st.Error)
	assert.Empty(t, st.Items)
}

func TestRetryAfterTerminalFailure(t *testing.T) {
	ctx := context.Background()
	var broken atomic.Bool
	broken.Store(true)
	flaky := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if broken.Load() {
				http.Error(w, "rejected", http.StatusConflict)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	f := newFixture(t, true, flaky)

	ack, err := f.orch.Mutate(ctx, "products", Mutation{Type: synckit.OpCreate, Data: map[string]any{"name": "Salt", "price": "30"}})
	require.NoError(t, err)
	assert.False(t, ack.Confirmed)

	op, err := f.orch.Queue().List(ctx, synckit.QueueFilter{States: []synckit.OpState{synckit.StateFailed}})
	require.NoError(t, err)
	require.Len(t, op, 1, "a 4xx is terminal at once")

	broken.Store(false)
	_, err = f.orch.Retry(ctx, ack.OperationID)
	require.NoError(t, err)

	items := f.orch.Collection(ctx, "products").Items
	require.Len(t, items, 1)
	assert.True(t, items[0].Synced)
	n, err := f.orch.QueuedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestForceSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)

	err := f.orch.ForceSync(ctx)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNetworkUnavailable))

	_, err = f.orch.Mutate(ctx, "products", Mutation{Type: synckit.OpCreate, Data: map[string]any{"name": "Sugar", "price": "120"}})
	require.NoError(t, err)

	// The fake clock never fires the debounced drain, so ForceSync sends.
	f.orch.SetOnline(true)
	require.NoError(t, f.orch.ForceSync(ctx))
	assert.Equal(t, int32(1), f.hits.Load())

	v := f.orch.View(ctx, "products")
	assert.True(t, v.IsOnline)
	assert.Zero(t, v.QueuedCount)
	require.Len(t, v.Items, 1)
	assert.True(t, v.Items[0].Synced)
}

func TestRefreshDropsRecordsGoneFromServer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, nil)

	require.NoError(t, f.store.Put(ctx, "products", synckit.CachedEntity{
		Resource: "products", ID: "stale", Data: map[string]any{"name": "Old"}, Synced: true, UpdatedAt: t0,
	}))
	require.NoError(t, f.orch.Refresh(ctx, "products"))
	assert.Empty(t, f.orch.Collection(ctx, "products").Items)
}

func TestRefreshIsNoopOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)
	require.NoError(t, f.orch.Refresh(ctx, "products"))
	assert.Zero(t, f.hits.Load())
}

func TestDisconnectPausesQueue(t *testing.T) {
	f := newFixture(t, true, nil)

	var mu sync.Mutex
	var seen []bool
	f.orch.Subscribe(func(c Change) {
		if c.Kind == ChangeConnectivity {
			mu.Lock()
			seen = append(seen, c.Online)
			mu.Unlock()
		}
	})

	f.orch.SetOnline(false)
	assert.True(t, f.orch.Queue().Paused())
	assert.False(t, f.orch.IsOnline())

	_, err := f.orch.Mutate(context.Background(), "products",
		Mutation{Type: synckit.OpCreate, Data: map[string]any{"name": "Sugar", "price": "120"}})
	require.NoError(t, err)

	f.orch.SetOnline(true)
	assert.True(t, f.orch.Queue().Paused(), "still settling")
	res, err := f.orch.Queue().Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Sent, "no sends inside the debounce window")
	assert.Zero(t, f.hits.Load())

	f.clock.Advance(time.Second)
	assert.False(t, f.orch.Queue().Paused())
	assert.Equal(t, int32(1), f.hits.Load())

	mu.Lock()
	assert.Equal(t, []bool{false, true}, seen)
	mu.Unlock()
}

func TestDuplicateCopiesAreCollapsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)

	// A server copy that lost its clientId echo sits beside the optimistic
	// record of the same sale.
	require.NoError(t, f.store.Put(ctx, "sales", synckit.CachedEntity{
		Resource: "sales", ID: "tmp-abc", ClientID: "abc",
		Data:      map[string]any{"productId": "p1", "amount": "100", "clientSaleId": "abc"},
		UpdatedAt: t0.Add(time.Minute),
	}))
	require.NoError(t, f.store.Put(ctx, "sales", synckit.CachedEntity{
		Resource: "sales", ID: "srv-1",
		Data:      map[string]any{"productId": "p1", "amount": "90", "clientSaleId": "abc"},
		Synced:    true,
		UpdatedAt: t0,
	}))

	items := f.orch.Collection(ctx, "sales").Items
	require.Len(t, items, 1)
	assert.Equal(t, "srv-1", items[0].ID, "the synced copy wins")
}
