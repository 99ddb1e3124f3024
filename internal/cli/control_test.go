package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukafiti/dukasync/interceptor"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/metrics"
	"github.com/dukafiti/dukasync/orchestrator"
	"github.com/dukafiti/dukasync/queue"
	"github.com/dukafiti/dukasync/realtime"
	"github.com/dukafiti/dukasync/remote"
	"github.com/dukafiti/dukasync/storage/memory"
	"github.com/dukafiti/dukasync/synckit"
)

type proxyFixture struct {
	url   string
	app   *httptest.Server
	orch  *orchestrator.Orchestrator
	level *logging.DynamicLevelVar
}

func newProxyFixture(t *testing.T) *proxyFixture {
	t.Helper()
	apiURL := newAPI(t, nil)
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>duka</html>")
	}))
	t.Cleanup(app.Close)

	store := memory.New()
	prom := metrics.New(nil)
	orch := orchestrator.New(store, remote.New(apiURL, remote.WithLogger(logging.Discard())),
		orchestrator.Config{Queue: queue.Config{Schedule: "@every 1h"}},
		orchestrator.WithLogger(logging.Discard()),
		orchestrator.WithMetrics(prom))
	t.Cleanup(func() { orch.Close() })

	worker, err := interceptor.New(interceptor.Config{Upstream: app.URL}, store,
		interceptor.WithEnqueuer(orch.Queue()),
		interceptor.WithSync(orch.ForceSync),
		interceptor.WithStats(func(ctx context.Context) (any, error) { return orch.Stats(ctx) }),
		interceptor.WithLogger(logging.Discard()),
		interceptor.WithMetrics(prom))
	require.NoError(t, err)

	hub := realtime.New(orch, realtime.Config{}, logging.Discard())
	hub.Start()
	t.Cleanup(func() { hub.Close() })

	logger, level := logging.NewLoggerWithDynamicLevel(logging.Config{Level: "warn", Format: "json"})

	target, err := url.Parse(app.URL)
	require.NoError(t, err)
	srv := httptest.NewServer(newServeHandler(target, worker, &control{
		orch:    orch,
		worker:  worker,
		logger:  logger,
		hub:     hub,
		metrics: prom.Handler(),
		level:   level,
	}, logging.Discard()))
	t.Cleanup(srv.Close)

	return &proxyFixture{url: srv.URL, app: app, orch: orch, level: level}
}

func (f *proxyFixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.url+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestControlMutationsAndViews(t *testing.T) {
	f := newProxyFixture(t)
	sugar := `{"type":"create","data":{"name":"Sugar 1kg","price":"150.00"}}`

	var ack orchestrator.Ack
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/_sync/collections/products/", sugar, &ack))
	assert.True(t, ack.Confirmed)
	assert.True(t, ack.Entity.Synced)

	var view orchestrator.View
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/_sync/collections/products/", "", &view))
	require.Len(t, view.Items, 1)
	assert.Equal(t, "Sugar 1kg", view.Items[0].Field("name"))
	assert.True(t, view.IsOnline)

	var stats synckit.SyncStats
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/_sync/stats", "", &stats))
	assert.Equal(t, 1, stats.Cached["products"])

	var reply struct {
		Data synckit.SyncStats `json:"data"`
	}
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/_sync/message", `{"type":"GET_STATS"}`, &reply))
	assert.Equal(t, 1, reply.Data.Cached["products"])

	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/_sync/collections/widgets/", "", nil))
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, "POST", "/_sync/collections/products/", `{"type":"create","data":{"name":"No price"}}`, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/_sync/message", `{"type":"REBOOT"}`, nil))
}

func TestControlOfflineQueue(t *testing.T) {
	f := newProxyFixture(t)

	var state synckit.ConnectivityState
	require.Equal(t, http.StatusOK, f.do(t, "PUT", "/_sync/connectivity", `{"online":false}`, &state))
	assert.False(t, state.IsOnline)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "PUT", "/_sync/connectivity", `{}`, nil))

	var ack orchestrator.Ack
	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/_sync/collections/sales/",
		`{"type":"create","data":{"productId":"p1","amount":"250","clientSaleId":"s-9"}}`, &ack))
	assert.False(t, ack.Confirmed)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, "POST", "/_sync/sync", "", nil))

	var ops []synckit.QueuedOperation
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/_sync/queue?resource=sales", "", &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, ack.OperationID, ops[0].ID)

	require.Equal(t, http.StatusOK, f.do(t, "DELETE", "/_sync/queue/"+ack.OperationID, "", nil))
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/_sync/queue", "", &ops))
	assert.Empty(t, ops)
	assert.Equal(t, http.StatusNotFound, f.do(t, "POST", "/_sync/queue/"+ack.OperationID+"/retry", "", nil))

	var view orchestrator.View
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/_sync/collections/sales/", "", &view))
	assert.Empty(t, view.Items, "discarding the create removes the optimistic sale")
	assert.False(t, view.IsOnline)
}

func TestProxyServesAppShellOffline(t *testing.T) {
	f := newProxyFixture(t)

	get := func() *http.Response {
		req, err := http.NewRequest("GET", f.url+"/dashboard", nil)
		require.NoError(t, err)
		req.Header.Set("Accept", "text/html")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := get()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>duka</html>", string(body))

	f.app.Close()
	resp = get()
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>duka</html>", string(body))
	assert.Equal(t, interceptor.SourceCache, resp.Header.Get(interceptor.SourceHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newProxyFixture(t)
	f.do(t, "POST", "/_sync/collections/products/", `{"type":"create","data":{"name":"Tea","price":"80"}}`, nil)

	resp, err := http.Get(f.url + "/_sync/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dukasync_operations_confirmed_total 1")
}

func TestLogLevelEndpoint(t *testing.T) {
	f := newProxyFixture(t)

	var got map[string]string
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/_sync/loglevel", "", &got))
	assert.Equal(t, "warn", got["level"])

	require.Equal(t, http.StatusOK, f.do(t, "PUT", "/_sync/loglevel", `{"level":"trace"}`, &got))
	assert.Equal(t, "trace", got["level"])
	assert.Equal(t, slog.Level(logging.LevelTrace), f.level.Level())

	assert.Equal(t, http.StatusBadRequest, f.do(t, "PUT", "/_sync/loglevel", `{"level":"loud"}`, nil))
	assert.Equal(t, slog.Level(logging.LevelTrace), f.level.Level())
}
