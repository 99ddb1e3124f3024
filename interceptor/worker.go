// Package interceptor is the request-level cache in front of the shop's web
// app and API. A Worker is an http.RoundTripper that classifies each request
// and applies the matching policy: cache-first for static assets,
// network-first with a stale fallback for API reads, queue-on-failure for API
// writes and an app-shell fallback for navigations.
package interceptor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/internal/clock"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/synckit"
)

// Response headers set on everything the worker answers.
const (
	SourceHeader  = "X-Dukasync-Source"
	StaleHeader   = "X-Dukasync-Stale"
	OfflineHeader = "X-Dukasync-Offline"

	SourceNetwork = "network"
	SourceCache   = "cache"
	SourceQueue   = "queue"
)

// Partition name prefixes; the cache version is appended.
const (
	staticPartition  = "static-assets-"
	dynamicPartition = "dynamic-content-"
	apiPartition     = "api-data-"
)

// Config holds the worker settings.
type Config struct {
	// CacheVersion suffixes every partition name. Bumping it drops the old
	// partitions on the next activation.
	CacheVersion string `mapstructure:"cache_version"`

	// RulesFile is a YAML or JSON route table; empty uses the built-in one.
	RulesFile string `mapstructure:"rules_file"`

	// Upstream is the origin base URL used to resolve precache paths.
	Upstream string `mapstructure:"upstream"`

	APITimeout time.Duration `mapstructure:"api_timeout"`

	// MaxCachedBody bounds the responses the worker stores.
	MaxCachedBody int64 `mapstructure:"max_cached_body"`
}

func DefaultConfig() Config {
	return Config{
		CacheVersion:  "v1",
		APITimeout:    5 * time.Second,
		MaxCachedBody: 4 << 20,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.CacheVersion == "" {
		c.CacheVersion = d.CacheVersion
	}
	if c.APITimeout <= 0 {
		c.APITimeout = d.APITimeout
	}
	if c.MaxCachedBody <= 0 {
		c.MaxCachedBody = d.MaxCachedBody
	}
}

// Enqueuer accepts writes that failed to reach the server.
type Enqueuer interface {
	Enqueue(ctx context.Context, op synckit.QueuedOperation) (synckit.QueuedOperation, error)
}

// Worker owns the versioned cache partitions.
type Worker struct {
	cfg      Config
	routes   *RouteTable
	cache    synckit.CacheStorage
	upstream http.RoundTripper
	enqueuer Enqueuer
	syncFn   func(ctx context.Context) error
	statsFn  func(ctx context.Context) (any, error)
	clock    clock.Clock
	logger   *logging.Logger
	metrics  synckit.MetricsCollector

	handlers map[EventType]Handler

	mu      sync.Mutex
	state   LifecycleState
	refresh sync.WaitGroup
}

var _ http.RoundTripper = (*Worker)(nil)

// Option configures a Worker.
type Option func(*Worker)

// WithTransport sets the RoundTripper used to reach the network.
func WithTransport(rt http.RoundTripper) Option {
	return func(w *Worker) { w.upstream = rt }
}

func WithEnqueuer(e Enqueuer) Option {
	return func(w *Worker) { w.enqueuer = e }
}

// WithSync sets what the sync event and FORCE_SYNC message run.
func WithSync(fn func(ctx context.Context) error) Option {
	return func(w *Worker) { w.syncFn = fn }
}

// WithStats sets what GET_STATS answers.
func WithStats(fn func(ctx context.Context) (any, error)) Option {
	return func(w *Worker) { w.statsFn = fn }
}

func WithRouteTable(t *RouteTable) Option {
	return func(w *Worker) { w.routes = t }
}

func WithClock(c clock.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

func WithMetrics(m synckit.MetricsCollector) Option {
	return func(w *Worker) { w.metrics = m }
}

// New creates a worker storing responses in cache.
func New(cfg Config, cache synckit.CacheStorage, opts ...Option) (*Worker, error) {
	cfg.setDefaults()
	w := &Worker{
		cfg:      cfg,
		cache:    cache,
		upstream: http.DefaultTransport,
		clock:    clock.Real{},
		metrics:  &synckit.NoOpMetricsCollector{},
		state:    StateNew,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.routes == nil {
		if cfg.RulesFile != "" {
			t, err := LoadRouteTable(cfg.RulesFile)
			if err != nil {
				return nil, syncErrors.E(syncErrors.OpLoad, syncErrors.Component("interceptor"), syncErrors.KindInvalid, err)
			}
			w.routes = t
		} else {
			w.routes = DefaultRouteTable()
		}
	}
	if w.logger == nil {
		w.logger = logging.WithComponent("interceptor")
	}
	w.handlers = w.defaultHandlers()
	return w, nil
}

// Partitions returns the partition names of the current version.
func (w *Worker) Partitions() []string {
	v := w.cfg.CacheVersion
	return []string{staticPartition + v, dynamicPartition + v, apiPartition + v}
}

func (w *Worker) staticPartition() string  { return staticPartition + w.cfg.CacheVersion }
func (w *Worker) dynamicPartition() string { return dynamicPartition + w.cfg.CacheVersion }
func (w *Worker) apiPartition() string     { return apiPartition + w.cfg.CacheVersion }

// Routes returns the route table in use.
func (w *Worker) Routes() *RouteTable { return w.routes }

// Wait blocks until background refreshes started so far have finished.
func (w *Worker) Wait() { w.refresh.Wait() }

// RoundTrip applies the policy of req's class.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	class := w.routes.Classify(req)
	switch class {
	case ClassStatic:
		return w.cacheFirst(req)
	case ClassAPIRead:
		return w.networkFirst(req)
	case ClassAPIWrite:
		return w.queueOnFailure(req)
	case ClassNavigation:
		return w.navigate(req)
	default:
		return w.upstream.RoundTrip(req)
	}
}

// cacheFirst serves a stored copy and refreshes it in the background, or
// fetches and stores on a miss.
func (w *Worker) cacheFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	partition := w.staticPartition()
	key := cacheKey(req)

	cached, err := w.cache.Match(ctx, partition, key)
	if err != nil {
		w.logger.LogError(ctx, err, "cache lookup failed", slog.String("key", key))
	}
	if cached != nil {
		w.metrics.RecordCacheResult(partition, true)
		w.backgroundRefresh(req, partition, key)
		return fromCache(req, cached, false), nil
	}
	w.metrics.RecordCacheResult(partition, false)

	resp, body, err := w.fetch(req, 0)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		w.store(ctx, partition, key, resp, body)
	}
	return resp, nil
}

func (w *Worker) backgroundRefresh(req *http.Request, partition, key string) {
	w.refresh.Add(1)
	clone := req.Clone(context.WithoutCancel(req.Context()))
	go func() {
		defer w.refresh.Done()
		resp, body, err := w.fetch(clone, w.cfg.APITimeout)
		if err != nil {
			w.logger.Debug("background refresh failed", slog.String("key", key), slog.String("error", err.Error()))
			return
		}
		if resp.StatusCode == http.StatusOK {
			w.store(clone.Context(), partition, key, resp, body)
		}
	}()
}

// networkFirst tries the network within APITimeout and falls back to the most
// recent stored copy, tagged stale.
func (w *Worker) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	partition := w.apiPartition()
	key := cacheKey(req)

	resp, body, err := w.fetch(req, w.cfg.APITimeout)
	if err == nil && resp.StatusCode < 500 {
		if resp.StatusCode == http.StatusOK && req.Method == http.MethodGet {
			w.store(ctx, partition, key, resp, body)
		}
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cached, cerr := w.cache.Match(ctx, partition, key)
	if cerr != nil {
		w.logger.LogError(ctx, cerr, "cache lookup failed", slog.String("key", key))
	}
	if cached != nil {
		w.metrics.RecordCacheResult(partition, true)
		w.logger.Debug("serving stale api response", slog.String("key", key))
		return fromCache(req, cached, true), nil
	}
	w.metrics.RecordCacheResult(partition, false)

	if err == nil {
		// A real 5xx with nothing cached is passed on as is.
		return resp, nil
	}
	return offlineJSON(req, http.StatusServiceUnavailable, map[string]any{
		"error":   "offline",
		"message": "no cached copy of this resource",
	}), nil
}

// navigate loads a page from the network, falling back to a stored copy of
// the page, then the app shell, then the built-in offline page.
func (w *Worker) navigate(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req)

	resp, body, err := w.fetch(req, w.cfg.APITimeout)
	if err == nil && resp.StatusCode < 500 {
		if resp.StatusCode == http.StatusOK {
			w.store(ctx, w.dynamicPartition(), key, resp, body)
		}
		return resp, nil
	}

	if cached, _ := w.cache.Match(ctx, w.dynamicPartition(), key); cached != nil {
		return fromCache(req, cached, true), nil
	}
	if w.routes.AppShell != "" {
		shellKey := resolveKey(req, w.routes.AppShell)
		if cached, _ := w.cache.Match(ctx, w.staticPartition(), shellKey); cached != nil {
			return fromCache(req, cached, true), nil
		}
	}
	if err == nil {
		return resp, nil
	}
	return offlinePage(req), nil
}

// fetch performs req upstream and buffers the body, so a timeout context can
// be released before the response is handed on.
func (w *Worker) fetch(req *http.Request, timeout time.Duration) (*http.Response, []byte, error) {
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}
	resp, err := w.upstream.RoundTrip(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Del("Content-Length")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	if resp.Header.Get(SourceHeader) == "" {
		resp.Header.Set(SourceHeader, SourceNetwork)
	}
	return resp, body, nil
}

func (w *Worker) store(ctx context.Context, partition, key string, resp *http.Response, body []byte) {
	if int64(len(body)) > w.cfg.MaxCachedBody {
		return
	}
	if cc := resp.Header.Get("Cache-Control"); containsToken(cc, "no-store") {
		return
	}
	header := resp.Header.Clone()
	header.Del(SourceHeader)
	header.Del(StaleHeader)
	err := w.cache.PutResponse(ctx, synckit.CachedResponse{
		Partition: partition,
		Key:       key,
		Status:    resp.StatusCode,
		Header:    header,
		Body:      body,
		StoredAt:  w.clock.Now().UTC(),
	})
	if err != nil {
		w.logger.LogError(ctx, err, "failed to store response",
			slog.String("partition", partition),
			slog.String("key", key))
	}
}
