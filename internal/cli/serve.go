package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dukafiti/dukasync/interceptor"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/metrics"
	"github.com/dukafiti/dukasync/orchestrator"
	"github.com/dukafiti/dukasync/realtime"
	"github.com/dukafiti/dukasync/storage/sqlite"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen   string
	Upstream string
	Offline  bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the offline-first proxy in front of the shop app",
		Long: `Proxy the shop app through the cache interceptor. Reads are answered from
the local cache when the server is unreachable; writes that cannot be sent
are queued and replayed on reconnect.

Control endpoints are served under /_sync:
  /_sync/ws                     WebSocket push of collection views
  /_sync/stats                  cached and queued counts
  /_sync/sync                   force a drain and refresh (POST)
  /_sync/connectivity           connectivity state (GET, PUT {"online":bool})
  /_sync/collections/{resource} deduplicated view (GET), mutation (POST)
  /_sync/queue                  queued operations
  /_sync/message                interceptor commands (POST)
  /_sync/metrics                Prometheus metrics
  /_sync/loglevel               log level (GET, PUT {"level":"debug"})

Example:
  dukasync serve --upstream http://localhost:3000 --listen :8090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default server.listen)")
	cmd.Flags().StringVar(&opts.Upstream, "upstream", "", "app origin to proxy (default interceptor.upstream)")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "start offline and wait for the probe or a PUT /_sync/connectivity")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	ctx := cmd.Context()
	// The level can be changed at runtime through /_sync/loglevel.
	logger, level := logging.NewLoggerWithDynamicLevel(cfg.Logging)
	opts.Logger = logger

	addr := cfg.Server.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}
	icfg := cfg.Interceptor
	if opts.Upstream != "" {
		icfg.Upstream = opts.Upstream
	}
	target, err := url.Parse(icfg.Upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return NewExitError(ExitCommandError, fmt.Sprintf("interceptor.upstream %q is not an absolute URL", icfg.Upstream))
	}

	rc, err := opts.newRemote(true)
	if err != nil {
		return err
	}
	store, err := opts.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	prom := metrics.New(nil)
	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(prom),
		orchestrator.InitiallyOnline(!opts.Offline),
	}
	var watcher *sqlite.Watcher
	if cfg.Store.Watch {
		watcher, err = sqlite.NewWatcher(store.Path(), 0)
		if err != nil {
			logger.Warn("store changes by other processes will not be noticed", slog.String("error", err.Error()))
			watcher = nil
		} else {
			orchOpts = append(orchOpts, orchestrator.WithChanges(watcher.Changes()))
		}
	}
	orch := orchestrator.New(store, rc, cfg.Orchestrator(), orchOpts...)
	defer orch.Close()

	worker, err := interceptor.New(icfg, store,
		interceptor.WithEnqueuer(orch.Queue()),
		interceptor.WithSync(orch.ForceSync),
		interceptor.WithStats(func(ctx context.Context) (any, error) { return orch.Stats(ctx) }),
		interceptor.WithLogger(logger.WithComponent(logging.Component("interceptor"))),
		interceptor.WithMetrics(prom),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build interceptor", err)
	}
	if _, err := worker.Dispatch(ctx, interceptor.Event{Type: interceptor.EventInstall}); err != nil {
		logger.LogError(ctx, err, "precache failed, serving the existing cache")
	}
	if _, err := worker.Dispatch(ctx, interceptor.Event{Type: interceptor.EventActivate}); err != nil {
		return syncExit("failed to activate cache version "+icfg.CacheVersion, err)
	}

	hub := realtime.New(orch, cfg.Realtime, logger.WithComponent(logging.Component("realtime")))
	hub.Start()
	defer hub.Close()

	handler := newServeHandler(target, worker, &control{
		orch:    orch,
		worker:  worker,
		logger:  logger.WithComponent(logging.Component("control")),
		hub:     hub,
		metrics: prom.Handler(),
		level:   level,
	}, logger)

	if err := orch.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start sync", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case f := <-orch.Errors():
				logger.LogError(gctx, f.Err, "operation failed permanently",
					slog.String("op_id", f.Operation.ID),
					slog.String("resource", f.Operation.Resource))
			}
		}
	})
	g.Go(func() error { return listenAndServe(gctx, addr, handler, logger) })

	logger.Info("proxy ready",
		slog.String("addr", addr),
		slog.String("upstream", target.String()),
		slog.String("api", cfg.Remote.BaseURL))
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "serve failed", err)
	}
	return nil
}

// newServeHandler mounts the control endpoints and proxies everything else to
// target through the interceptor.
func newServeHandler(target *url.URL, worker http.RoundTripper, ctl *control, logger *logging.Logger) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: worker,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("proxy request failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Mount("/_sync", ctl.routes())
	r.Handle("/*", proxy)
	return r
}

func listenAndServe(ctx context.Context, addr string, handler http.Handler, logger *logging.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
