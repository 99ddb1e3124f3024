// Package orchestrator is the façade UI code talks to. It serves deduplicated
// collections out of the local store, commits mutations locally before
// queueing them for the server, and ties the queue to connectivity: drains
// run on reconnect and on a schedule, and stop while offline.
package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dukafiti/dukasync/connectivity"
	"github.com/dukafiti/dukasync/internal/clock"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/queue"
	"github.com/dukafiti/dukasync/synckit"
)

// Config groups the settings of the parts the orchestrator owns.
type Config struct {
	Queue        queue.Config        `mapstructure:"queue"`
	Connectivity connectivity.Config `mapstructure:"connectivity"`

	// RefreshOnReconnect pulls every cached resource after the reconnect
	// drain.
	RefreshOnReconnect bool `mapstructure:"refresh_on_reconnect"`
}

// ChangeKind says what a Change is about.
type ChangeKind string

const (
	ChangeCollection   ChangeKind = "collection"
	ChangeConnectivity ChangeKind = "connectivity"
	ChangeQueue        ChangeKind = "queue"
	ChangeFailure      ChangeKind = "failure"
)

// Change is delivered to subscribers whenever something a view shows may
// have changed. Empty Resources means every resource.
type Change struct {
	Kind      ChangeKind       `json:"kind"`
	Resources []string         `json:"resources,omitempty"`
	Online    bool             `json:"online"`
	Failure   *synckit.Failure `json:"-"`
	At        time.Time        `json:"at"`
}

// Orchestrator wires store, remote, queue and connectivity together.
type Orchestrator struct {
	store   synckit.LocalStore
	remote  synckit.RemoteAPI
	cfg     Config
	queue   *queue.Manager
	monitor *connectivity.Monitor
	sched   *queue.Scheduler

	clock      clock.Clock
	base       *logging.Logger
	logger     *logging.Logger
	metrics    synckit.MetricsCollector
	httpClient *http.Client
	online     bool
	changes    <-chan struct{}

	errs chan synckit.Failure

	mu         sync.Mutex
	loading    map[string]int
	refreshErr map[string]error
	failErr    map[string]error
	reported   map[string]bool
	subs       map[int]func(Change)
	nextSub    int
	started    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the base logger; each owned part gets a component child.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.base = l }
}

func WithMetrics(m synckit.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProbeClient sets the HTTP client of the reachability probe.
func WithProbeClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.httpClient = c }
}

// InitiallyOnline sets the connectivity state before the first signal.
// The default is online.
func InitiallyOnline(online bool) Option {
	return func(o *Orchestrator) { o.online = online }
}

// WithChanges feeds notifications of writes made by other processes sharing
// the store, e.g. sqlite.Watcher.Changes().
func WithChanges(ch <-chan struct{}) Option {
	return func(o *Orchestrator) { o.changes = ch }
}

// New creates an orchestrator. Nothing runs in the background until Start.
func New(store synckit.LocalStore, remote synckit.RemoteAPI, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		remote:     remote,
		cfg:        cfg,
		clock:      clock.Real{},
		metrics:    &synckit.NoOpMetricsCollector{},
		online:     true,
		errs:       make(chan synckit.Failure, 64),
		loading:    make(map[string]int),
		refreshErr: make(map[string]error),
		failErr:    make(map[string]error),
		reported:   make(map[string]bool),
		subs:       make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.base == nil {
		o.base = logging.Default()
	}
	o.logger = o.base.WithComponent("orchestrator")
	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.queue = queue.New(store, remote, cfg.Queue,
		queue.WithClock(o.clock),
		queue.WithLogger(o.base.WithComponent("queue")),
		queue.WithMetrics(o.metrics))

	monOpts := []connectivity.Option{
		connectivity.WithClock(o.clock),
		connectivity.WithLogger(o.base.WithComponent("connectivity")),
		connectivity.OnReconnect(o.reconnected),
		connectivity.OnDisconnect(o.queue.Pause),
		connectivity.InitiallyOnline(o.online),
	}
	if o.httpClient != nil {
		monOpts = append(monOpts, connectivity.WithHTTPClient(o.httpClient))
	}
	o.monitor = connectivity.New(cfg.Connectivity, monOpts...)
	if !o.monitor.IsOnline() {
		o.queue.Pause()
	}
	o.monitor.Subscribe(o.connectivityChanged)
	o.queue.Subscribe(o.drained)

	o.sched = queue.NewScheduler(o.queue.Config().Schedule, o.queue, o.monitor.IsOnline,
		o.base.WithComponent("scheduler"))
	return o
}

// Queue returns the queue manager, for inspection and manual actions.
func (o *Orchestrator) Queue() *queue.Manager { return o.queue }

// Monitor returns the connectivity monitor.
func (o *Orchestrator) Monitor() *connectivity.Monitor { return o.monitor }

// Store returns the local store.
func (o *Orchestrator) Store() synckit.LocalStore { return o.store }

// Start launches the periodic drain, the probe loop and the failure
// forwarder, and drains once if online. Cancelling ctx stops them like Close.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	context.AfterFunc(ctx, o.cancel)

	if err := o.sched.Start(o.ctx); err != nil {
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.forwardFailures()
	}()

	if o.cfg.Connectivity.ProbeURL != "" {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.monitor.Run(o.ctx)
		}()
	}

	if o.changes != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.watchChanges()
		}()
	}

	if o.monitor.IsOnline() {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if _, err := o.queue.Drain(o.ctx); err != nil {
				o.logger.LogError(o.ctx, err, "startup drain failed")
			}
		}()
	}

	o.logger.Info("orchestrator started", slog.Bool("online", o.monitor.IsOnline()))
	return nil
}

// Close stops background work and waits for it. The store is left open.
func (o *Orchestrator) Close() error {
	o.cancel()
	o.sched.Stop()
	o.monitor.Close()
	o.wg.Wait()
	return nil
}

// Errors delivers one Failure per operation that became terminal.
func (o *Orchestrator) Errors() <-chan synckit.Failure { return o.errs }

// Subscribe registers fn for every Change. The returned func removes it.
func (o *Orchestrator) Subscribe(fn func(Change)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

func (o *Orchestrator) notify(c Change) {
	c.At = o.clock.Now().UTC()
	o.mu.Lock()
	fns := make([]func(Change), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// IsOnline reports the connectivity state.
func (o *Orchestrator) IsOnline() bool { return o.monitor.IsOnline() }

// SetOnline forwards a platform connectivity signal.
func (o *Orchestrator) SetOnline(online bool) { o.monitor.SetOnline(online) }

// connectivityChanged leaves the queue paused on reconnect until the debounce
// in reconnected has passed.
func (o *Orchestrator) connectivityChanged(s synckit.ConnectivityState) {
	o.notify(Change{Kind: ChangeConnectivity, Online: s.IsOnline})
}

// reconnected runs once the link has stayed up for the debounce period.
func (o *Orchestrator) reconnected() {
	o.queue.Resume()
	if _, err := o.queue.Drain(o.ctx); err != nil {
		o.logger.LogError(o.ctx, err, "reconnect drain failed")
	}
	if o.cfg.RefreshOnReconnect {
		if err := o.refreshAll(o.ctx); err != nil {
			o.logger.Warn("refresh after reconnect failed", slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) drained(res queue.Result) {
	o.notify(Change{Kind: ChangeQueue, Resources: res.Resources, Online: o.monitor.IsOnline()})
}

func (o *Orchestrator) forwardFailures() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case f := <-o.queue.Failures():
			o.recordFailure(f)
		}
	}
}

func (o *Orchestrator) recordFailure(f synckit.Failure) {
	o.mu.Lock()
	o.failErr[f.Operation.ID] = f.Err
	o.mu.Unlock()

	select {
	case o.errs <- f:
	default:
		o.logger.Warn("error channel full, failure dropped", slog.String("op_id", f.Operation.ID))
	}
	o.notify(Change{
		Kind:      ChangeFailure,
		Resources: []string{f.Operation.Resource},
		Online:    o.monitor.IsOnline(),
		Failure:   &f,
	})
}

func (o *Orchestrator) watchChanges() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case _, ok := <-o.changes:
			if !ok {
				return
			}
			o.logger.Debug("store changed by another process")
			o.notify(Change{Kind: ChangeCollection, Online: o.monitor.IsOnline()})
		}
	}
}
