// Package connectivity tracks whether the backend is reachable. It combines
// platform signals with an optional HTTP probe and debounces reconnects so a
// flapping link triggers one drain, not many.
package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dukafiti/dukasync/internal/clock"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/synckit"
)

// Config holds the probe and debounce settings.
type Config struct {
	// ProbeURL is fetched by Probe; empty disables probing.
	ProbeURL string `mapstructure:"probe_url"`
	// ExpectedStatus is the only answer counted as online. A captive portal
	// answering 200 with a login page is offline.
	ExpectedStatus int           `mapstructure:"expected_status"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	Debounce       time.Duration `mapstructure:"debounce"`
}

func DefaultConfig() Config {
	return Config{
		ExpectedStatus: http.StatusNoContent,
		ProbeInterval:  15 * time.Second,
		ProbeTimeout:   5 * time.Second,
		Debounce:       time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.ExpectedStatus == 0 {
		c.ExpectedStatus = d.ExpectedStatus
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
}

// Monitor owns the ConnectivityState. Nothing else mutates it.
type Monitor struct {
	cfg    Config
	clock  clock.Clock
	client *http.Client
	logger *logging.Logger

	onReconnect  func()
	onDisconnect func()

	mu      sync.Mutex
	state   synckit.ConnectivityState
	pending clock.Timer
	gen     uint64
	subs    map[int]func(synckit.ConnectivityState)
	nextSub int
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// OnReconnect sets the debounced callback run after the link has stayed up
// for Config.Debounce, usually the queue drain.
func OnReconnect(fn func()) Option {
	return func(m *Monitor) { m.onReconnect = fn }
}

// OnDisconnect sets the callback run synchronously on every transition to
// offline, usually the queue pause.
func OnDisconnect(fn func()) Option {
	return func(m *Monitor) { m.onDisconnect = fn }
}

// InitiallyOnline sets the state before the first signal.
func InitiallyOnline(online bool) Option {
	return func(m *Monitor) { m.state.IsOnline = online }
}

func New(cfg Config, opts ...Option) *Monitor {
	cfg.setDefaults()
	m := &Monitor{
		cfg:   cfg,
		clock: clock.Real{},
		subs:  make(map[int]func(synckit.ConnectivityState)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: cfg.ProbeTimeout}
	}
	if m.logger == nil {
		m.logger = logging.WithComponent("connectivity")
	}
	m.state.LastTransitionAt = m.clock.Now().UTC()
	return m
}

// State returns a snapshot of the current state.
func (m *Monitor) State() synckit.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) IsOnline() bool { return m.State().IsOnline }

// Subscribe registers fn for every transition. The returned func removes it.
func (m *Monitor) Subscribe(fn func(synckit.ConnectivityState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetOnline records a platform signal. Repeating the current state is a
// no-op. Going online arms the debounced reconnect trigger; going offline
// cancels it.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.state.IsOnline == online {
		m.mu.Unlock()
		return
	}
	m.state = synckit.ConnectivityState{IsOnline: online, LastTransitionAt: m.clock.Now().UTC()}
	state := m.state

	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.gen++
	if online && m.onReconnect != nil {
		gen := m.gen
		m.pending = m.clock.AfterFunc(m.cfg.Debounce, func() { m.fire(gen) })
	}

	subs := make([]func(synckit.ConnectivityState), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", slog.Bool("online", online))

	if !online && m.onDisconnect != nil {
		m.onDisconnect()
	}
	for _, fn := range subs {
		fn(state)
	}
}

// fire runs the reconnect callback unless a later transition superseded it.
func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.state.IsOnline {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.mu.Unlock()

	m.logger.Debug("reconnect settled, triggering sync")
	m.onReconnect()
}

// Probe fetches the probe URL once and records the result. It reports the
// state it observed.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.cfg.ProbeURL == "" {
		return m.IsOnline()
	}

	online := m.probe(ctx)
	if ctx.Err() == nil {
		m.SetOnline(online)
	}
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ProbeURL, nil)
	if err != nil {
		m.logger.Error("invalid probe url", slog.String("url", m.cfg.ProbeURL), slog.String("error", err.Error()))
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("probe failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode != m.cfg.ExpectedStatus {
		m.logger.Debug("probe answered unexpectedly",
			slog.Int("status", resp.StatusCode),
			slog.Int("expected", m.cfg.ExpectedStatus))
		return false
	}
	return true
}

// Run probes every ProbeInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.ProbeURL == "" {
		<-ctx.Done()
		return
	}
	tick := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return m.clock.AfterFunc(m.cfg.ProbeInterval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}

	m.Probe(ctx)
	timer := arm()
	defer func() { timer.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			m.Probe(ctx)
			timer = arm()
		}
	}
}

// Close cancels a pending reconnect trigger.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.gen++
}
