// Package queue drains the durable write outbox against the remote API.
//
// Every mutation is stored as a QueuedOperation before anything is sent. A
// drain walks pending operations in priority order, claims each one so that
// only one drainer (in this or another process) sends it, and folds the
// server's answer into the local store through reconcile.Confirm.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/internal/clock"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/reconcile"
	"github.com/dukafiti/dukasync/synckit"
)

// Config holds the drain settings.
type Config struct {
	MaxRetries int                `mapstructure:"max_retries"`
	Lease      time.Duration      `mapstructure:"lease"`
	Backoff    ExponentialBackoff `mapstructure:"backoff"`
	// Schedule is the cron spec of the periodic drain.
	Schedule string `mapstructure:"schedule"`
}

// DefaultConfig returns 5 retries, a 30s lease and a drain every 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		Lease:      30 * time.Second,
		Backoff:    *DefaultBackoff(),
		Schedule:   "@every 30s",
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Schedule == "" {
		c.Schedule = d.Schedule
	}
}

// Result summarizes one drain.
type Result struct {
	Sent      int `json:"sent"`
	Confirmed int `json:"confirmed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Skipped   int `json:"skipped"`

	// Resources whose local state changed.
	Resources []string `json:"resources,omitempty"`
}

// Enqueuer accepts writes that could not be sent right away.
type Enqueuer interface {
	Enqueue(ctx context.Context, op synckit.QueuedOperation) (synckit.QueuedOperation, error)
}

// Manager owns the drain loop of one process.
type Manager struct {
	store   synckit.LocalStore
	remote  synckit.RemoteAPI
	cfg     Config
	policy  Policy
	clock   clock.Clock
	logger  *logging.Logger
	metrics synckit.MetricsCollector

	group    singleflight.Group
	paused   atomic.Bool
	draining atomic.Bool

	failures chan synckit.Failure

	mu          sync.Mutex
	lastCreated time.Time
	observers   map[int]func(Result)
	nextObs     int
}

var _ Enqueuer = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mc synckit.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = mc }
}

// WithBackoff replaces the exponential backoff from Config.
func WithBackoff(b BackoffStrategy) Option {
	return func(m *Manager) { m.policy.Backoff = b }
}

// New creates a manager draining store into remote.
func New(store synckit.LocalStore, remote synckit.RemoteAPI, cfg Config, opts ...Option) *Manager {
	cfg.setDefaults()
	backoff := cfg.Backoff
	m := &Manager{
		store:     store,
		remote:    remote,
		cfg:       cfg,
		policy:    Policy{MaxRetries: cfg.MaxRetries, Backoff: &backoff},
		clock:     clock.Real{},
		metrics:   &synckit.NoOpMetricsCollector{},
		failures:  make(chan synckit.Failure, 64),
		observers: make(map[int]func(Result)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.WithComponent("queue")
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Failures delivers one Failure per operation that turns terminal. Sends
// never block the drain; a full channel drops the notification and logs it.
func (m *Manager) Failures() <-chan synckit.Failure { return m.failures }

// Subscribe registers fn to run after every drain that did work. The
// returned func removes it.
func (m *Manager) Subscribe(fn func(Result)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

// Pause stops further sends. A send already in flight finishes normally.
func (m *Manager) Pause() { m.paused.Store(true) }

func (m *Manager) Resume() { m.paused.Store(false) }

func (m *Manager) Paused() bool { return m.paused.Load() }

// Draining reports whether a drain is running in this process.
func (m *Manager) Draining() bool { return m.draining.Load() }

// Enqueue fills in the defaults of op and stores it durably. Missing ids
// get a uuid, unknown priorities become medium and CreatedAt is kept
// strictly increasing within the process so FIFO holds for writes made in
// the same instant.
func (m *Manager) Enqueue(ctx context.Context, op synckit.QueuedOperation) (synckit.QueuedOperation, error) {
	if !op.Type.Valid() {
		return op, syncErrors.E(syncErrors.OpEnqueue, syncErrors.Component("queue"), syncErrors.KindInvalid,
			"unknown operation type "+string(op.Type))
	}
	if op.Resource == "" {
		return op, syncErrors.E(syncErrors.OpEnqueue, syncErrors.Component("queue"), syncErrors.KindInvalid,
			"operation without resource")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if !op.Priority.Valid() {
		op.Priority = synckit.PriorityMedium
	}
	if op.EntityKey == "" {
		op.EntityKey = op.TargetID
	}

	now := m.clock.Now().UTC()
	created := now
	m.mu.Lock()
	if !created.After(m.lastCreated) {
		created = m.lastCreated.Add(time.Nanosecond)
	}
	m.lastCreated = created
	m.mu.Unlock()

	op.State = synckit.StatePending
	op.CreatedAt = created
	op.NextAttemptAt = now
	op.RetryCount = 0
	op.LeaseUntil = time.Time{}

	err := synckit.WithEviction(ctx, m.store, m.metrics, func() error {
		return m.store.Enqueue(ctx, op)
	})
	if err != nil {
		return op, err
	}
	m.logger.Debug("operation enqueued",
		slog.String("op_id", op.ID),
		slog.String("type", string(op.Type)),
		slog.String("resource", op.Resource),
		slog.String("priority", string(op.Priority)))
	m.recordDepth(ctx)
	return op, nil
}

// Drain sends every due operation once. A call made while a drain is running
// joins it and receives the same Result.
func (m *Manager) Drain(ctx context.Context) (Result, error) {
	v, err, shared := m.group.Do("drain", func() (interface{}, error) {
		m.draining.Store(true)
		defer m.draining.Store(false)
		return m.drain(ctx)
	})
	if shared {
		m.logger.Debug("joined running drain")
	}
	res, _ := v.(Result)
	return res, err
}

func (m *Manager) drain(ctx context.Context) (Result, error) {
	var res Result
	if m.Paused() {
		return res, nil
	}
	logger := m.logger.WithOperation(logging.Operation(syncErrors.OpDrain))

	start := m.clock.Now()
	now := start.UTC()

	if n, err := m.store.ReleaseExpired(ctx, now); err != nil {
		return res, err
	} else if n > 0 {
		logger.Info("released expired leases", slog.Int("count", n))
	}

	ops, err := m.store.ListQueue(ctx, synckit.QueueFilter{States: []synckit.OpState{synckit.StatePending}})
	if err != nil {
		return res, err
	}
	if len(ops) == 0 {
		return res, nil
	}

	// A resource stays blocked for the rest of the cycle once one of its
	// operations cannot go out, so later writes never overtake it.
	blocked := make(map[string]bool)
	changed := make(map[string]bool)

	// Operations leased by another drainer hold back their resource too.
	inFlight, err := m.store.ListQueue(ctx, synckit.QueueFilter{States: []synckit.OpState{synckit.StateInFlight}})
	if err != nil {
		return res, err
	}
	for _, op := range inFlight {
		blocked[op.Resource] = true
	}

	for _, op := range ops {
		if m.Paused() || ctx.Err() != nil {
			break
		}
		if blocked[op.Resource] {
			res.Skipped++
			continue
		}
		if !op.Due(now) {
			blocked[op.Resource] = true
			res.Skipped++
			continue
		}

		op, ready, err := m.resolveTarget(ctx, op)
		if err != nil {
			return res, err
		}
		if !ready {
			blocked[op.Resource] = true
			res.Deferred++
			continue
		}

		claimed, err := m.store.ClaimOperation(ctx, op.ID, now.Add(m.cfg.Lease))
		if err != nil {
			return res, err
		}
		if !claimed {
			// Another drainer owns it.
			blocked[op.Resource] = true
			res.Skipped++
			continue
		}
		op, err = Begin(op, now, m.cfg.Lease)
		if err != nil {
			return res, err
		}
		// Persist a resolved target only once the operation is ours.
		if err := m.store.UpdateOperation(ctx, op); err != nil {
			return res, err
		}

		outcome, err := m.send(ctx, op, now)
		if err != nil {
			return res, err
		}
		if outcome != outcomeInterrupted {
			res.Sent++
		}
		switch outcome {
		case outcomeConfirmed:
			res.Confirmed++
			changed[op.Resource] = true
		case outcomeRetry:
			res.Retried++
			blocked[op.Resource] = true
		case outcomeTerminal:
			res.Failed++
			changed[op.Resource] = true
		}
	}

	if res.Confirmed > 0 {
		if err := m.store.SetLastSyncAt(ctx, now); err != nil {
			return res, err
		}
	}

	for r := range changed {
		res.Resources = append(res.Resources, r)
	}
	sort.Strings(res.Resources)

	m.metrics.RecordSyncDuration(string(syncErrors.OpDrain), m.clock.Now().Sub(start))
	m.metrics.RecordSyncEvents(res.Confirmed, 0)
	m.recordDepth(ctx)

	logger.Info("drain finished",
		slog.Int("sent", res.Sent),
		slog.Int("confirmed", res.Confirmed),
		slog.Int("retried", res.Retried),
		slog.Int("failed", res.Failed),
		slog.Int("deferred", res.Deferred),
		slog.Int("skipped", res.Skipped))

	if res.Sent > 0 {
		m.notify(res)
	}
	return res, nil
}

type outcome int

const (
	outcomeConfirmed outcome = iota
	outcomeRetry
	outcomeTerminal
	outcomeInterrupted
)

// send applies one claimed operation and records its outcome. The returned
// error is reserved for store failures that abort the drain.
func (m *Manager) send(ctx context.Context, op synckit.QueuedOperation, now time.Time) (outcome, error) {
	log := &logging.Logger{Logger: m.logger.With(slog.String("op_id", op.ID), slog.String("resource", op.Resource))}

	server, applyErr := m.remote.Apply(ctx, op)
	if applyErr == nil {
		if err := Confirm(op); err != nil {
			return outcomeTerminal, err
		}
		if err := reconcile.Confirm(ctx, m.store, op, server, now); err != nil {
			// The server has the write; an idempotent resend settles the
			// local copy once the store recovers.
			log.LogError(ctx, err, "confirmed operation could not be stored")
			next, rerr := Requeue(op, err, now, m.policy)
			if rerr != nil {
				return outcomeRetry, rerr
			}
			if err := m.store.UpdateOperation(context.WithoutCancel(ctx), next); err != nil {
				return outcomeRetry, err
			}
			return outcomeRetry, nil
		}
		if err := m.store.Dequeue(ctx, op.ID); err != nil {
			return outcomeConfirmed, err
		}
		log.Debug("operation confirmed")
		return outcomeConfirmed, nil
	}

	if ctx.Err() != nil {
		if err := m.store.UpdateOperation(context.WithoutCancel(ctx), Release(op)); err != nil {
			return outcomeInterrupted, err
		}
		return outcomeInterrupted, nil
	}

	m.metrics.RecordSyncErrors(string(syncErrors.OpApply), string(syncErrors.KindOf(applyErr)))

	next, err := Fail(op, applyErr, now, m.policy)
	if err != nil {
		return outcomeTerminal, err
	}
	if err := m.store.UpdateOperation(ctx, next); err != nil {
		return outcomeTerminal, err
	}

	if next.State == synckit.StateFailed {
		log.LogError(ctx, applyErr, "operation failed permanently",
			slog.Int("retry_count", next.RetryCount))
		m.emitFailure(synckit.Failure{Operation: next, Err: applyErr, At: now})
		return outcomeTerminal, nil
	}

	log.Warn("operation will be retried",
		slog.String("error", applyErr.Error()),
		slog.Int("retry_count", next.RetryCount),
		slog.Time("next_attempt_at", next.NextAttemptAt))
	return outcomeRetry, nil
}

// resolveTarget fills in the server id of an update or delete whose target
// was created offline. ready is false while the target is unconfirmed. The
// caller persists the resolved id after claiming the operation.
func (m *Manager) resolveTarget(ctx context.Context, op synckit.QueuedOperation) (synckit.QueuedOperation, bool, error) {
	if op.Type == synckit.OpCreate {
		return op, true, nil
	}
	if op.TargetID != "" && !synckit.IsTempID(op.TargetID) {
		return op, true, nil
	}

	key := op.EntityKey
	if key == "" {
		key = op.TargetID
	}
	e, found, err := reconcile.Find(ctx, m.store, op.Resource, key)
	if err != nil {
		return op, false, err
	}
	if !found || e.ID == "" || synckit.IsTempID(e.ID) {
		return op, false, nil
	}
	op.TargetID = e.ID
	return op, true, nil
}

func (m *Manager) emitFailure(f synckit.Failure) {
	select {
	case m.failures <- f:
	default:
		m.logger.Warn("failure channel full, notification dropped", slog.String("op_id", f.Operation.ID))
	}
}

func (m *Manager) notify(res Result) {
	m.mu.Lock()
	fns := make([]func(Result), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(res)
	}
}

// Counts returns the pending operations per priority tier.
func (m *Manager) Counts(ctx context.Context) (synckit.QueuedCounts, error) {
	var counts synckit.QueuedCounts
	ops, err := m.store.ListQueue(ctx, synckit.QueueFilter{States: []synckit.OpState{synckit.StatePending}})
	if err != nil {
		return counts, err
	}
	for _, op := range ops {
		counts.Add(op.Priority)
	}
	return counts, nil
}

func (m *Manager) recordDepth(ctx context.Context) {
	counts, err := m.Counts(ctx)
	if err != nil {
		return
	}
	m.metrics.RecordQueueDepth(string(synckit.PriorityHigh), counts.High)
	m.metrics.RecordQueueDepth(string(synckit.PriorityMedium), counts.Medium)
	m.metrics.RecordQueueDepth(string(synckit.PriorityLow), counts.Low)
}

// List returns queued operations matching filter.
func (m *Manager) List(ctx context.Context, filter synckit.QueueFilter) ([]synckit.QueuedOperation, error) {
	return m.store.ListQueue(ctx, filter)
}

// Retry makes a terminal operation pending again with a fresh retry budget.
func (m *Manager) Retry(ctx context.Context, opID string) (synckit.QueuedOperation, error) {
	op, err := m.store.GetOperation(ctx, opID)
	if err != nil {
		return op, err
	}
	op, err = Retry(op, m.clock.Now().UTC())
	if err != nil {
		return op, err
	}
	if err := m.store.UpdateOperation(ctx, op); err != nil {
		return op, err
	}
	m.logger.Info("operation reset for retry", slog.String("op_id", op.ID))
	m.recordDepth(ctx)
	return op, nil
}

// Discard deletes an operation that is not currently being sent and returns
// it so the caller can undo its optimistic effect.
func (m *Manager) Discard(ctx context.Context, opID string) (synckit.QueuedOperation, error) {
	op, err := m.store.GetOperation(ctx, opID)
	if err != nil {
		return op, err
	}
	if op.State == synckit.StateInFlight {
		return op, invalidTransition(op, "discarded")
	}
	if err := m.store.Dequeue(ctx, opID); err != nil {
		return op, err
	}
	m.logger.Info("operation discarded", slog.String("op_id", op.ID), slog.String("state", string(op.State)))
	m.recordDepth(ctx)
	return op, nil
}
