package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	syncErrors "github.com/dukafiti/dukasync/errors"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventInstall  EventType = "install"
	EventActivate EventType = "activate"
	EventFetch    EventType = "fetch"
	EventMessage  EventType = "message"
	EventSync     EventType = "sync"
)

// Message commands accepted by the message event.
const (
	MsgSkipWaiting = "SKIP_WAITING"
	MsgForceSync   = "FORCE_SYNC"
	MsgClearCache  = "CLEAR_CACHE"
	MsgGetStats    = "GET_STATS"
)

// LifecycleState tracks install and activation of one cache version.
type LifecycleState string

const (
	StateNew       LifecycleState = "new"
	StateInstalled LifecycleState = "installed"
	StateActive    LifecycleState = "active"
)

// Message is a command posted to the worker.
type Message struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Event is one lifecycle event.
type Event struct {
	Type    EventType
	Request *http.Request // fetch
	Message *Message      // message
}

// Reply is what a handler produced.
type Reply struct {
	Response *http.Response `json:"-"`
	Data     any            `json:"data,omitempty"`
}

// Handler processes one event type.
type Handler func(ctx context.Context, ev Event) (Reply, error)

func (w *Worker) defaultHandlers() map[EventType]Handler {
	return map[EventType]Handler{
		EventInstall:  w.handleInstall,
		EventActivate: w.handleActivate,
		EventFetch:    w.handleFetch,
		EventMessage:  w.handleMessage,
		EventSync:     w.handleSync,
	}
}

// Handle replaces the handler of one event type.
func (w *Worker) Handle(t EventType, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[t] = h
}

// Dispatch routes ev to its handler.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Reply, error) {
	w.mu.Lock()
	h, ok := w.handlers[ev.Type]
	w.mu.Unlock()
	if !ok {
		return Reply{}, syncErrors.E(syncErrors.OpFetch, syncErrors.Component("interceptor"), syncErrors.KindInvalid,
			fmt.Sprintf("no handler for event %q", ev.Type))
	}
	return h(ctx, ev)
}

// State returns the lifecycle state.
func (w *Worker) State() LifecycleState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s LifecycleState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// handleInstall precaches the route table's manifest into the static
// partition. Any failed entry fails the install.
func (w *Worker) handleInstall(ctx context.Context, ev Event) (Reply, error) {
	base := strings.TrimRight(w.cfg.Upstream, "/")
	partition := w.staticPartition()
	stored := 0
	for _, path := range w.routes.Precache {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return Reply{}, syncErrors.E(syncErrors.OpFetch, syncErrors.Component("interceptor"), syncErrors.KindInvalid, err)
		}
		resp, body, err := w.fetch(req, w.cfg.APITimeout)
		if err != nil {
			return Reply{}, syncErrors.NewNetworkError(syncErrors.OpFetch, fmt.Errorf("precache %s: %w", path, err))
		}
		if resp.StatusCode != http.StatusOK {
			return Reply{}, syncErrors.NewServerError(syncErrors.OpFetch, resp.StatusCode,
				fmt.Errorf("precache %s: %s", path, resp.Status))
		}
		w.store(ctx, partition, cacheKey(req), resp, body)
		stored++
	}
	w.setState(StateInstalled)
	w.logger.Info("installed", slog.String("version", w.cfg.CacheVersion), slog.Int("precached", stored))
	return Reply{Data: map[string]any{"precached": stored}}, nil
}

// handleActivate deletes every partition outside the current version set.
func (w *Worker) handleActivate(ctx context.Context, ev Event) (Reply, error) {
	current := make(map[string]bool)
	for _, p := range w.Partitions() {
		current[p] = true
	}
	existing, err := w.cache.Partitions(ctx)
	if err != nil {
		return Reply{}, err
	}
	var dropped []string
	for _, p := range existing {
		if current[p] {
			continue
		}
		if err := w.cache.DeletePartition(ctx, p); err != nil {
			return Reply{}, err
		}
		dropped = append(dropped, p)
	}
	w.setState(StateActive)
	w.logger.Info("activated",
		slog.String("version", w.cfg.CacheVersion),
		slog.Any("dropped_partitions", dropped))
	return Reply{Data: map[string]any{"dropped": dropped}}, nil
}

func (w *Worker) handleFetch(ctx context.Context, ev Event) (Reply, error) {
	if ev.Request == nil {
		return Reply{}, syncErrors.E(syncErrors.OpFetch, syncErrors.Component("interceptor"), syncErrors.KindInvalid,
			"fetch event without request")
	}
	resp, err := w.RoundTrip(ev.Request.WithContext(ctx))
	if err != nil {
		return Reply{}, err
	}
	return Reply{Response: resp}, nil
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) (Reply, error) {
	if ev.Message == nil {
		return Reply{}, syncErrors.E(syncErrors.OpFetch, syncErrors.Component("interceptor"), syncErrors.KindInvalid,
			"message event without message")
	}
	switch ev.Message.Type {
	case MsgSkipWaiting:
		return w.handleActivate(ctx, Event{Type: EventActivate})
	case MsgForceSync:
		return w.handleSync(ctx, Event{Type: EventSync})
	case MsgClearCache:
		partitions, err := w.cache.Partitions(ctx)
		if err != nil {
			return Reply{}, err
		}
		for _, p := range partitions {
			if err := w.cache.DeletePartition(ctx, p); err != nil {
				return Reply{}, err
			}
		}
		w.logger.Info("cache cleared", slog.Int("partitions", len(partitions)))
		return Reply{Data: map[string]any{"cleared": len(partitions)}}, nil
	case MsgGetStats:
		if w.statsFn == nil {
			return Reply{Data: map[string]any{}}, nil
		}
		stats, err := w.statsFn(ctx)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Data: stats}, nil
	default:
		return Reply{}, syncErrors.E(syncErrors.OpFetch, syncErrors.Component("interceptor"), syncErrors.KindInvalid,
			fmt.Sprintf("unknown message %q", ev.Message.Type))
	}
}

// handleSync is the background-sync trigger.
func (w *Worker) handleSync(ctx context.Context, ev Event) (Reply, error) {
	if w.syncFn == nil {
		return Reply{}, nil
	}
	if err := w.syncFn(ctx); err != nil {
		return Reply{}, err
	}
	return Reply{Data: map[string]any{"synced": true}}, nil
}
