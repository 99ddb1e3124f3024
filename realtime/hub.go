// Package realtime pushes collection views to UI clients over WebSocket.
// A client names the resources it renders; whenever the orchestrator reports
// a change touching one of them, the client receives the fresh View.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dukafiti/dukasync/domain"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/orchestrator"
)

// Source is the part of the orchestrator the hub reads from.
type Source interface {
	View(ctx context.Context, resource string) orchestrator.View
	IsOnline() bool
	Subscribe(fn func(orchestrator.Change)) func()
}

// MessageType identifies a Message.
type MessageType string

const (
	// Server to client.
	MessageView         MessageType = "view"
	MessageConnectivity MessageType = "connectivity"
	MessageFailure      MessageType = "failure"

	// Client to server.
	MessageSubscribe   MessageType = "subscribe"
	MessageUnsubscribe MessageType = "unsubscribe"
)

// Message is one frame in either direction.
type Message struct {
	Type        MessageType        `json:"type"`
	Timestamp   time.Time          `json:"timestamp"`
	Resources   []string           `json:"resources,omitempty"`
	View        *orchestrator.View `json:"view,omitempty"`
	Online      *bool              `json:"online,omitempty"`
	OperationID string             `json:"operationId,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Config holds hub settings.
type Config struct {
	// OriginPatterns are the cross-origin hosts allowed to connect.
	OriginPatterns []string      `mapstructure:"origin_patterns"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	// Buffer is the number of pending changes before new ones are dropped.
	Buffer int `mapstructure:"buffer"`
}

func DefaultConfig() Config {
	return Config{WriteTimeout: 5 * time.Second, Buffer: 100}
}

type client struct {
	conn *websocket.Conn

	mu        sync.Mutex
	resources map[string]bool
}

func (c *client) watching(resources []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	if len(resources) == 0 {
		for r := range c.resources {
			out = append(out, r)
		}
		return out
	}
	for _, r := range resources {
		if c.resources[r] {
			out = append(out, r)
		}
	}
	return out
}

// Hub manages WebSocket clients.
type Hub struct {
	src    Source
	cfg    Config
	logger *logging.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	changes     chan orchestrator.Change
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub reading from src. A nil logger uses the default.
func New(src Source, cfg Config, logger *logging.Logger) *Hub {
	d := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = d.Buffer
	}
	if logger == nil {
		logger = logging.WithComponent("realtime")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		src:     src,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
		changes: make(chan orchestrator.Change, cfg.Buffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the source and begins broadcasting.
func (h *Hub) Start() {
	h.unsubscribe = h.src.Subscribe(func(c orchestrator.Change) {
		select {
		case h.changes <- c:
		default:
			h.logger.Warn("change buffer full, dropping change", slog.String("kind", string(c.Kind)))
		}
	})
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Close disconnects every client and stops broadcasting.
func (h *Hub) Close() error {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}

	h.clientsMu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.clientsMu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	h.cancel()
	h.wg.Wait()
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.changes:
			h.dispatch(c)
		}
	}
}

func (h *Hub) dispatch(c orchestrator.Change) {
	h.clientsMu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.clientsMu.RUnlock()

	switch c.Kind {
	case orchestrator.ChangeConnectivity:
		online := c.Online
		for _, cl := range clients {
			h.send(cl, Message{Type: MessageConnectivity, Online: &online, Timestamp: c.At})
		}
		// The online flag is part of every view.
		h.sendViews(clients, nil)
	case orchestrator.ChangeFailure:
		if c.Failure != nil {
			msg := Message{
				Type:        MessageFailure,
				Resources:   c.Resources,
				OperationID: c.Failure.Operation.ID,
				Timestamp:   c.At,
			}
			if c.Failure.Err != nil {
				msg.Error = c.Failure.Err.Error()
			}
			for _, cl := range clients {
				if len(cl.watching(c.Resources)) > 0 {
					h.send(cl, msg)
				}
			}
		}
		h.sendViews(clients, c.Resources)
	default:
		h.sendViews(clients, c.Resources)
	}
}

// sendViews renders each needed view once and sends it to every client
// watching it. Empty resources means all.
func (h *Hub) sendViews(clients []*client, resources []string) {
	rendered := make(map[string]*orchestrator.View)
	for _, cl := range clients {
		for _, r := range cl.watching(resources) {
			v, ok := rendered[r]
			if !ok {
				view := h.src.View(h.ctx, r)
				v = &view
				rendered[r] = v
			}
			h.send(cl, Message{Type: MessageView, Resources: []string{r}, View: v})
		}
	}
}

func (h *Hub) send(cl *client, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.WriteTimeout)
	defer cancel()
	if err := cl.conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("write to client failed", slog.String("error", err.Error()))
		h.removeClient(cl)
	}
}

// ServeHTTP upgrades the request. The "resources" query parameter is a
// comma separated initial subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	cl := &client{conn: conn, resources: make(map[string]bool)}
	h.clientsMu.Lock()
	h.clients[cl] = struct{}{}
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Debug("client connected", slog.Int("clients", count))

	online := h.src.IsOnline()
	h.send(cl, Message{Type: MessageConnectivity, Online: &online})
	if q := r.URL.Query().Get("resources"); q != "" {
		h.subscribe(cl, strings.Split(q, ","))
	}

	h.readLoop(cl)
}

func (h *Hub) subscribe(cl *client, resources []string) {
	var added []string
	cl.mu.Lock()
	for _, r := range resources {
		r = strings.TrimSpace(r)
		if domain.Valid(r) && !cl.resources[r] {
			cl.resources[r] = true
			added = append(added, r)
		}
	}
	cl.mu.Unlock()
	if len(added) > 0 {
		h.sendViews([]*client{cl}, added)
	}
}

func (h *Hub) readLoop(cl *client) {
	defer h.removeClient(cl)
	for {
		_, data, err := cl.conn.Read(h.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				h.logger.Debug("client read failed", slog.String("error", err.Error()))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed client message", slog.String("error", err.Error()))
			continue
		}
		switch msg.Type {
		case MessageSubscribe:
			h.subscribe(cl, msg.Resources)
		case MessageUnsubscribe:
			cl.mu.Lock()
			for _, r := range msg.Resources {
				delete(cl.resources, r)
			}
			cl.mu.Unlock()
		}
	}
}

func (h *Hub) removeClient(cl *client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[cl]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, cl)
	count := len(h.clients)
	h.clientsMu.Unlock()

	_ = cl.conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Debug("client disconnected", slog.Int("clients", count))
}
