package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dukafiti/dukasync/domain"
	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/interceptor"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/orchestrator"
	"github.com/dukafiti/dukasync/synckit"
)

// maxControlBody bounds request bodies on the control endpoints.
const maxControlBody = 1 << 20

// control serves the /_sync endpoints next to the proxied app.
type control struct {
	orch    *orchestrator.Orchestrator
	worker  *interceptor.Worker
	logger  *logging.Logger
	hub     http.Handler
	metrics http.Handler
	level   *logging.DynamicLevelVar
}

func (c *control) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/ws", c.hub)
	r.Handle("/metrics", c.metrics)

	r.Get("/stats", c.handleStats)
	r.Post("/sync", c.handleSync)
	r.Get("/connectivity", c.handleConnectivity)
	r.Put("/connectivity", c.handleSetConnectivity)
	r.Post("/message", c.handleMessage)
	if c.level != nil {
		r.Get("/loglevel", c.handleLogLevel)
		r.Put("/loglevel", c.handleSetLogLevel)
	}

	r.Route("/collections/{resource}", func(r chi.Router) {
		r.Use(requireResource)
		r.Get("/", c.handleView)
		r.Post("/", c.handleMutate)
		r.Post("/refresh", c.handleRefresh)
	})

	r.Get("/queue", c.handleQueue)
	r.Post("/queue/{id}/retry", c.handleRetry)
	r.Delete("/queue/{id}", c.handleDiscard)
	return r
}

func requireResource(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !domain.Valid(chi.URLParam(r, "resource")) {
			writeError(w, http.StatusNotFound, "unknown resource")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *control) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.orch.Stats(r.Context())
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *control) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := c.orch.ForceSync(r.Context()); err != nil {
		c.fail(w, r, err)
		return
	}
	c.handleStats(w, r)
}

func (c *control) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.orch.Monitor().State())
}

// handleSetConnectivity accepts {"online": bool} from a platform that knows
// better than the probe, e.g. the app's own online/offline events.
func (c *control) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := decodeJSON(w, r, &body); err != nil || body.Online == nil {
		writeError(w, http.StatusBadRequest, `expected {"online": true|false}`)
		return
	}
	c.orch.SetOnline(*body.Online)
	c.handleConnectivity(w, r)
}

// handleMessage posts a command (SKIP_WAITING, FORCE_SYNC, CLEAR_CACHE,
// GET_STATS) to the interceptor.
func (c *control) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg interceptor.Message
	if err := decodeJSON(w, r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reply, err := c.worker.Dispatch(r.Context(), interceptor.Event{Type: interceptor.EventMessage, Message: &msg})
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (c *control) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"level": strings.ToLower(logging.CustomLevel(c.level.Level()).String()),
	})
}

func (c *control) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := decodeJSON(w, r, &body); err != nil || !c.level.SetFromString(body.Level) {
		writeError(w, http.StatusBadRequest, "level must be one of trace, debug, info, warn, error, fatal")
		return
	}
	c.logger.Info("log level changed", slog.String("level", body.Level))
	c.handleLogLevel(w, r)
}

func (c *control) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.orch.View(r.Context(), chi.URLParam(r, "resource")))
}

func (c *control) handleMutate(w http.ResponseWriter, r *http.Request) {
	var m orchestrator.Mutation
	if err := decodeJSON(w, r, &m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ack, err := c.orch.Mutate(r.Context(), chi.URLParam(r, "resource"), m)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if ack.Confirmed {
		status = http.StatusOK
	}
	writeJSON(w, status, ack)
}

func (c *control) handleRefresh(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	if err := c.orch.Refresh(r.Context(), resource); err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.orch.View(r.Context(), resource))
}

func (c *control) handleQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := synckit.QueueFilter{Resource: q.Get("resource")}
	if s := q.Get("state"); s != "" {
		filter.States = []synckit.OpState{synckit.OpState(s)}
	}
	ops, err := c.orch.Queue().List(r.Context(), filter)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	if ops == nil {
		ops = []synckit.QueuedOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (c *control) handleRetry(w http.ResponseWriter, r *http.Request) {
	op, err := c.orch.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (c *control) handleDiscard(w http.ResponseWriter, r *http.Request) {
	op, err := c.orch.Discard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (c *control) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch syncErrors.KindOf(err) {
	case syncErrors.KindInvalid:
		status = http.StatusBadRequest
	case syncErrors.KindNotFound:
		status = http.StatusNotFound
	case syncErrors.KindNetworkUnavailable, syncErrors.KindServerTransient:
		status = http.StatusServiceUnavailable
	case syncErrors.KindServerRejected, syncErrors.KindReconciliationConflict:
		status = http.StatusConflict
	case syncErrors.KindStorageQuota:
		status = http.StatusInsufficientStorage
	}
	if status >= http.StatusInternalServerError {
		c.logger.LogError(r.Context(), err, "control request failed")
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
