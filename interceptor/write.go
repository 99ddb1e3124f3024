package interceptor

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dukafiti/dukasync/domain"
	"github.com/dukafiti/dukasync/remote"
	"github.com/dukafiti/dukasync/synckit"
)

// PriorityHeader lets a caller pick the queue tier of a write.
const PriorityHeader = "X-Dukasync-Priority"

// maxWriteBody bounds request bodies the worker buffers for queueing.
const maxWriteBody = 8 << 20

// queueOnFailure sends a write and hands it to the queue when the network or
// the server fails. 2xx and 4xx answers pass through unchanged.
func (w *Worker) queueOnFailure(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}
	key := req.Header.Get(remote.IdempotencyHeader)
	if key == "" {
		key = uuid.NewString()
	}

	out := req.Clone(ctx)
	out.Header.Set(remote.IdempotencyHeader, key)
	setBody(out, body)

	resp, _, err := w.fetch(out, w.cfg.APITimeout)
	if err == nil && resp.StatusCode < 500 {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	failure := "network error"
	if err == nil {
		failure = resp.Status
	}
	if w.enqueuer == nil {
		if err == nil {
			return resp, nil
		}
		return offlineJSON(req, http.StatusServiceUnavailable, map[string]any{"error": "offline"}), nil
	}

	op, perr := w.operationFor(req, body, key)
	if perr != nil {
		w.logger.Warn("write cannot be queued",
			slog.String("path", req.URL.Path),
			slog.String("error", perr.Error()))
		if err == nil {
			return resp, nil
		}
		return offlineJSON(req, http.StatusServiceUnavailable, map[string]any{"error": "offline", "message": perr.Error()}), nil
	}

	op, qerr := w.enqueuer.Enqueue(ctx, op)
	if qerr != nil {
		w.logger.LogError(ctx, qerr, "failed to queue write", slog.String("path", req.URL.Path))
		return offlineJSON(req, http.StatusServiceUnavailable, map[string]any{"error": "queue_unavailable"}), nil
	}

	w.logger.Info("write queued",
		slog.String("op_id", op.ID),
		slog.String("resource", op.Resource),
		slog.String("type", string(op.Type)),
		slog.String("cause", failure))

	resp = jsonResponse(req, http.StatusAccepted, map[string]any{
		"queued":      true,
		"operationId": op.ID,
		"resource":    op.Resource,
		"entityKey":   op.EntityKey,
	}, SourceQueue)
	resp.Header.Set(OfflineHeader, "true")
	return resp, nil
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWriteBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxWriteBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxWriteBody)
	}
	return body, nil
}

func setBody(req *http.Request, body []byte) {
	if body == nil {
		req.Body = http.NoBody
		req.ContentLength = 0
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

// operationFor turns an API write into a queued operation:
// POST {prefix}{resource} is a create, PUT/PATCH {prefix}{resource}/{id} an
// update and DELETE {prefix}{resource}/{id} a delete.
func (w *Worker) operationFor(req *http.Request, body []byte, key string) (synckit.QueuedOperation, error) {
	rest := strings.TrimPrefix(req.URL.Path, w.routes.APIPrefix)
	if rest == req.URL.Path {
		return synckit.QueuedOperation{}, fmt.Errorf("%s is outside %s", req.URL.Path, w.routes.APIPrefix)
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	resource := parts[0]
	if !domain.Valid(resource) {
		return synckit.QueuedOperation{}, fmt.Errorf("unknown resource %q", resource)
	}
	id := ""
	if len(parts) == 2 {
		id = parts[1]
	} else if len(parts) > 2 {
		return synckit.QueuedOperation{}, fmt.Errorf("unsupported path %s", req.URL.Path)
	}

	op := synckit.QueuedOperation{ID: key, Resource: resource}
	switch req.Method {
	case http.MethodPost:
		if id != "" {
			return op, fmt.Errorf("POST must target the %s collection", resource)
		}
		op.Type = synckit.OpCreate
	case http.MethodPut, http.MethodPatch:
		op.Type = synckit.OpUpdate
	case http.MethodDelete:
		op.Type = synckit.OpDelete
	default:
		return op, fmt.Errorf("method %s is not a write", req.Method)
	}
	if op.Type != synckit.OpCreate {
		if id == "" {
			return op, fmt.Errorf("%s needs a record id", req.Method)
		}
		op.TargetID = id
		op.EntityKey = id
	}

	if len(body) > 0 {
		payload, err := decodePayload(req.Header.Get("Content-Encoding"), body)
		if err != nil {
			return op, err
		}
		op.Payload = payload
	}

	if op.Type == synckit.OpCreate {
		if op.Payload == nil {
			op.Payload = map[string]any{}
		}
		clientID := domain.ClientIDOf(resource, op.Payload)
		if clientID == "" {
			clientID = key
		}
		if _, ok := op.Payload["clientId"]; !ok {
			op.Payload["clientId"] = clientID
		}
		op.EntityKey = clientID
	}

	op.Priority = synckit.Priority(strings.ToLower(req.Header.Get(PriorityHeader)))
	if !op.Priority.Valid() {
		op.Priority = domain.PriorityFor(resource)
	}
	return op, nil
}

func decodePayload(encoding string, body []byte) (map[string]any, error) {
	var r io.Reader = bytes.NewReader(body)
	if strings.EqualFold(strings.TrimSpace(encoding), "gzip") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		defer gz.Close()
		r = io.LimitReader(gz, maxWriteBody)
	}
	var payload map[string]any
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %w", err)
	}
	return payload, nil
}
