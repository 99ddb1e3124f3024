// Package remote is the HTTP client of the shop's REST API. It implements
// synckit.RemoteAPI and classifies every failure into the sync layer's error
// kinds so the queue can decide between retrying and surfacing.
package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukafiti/dukasync/domain"
	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/synckit"
)

// IdempotencyHeader carries the queued operation id on every write.
const IdempotencyHeader = "Idempotency-Key"

// Limits defines size and compression limits for the client
type Limits struct {
	MaxBodyBytes         int64 // Maximum response body size in bytes
	MaxDecompressedBytes int64 // Maximum decompressed response size
	EnableGzip           bool  // Whether to gzip request bodies
	GzipMinBytes         int   // Minimum bytes before applying gzip compression
}

// DefaultLimits returns the limits New starts from.
func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes:         8 << 20,  // 8MB
		MaxDecompressedBytes: 64 << 20, // 64MB
		EnableGzip:           true,
		GzipMinBytes:         1024,
	}
}

// Client talks to the API under baseURL, e.g. "https://shop.example/api".
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
	logger  *logging.Logger
}

var _ synckit.RemoteAPI = (*Client)(nil)

// Option configures a Client using the functional options pattern
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		c.http = cl
	}
}

// WithLimits sets the size and compression limits
func WithLimits(l Limits) Option {
	return func(c *Client) {
		c.limits = l
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client. The default HTTP client times out after 30s.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limits:  DefaultLimits(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.WithComponent("remote")
	}
	return c
}

// BaseURL returns the base URL for the client
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Limits returns the current limits configuration
func (c *Client) Limits() Limits {
	return c.limits
}

// List fetches every record of resource.
func (c *Client) List(ctx context.Context, resource string) ([]synckit.CachedEntity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resourceURL(resource, ""), nil)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpList, syncErrors.Component("remote"), syncErrors.KindInvalid, err)
	}
	req.Header.Set("Accept", "application/json")

	var records []map[string]any
	if _, err := c.do(req, syncErrors.OpList, &records); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]synckit.CachedEntity, 0, len(records))
	for _, r := range records {
		out = append(out, toEntity(resource, r, now))
	}
	c.logger.Debug("list completed",
		slog.String("resource", resource),
		slog.Int("count", len(out)))
	return out, nil
}

// Apply sends one queued write. Creates POST to the collection, updates
// PATCH and deletes DELETE the record named by op.TargetID.
func (c *Client) Apply(ctx context.Context, op synckit.QueuedOperation) (*synckit.CachedEntity, error) {
	var method, target string
	switch op.Type {
	case synckit.OpCreate:
		method, target = http.MethodPost, c.resourceURL(op.Resource, "")
	case synckit.OpUpdate, synckit.OpDelete:
		if op.TargetID == "" || synckit.IsTempID(op.TargetID) {
			return nil, syncErrors.E(syncErrors.OpApply, syncErrors.Component("remote"), syncErrors.KindInvalid,
				fmt.Sprintf("%s %s has no server id to address", op.Type, op.ID))
		}
		method = http.MethodPatch
		if op.Type == synckit.OpDelete {
			method = http.MethodDelete
		}
		target = c.resourceURL(op.Resource, op.TargetID)
	default:
		return nil, syncErrors.E(syncErrors.OpApply, syncErrors.Component("remote"), syncErrors.KindInvalid,
			fmt.Sprintf("unknown operation type %q", op.Type))
	}

	var body io.Reader
	var payload []byte
	if op.Type != synckit.OpDelete {
		var err error
		payload, err = json.Marshal(op.Payload)
		if err != nil {
			return nil, syncErrors.E(syncErrors.OpApply, syncErrors.Component("remote"), syncErrors.KindInvalid, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpApply, syncErrors.Component("remote"), syncErrors.KindInvalid, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(IdempotencyHeader, op.ID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		if err := c.compress(req, payload); err != nil {
			return nil, err
		}
	}

	var record map[string]any
	status, err := c.do(req, syncErrors.OpApply, &record)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("operation applied",
		slog.String("op_id", op.ID),
		slog.String("type", string(op.Type)),
		slog.String("resource", op.Resource),
		slog.Int("status", status))

	if op.Type == synckit.OpDelete || record == nil {
		return nil, nil
	}
	e := toEntity(op.Resource, record, time.Now().UTC())
	return &e, nil
}

func (c *Client) resourceURL(resource, id string) string {
	u := c.baseURL + "/" + url.PathEscape(resource)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// compress gzips the request body when enabled and the payload exceeds
// GzipMinBytes.
func (c *Client) compress(req *http.Request, payload []byte) error {
	if !c.limits.EnableGzip || len(payload) <= c.limits.GzipMinBytes {
		return nil
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return syncErrors.E(syncErrors.OpApply, syncErrors.Component("remote"), syncErrors.KindInternal,
			fmt.Errorf("failed to compress request: %w", err))
	}
	if err := gw.Close(); err != nil {
		return syncErrors.E(syncErrors.OpApply, syncErrors.Component("remote"), syncErrors.KindInternal,
			fmt.Errorf("failed to close gzip writer: %w", err))
	}
	compressed := buf.Bytes()
	req.Body = io.NopCloser(bytes.NewReader(compressed))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(compressed)), nil
	}
	req.ContentLength = int64(len(compressed))
	req.Header.Set("Content-Encoding", "gzip")

	c.logger.Debug("compressed request",
		slog.Int("original_size", len(payload)),
		slog.Int("compressed_size", len(compressed)))
	return nil
}

// do sends req and decodes a JSON answer into out. Transport failures map to
// NetworkUnavailable, non-2xx answers to ServerRejected or
// ServerTransientFailure.
func (c *Client) do(req *http.Request, op syncErrors.Operation, out any) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return 0, syncErrors.E(op, syncErrors.Component("remote"), syncErrors.KindOther, ctxErr)
		}
		c.logger.Warn("request failed",
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			slog.String("error", err.Error()))
		return 0, syncErrors.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		c.logger.Warn("request returned error status",
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			slog.Int("status_code", resp.StatusCode))
		return resp.StatusCode, syncErrors.NewServerError(op, resp.StatusCode,
			fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	if resp.StatusCode == http.StatusNoContent || out == nil {
		return resp.StatusCode, nil
	}

	reader, cleanup, err := safeResponseReader(resp, c.limits)
	if err != nil {
		return resp.StatusCode, syncErrors.E(op, syncErrors.Component("remote"), syncErrors.KindInvalid, err)
	}
	defer cleanup()

	if err := json.NewDecoder(reader).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return resp.StatusCode, nil
		}
		if errors.Is(err, errResponseTooLarge) {
			return resp.StatusCode, syncErrors.E(op, syncErrors.Component("remote"), syncErrors.KindInvalid,
				fmt.Errorf("response exceeds limit: %w", err))
		}
		return resp.StatusCode, syncErrors.E(op, syncErrors.Component("remote"), syncErrors.KindInvalid,
			fmt.Errorf("failed to decode response: %w", err))
	}
	return resp.StatusCode, nil
}

// toEntity converts a JSON record into a synced CachedEntity.
func toEntity(resource string, r map[string]any, now time.Time) synckit.CachedEntity {
	e := synckit.CachedEntity{
		Resource:  resource,
		Data:      r,
		Synced:    true,
		ClientID:  domain.ClientIDOf(resource, r),
		UpdatedAt: now,
	}
	if id, ok := r["id"]; ok && id != nil {
		e.ID = fmt.Sprint(id)
	}
	for _, field := range []string{"updatedAt", "createdAt"} {
		if s, ok := r[field].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				e.UpdatedAt = t.UTC()
				break
			}
		}
	}
	return e
}
