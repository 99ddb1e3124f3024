// Package synckit holds the data model shared by every component of the
// offline sync layer, together with the contracts for the local store, the
// response cache, the remote API and metrics.
package synckit

import (
	"strings"
	"time"
)

// OpType is the kind of write a QueuedOperation carries.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Priority orders queued operations during a drain.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists the tiers in drain order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// Rank is the sort key of a priority; lower drains first. Unknown priorities
// sort with medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is a known tier.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// OpState is the persisted state of a queued operation. Confirmed operations
// are removed from the queue and have no state.
type OpState string

const (
	StatePending  OpState = "pending"
	StateInFlight OpState = "in_flight"
	StateFailed   OpState = "failed_terminal"
)

const tempIDPrefix = "tmp-"

// TempID is the placeholder id an optimistic record carries until the server
// assigns one.
func TempID(clientID string) string { return tempIDPrefix + clientID }

// IsTempID reports whether id is a placeholder produced by TempID.
func IsTempID(id string) bool { return strings.HasPrefix(id, tempIDPrefix) }

// CachedEntity is a local snapshot of a remote record.
type CachedEntity struct {
	Resource  string         `json:"resource"`
	ID        string         `json:"id"`
	ClientID  string         `json:"clientId,omitempty"`
	Data      map[string]any `json:"data"`
	Synced    bool           `json:"synced"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Key is the identity the local store files the entity under. A record
// created offline keeps its ClientID as key for its whole life so that the
// server copy replaces the optimistic one in place.
func (e CachedEntity) Key() string {
	if e.ClientID != "" {
		return e.ClientID
	}
	return e.ID
}

// Clone returns a copy whose Data map can be modified independently.
func (e CachedEntity) Clone() CachedEntity {
	c := e
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return c
}

// Field returns Data[name] rendered as a string, or "" when absent.
func (e CachedEntity) Field(name string) string {
	v, ok := e.Data[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return stringify(t)
	}
}

// QueuedOperation is one durable write intent.
type QueuedOperation struct {
	// ID doubles as the idempotency key sent to the server.
	ID       string         `json:"id"`
	Type     OpType         `json:"type"`
	Resource string         `json:"resource"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority Priority       `json:"priority"`
	State    OpState        `json:"state"`

	// EntityKey is the local store key of the entity the write targets.
	EntityKey string `json:"entityKey"`

	// TargetID is the server id of the target for updates and deletes. It is
	// resolved from the store at send time when the target was created
	// offline and not yet confirmed.
	TargetID string `json:"targetId,omitempty"`

	CreatedAt     time.Time `json:"createdAt"`
	RetryCount    int       `json:"retryCount"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	LeaseUntil    time.Time `json:"leaseUntil,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

// Due reports whether a pending operation may be attempted at now.
func (op QueuedOperation) Due(now time.Time) bool {
	return op.State == StatePending && !op.NextAttemptAt.After(now)
}

// QueueFilter narrows ListQueue. Zero values match everything.
type QueueFilter struct {
	Resource  string
	States    []OpState
	Priority  Priority
	DueBefore time.Time
	Limit     int
}

// Match reports whether op passes the filter, ignoring Limit.
func (f QueueFilter) Match(op QueuedOperation) bool {
	if f.Resource != "" && op.Resource != f.Resource {
		return false
	}
	if f.Priority != "" && op.Priority != f.Priority {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if s == op.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.DueBefore.IsZero() && op.NextAttemptAt.After(f.DueBefore) {
		return false
	}
	return true
}

// QueueLess orders operations for draining: priority tier, then FIFO.
func QueueLess(a, b QueuedOperation) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// QueuedCounts counts pending operations per tier.
type QueuedCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Total is the number of pending operations across tiers.
func (q QueuedCounts) Total() int { return q.High + q.Medium + q.Low }

// Add counts one pending operation of priority p.
func (q *QueuedCounts) Add(p Priority) {
	switch p {
	case PriorityHigh:
		q.High++
	case PriorityLow:
		q.Low++
	default:
		q.Medium++
	}
}

// SyncStats is derived on demand from the store and never persisted.
type SyncStats struct {
	Cached     map[string]int `json:"cached"`
	Queued     QueuedCounts   `json:"queued"`
	InFlight   int            `json:"inFlight"`
	Failed     int            `json:"failed"`
	LastSyncAt time.Time      `json:"lastSyncAt"`
}

// ConnectivityState is owned by the connectivity monitor.
type ConnectivityState struct {
	IsOnline         bool      `json:"isOnline"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

// Failure notifies that an operation reached failed_terminal.
type Failure struct {
	Operation QueuedOperation
	Err       error
	At        time.Time
}
