package server

import (
	"context"
	"fmt"
	"time"

	syncErrors "github.com/dukafiti/dukasync/errors"
)

// Record is one stored row of a resource.
type Record struct {
	ID        string
	Resource  string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JSON renders the record the way the API returns it: the payload fields
// plus id and timestamps.
func (r Record) JSON() map[string]any {
	out := make(map[string]any, len(r.Data)+3)
	for k, v := range r.Data {
		out[k] = v
	}
	out["id"] = r.ID
	out["createdAt"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	out["updatedAt"] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return out
}

// Repository stores records and remembers idempotency keys. A key that was
// already used makes the call return the outcome of its first use.
type Repository interface {
	List(ctx context.Context, resource string) ([]Record, error)
	Get(ctx context.Context, resource, id string) (Record, error)

	// Create reports created=false when key was seen before; rec is then the
	// record that first call created.
	Create(ctx context.Context, resource, key string, data map[string]any) (rec Record, created bool, err error)

	// Update merges patch into the record's data.
	Update(ctx context.Context, resource, id, key string, patch map[string]any) (Record, error)

	Delete(ctx context.Context, resource, id, key string) error
	Close() error
}

// reserved fields are owned by the server and never taken from a payload.
var reserved = []string{"id", "createdAt", "updatedAt"}

func cleanPayload(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, k := range reserved {
		delete(out, k)
	}
	return out
}

func notFound(component, resource, id string) error {
	return syncErrors.E(syncErrors.OpLoad, syncErrors.Component(component), syncErrors.KindNotFound,
		fmt.Sprintf("%s %s not found", resource, id))
}

func keyReused(component, key, resource string) error {
	return syncErrors.E(syncErrors.OpStore, syncErrors.Component(component), syncErrors.KindInvalid,
		fmt.Sprintf("idempotency key %s was used for a different request on %s", key, resource))
}
