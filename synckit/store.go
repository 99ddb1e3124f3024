package synckit

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// LocalStore owns every piece of durable client state: cached entity
// collections and the write queue. Each call is atomic.
type LocalStore interface {
	// Get returns every cached entity of resource.
	Get(ctx context.Context, resource string) ([]CachedEntity, error)

	// Put upserts e under (resource, e.Key()).
	Put(ctx context.Context, resource string, e CachedEntity) error

	// Remove deletes the entity whose Key() or ID equals key. Removing a
	// missing entity is not an error.
	Remove(ctx context.Context, resource, key string) error

	Enqueue(ctx context.Context, op QueuedOperation) error
	Dequeue(ctx context.Context, opID string) error

	// ListQueue returns matching operations in drain order.
	ListQueue(ctx context.Context, filter QueueFilter) ([]QueuedOperation, error)

	// GetOperation returns a single operation or a KindNotFound error.
	GetOperation(ctx context.Context, opID string) (QueuedOperation, error)

	// UpdateOperation overwrites a queued operation.
	UpdateOperation(ctx context.Context, op QueuedOperation) error

	// ClaimOperation atomically moves a pending operation to in_flight with
	// the given lease. Exactly one concurrent caller gets true.
	ClaimOperation(ctx context.Context, opID string, leaseUntil time.Time) (bool, error)

	// ReleaseExpired returns in_flight operations whose lease ended before
	// now to pending and reports how many moved.
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)

	// EvictOldest drops the least recently updated synced entity. It returns
	// a KindNotFound error when nothing is evictable.
	EvictOldest(ctx context.Context) (resource, key string, err error)

	// Resources lists the resources that have cached entities.
	Resources(ctx context.Context) ([]string, error)

	LastSyncAt(ctx context.Context) (time.Time, error)
	SetLastSyncAt(ctx context.Context, t time.Time) error

	Close() error
}

// CachedResponse is a stored HTTP response inside a cache partition.
type CachedResponse struct {
	Partition string
	Key       string
	Status    int
	Header    http.Header
	Body      []byte
	StoredAt  time.Time
}

// CacheStorage holds the interceptor's named response partitions.
type CacheStorage interface {
	// Match returns the stored response or nil on a miss.
	Match(ctx context.Context, partition, key string) (*CachedResponse, error)
	PutResponse(ctx context.Context, resp CachedResponse) error
	DeletePartition(ctx context.Context, partition string) error
	Partitions(ctx context.Context) ([]string, error)
}

// RemoteAPI is the authoritative backend.
type RemoteAPI interface {
	// List returns the server's current records of resource.
	List(ctx context.Context, resource string) ([]CachedEntity, error)

	// Apply sends op with its ID as idempotency key. Deletes return a nil
	// entity.
	Apply(ctx context.Context, op QueuedOperation) (*CachedEntity, error)
}

// Stats derives SyncStats from a store.
func Stats(ctx context.Context, store LocalStore) (SyncStats, error) {
	stats := SyncStats{Cached: map[string]int{}}

	resources, err := store.Resources(ctx)
	if err != nil {
		return stats, err
	}
	for _, r := range resources {
		items, err := store.Get(ctx, r)
		if err != nil {
			return stats, err
		}
		stats.Cached[r] = len(items)
	}

	ops, err := store.ListQueue(ctx, QueueFilter{})
	if err != nil {
		return stats, err
	}
	for _, op := range ops {
		switch op.State {
		case StatePending:
			stats.Queued.Add(op.Priority)
		case StateInFlight:
			stats.InFlight++
		case StateFailed:
			stats.Failed++
		}
	}

	stats.LastSyncAt, err = store.LastSyncAt(ctx)
	return stats, err
}

func stringify(v any) string {
	return fmt.Sprint(v)
}
