package synckit

import (
	"context"
	"errors"

	syncErrors "github.com/dukafiti/dukasync/errors"
)

// WithEviction runs write. When it fails because the store is full, the least
// recently updated synced entity is evicted and write runs exactly once more.
func WithEviction(ctx context.Context, store LocalStore, metrics MetricsCollector, write func() error) error {
	err := write()
	if !errors.Is(err, syncErrors.ErrStorageQuota) {
		return err
	}

	resource, _, evictErr := store.EvictOldest(ctx)
	if evictErr != nil {
		if syncErrors.IsKind(evictErr, syncErrors.KindNotFound) {
			// Nothing evictable; report the original quota error.
			return err
		}
		return evictErr
	}
	if metrics != nil {
		metrics.RecordEviction(resource)
	}
	return write()
}

// PutWithEviction writes e, evicting one cached entity and retrying once on
// a quota failure.
func PutWithEviction(ctx context.Context, store LocalStore, metrics MetricsCollector, resource string, e CachedEntity) error {
	return WithEviction(ctx, store, metrics, func() error {
		return store.Put(ctx, resource, e)
	})
}
