package reconcile

import (
	"context"
	"time"

	"github.com/dukafiti/dukasync/synckit"
)

// Confirm folds the server's answer to op into the store. For creates and
// updates the server copy replaces the optimistic record under the same key;
// for deletes the record is removed. When later writes to the same entity are
// still queued the local payload is kept and only the server id is adopted,
// so the UI never jumps back to an older state.
func Confirm(ctx context.Context, store synckit.LocalStore, op synckit.QueuedOperation, server *synckit.CachedEntity, now time.Time) error {
	if op.Type == synckit.OpDelete {
		if err := store.Remove(ctx, op.Resource, op.EntityKey); err != nil {
			return err
		}
		if op.TargetID != "" && op.TargetID != op.EntityKey {
			return store.Remove(ctx, op.Resource, op.TargetID)
		}
		return nil
	}

	if server == nil {
		// An empty answer still confirms the write. Without a server id a
		// create keeps its optimistic record until the next refresh.
		if op.Type == synckit.OpCreate && op.TargetID == "" {
			return nil
		}
		applied, err := fromPayload(ctx, store, op)
		if err != nil {
			return err
		}
		server = &applied
	}

	confirmed := server.Clone()
	confirmed.Resource = op.Resource
	confirmed.Synced = true
	if confirmed.UpdatedAt.IsZero() {
		confirmed.UpdatedAt = now
	}
	if confirmed.ClientID == "" && op.EntityKey != "" && op.EntityKey != confirmed.ID {
		confirmed.ClientID = op.EntityKey
	}

	later, err := hasLaterWrites(ctx, store, op)
	if err != nil {
		return err
	}
	if later {
		local, found, err := Find(ctx, store, op.Resource, op.EntityKey)
		if err != nil {
			return err
		}
		if found {
			local.ID = confirmed.ID
			if local.Data != nil {
				local.Data["id"] = confirmed.ID
			}
			local.ClientID = confirmed.ClientID
			local.Synced = false
			confirmed = local
		}
	}

	if err := synckit.PutWithEviction(ctx, store, nil, op.Resource, confirmed); err != nil {
		return err
	}

	// A stray placeholder filed under a different key must not outlive the
	// confirmation.
	if op.Type == synckit.OpCreate && op.EntityKey != "" {
		tmp := synckit.TempID(op.EntityKey)
		if confirmed.Key() != tmp {
			return store.Remove(ctx, op.Resource, tmp)
		}
	}
	return nil
}

// fromPayload rebuilds the confirmed record of op from the local copy and the
// payload the server accepted.
func fromPayload(ctx context.Context, store synckit.LocalStore, op synckit.QueuedOperation) (synckit.CachedEntity, error) {
	key := op.EntityKey
	if key == "" {
		key = op.TargetID
	}
	local, found, err := Find(ctx, store, op.Resource, key)
	if err != nil {
		return synckit.CachedEntity{}, err
	}
	e := synckit.CachedEntity{Resource: op.Resource, Data: map[string]any{}}
	if found {
		e = local.Clone()
		if e.Data == nil {
			e.Data = map[string]any{}
		}
	}
	for k, v := range op.Payload {
		e.Data[k] = v
	}
	if op.TargetID != "" {
		e.ID = op.TargetID
		e.Data["id"] = op.TargetID
	}
	e.UpdatedAt = time.Time{}
	return e, nil
}

func hasLaterWrites(ctx context.Context, store synckit.LocalStore, op synckit.QueuedOperation) (bool, error) {
	if op.EntityKey == "" {
		return false, nil
	}
	ops, err := store.ListQueue(ctx, synckit.QueueFilter{Resource: op.Resource})
	if err != nil {
		return false, err
	}
	for _, other := range ops {
		if other.ID != op.ID && other.EntityKey == op.EntityKey {
			return true, nil
		}
	}
	return false, nil
}

// Find returns the cached entity filed under key, matching Key() or ID.
func Find(ctx context.Context, store synckit.LocalStore, resource, key string) (synckit.CachedEntity, bool, error) {
	items, err := store.Get(ctx, resource)
	if err != nil {
		return synckit.CachedEntity{}, false, err
	}
	for _, e := range items {
		if e.Key() == key || e.ID == key {
			return e, true, nil
		}
	}
	return synckit.CachedEntity{}, false, nil
}

// MergeServer applies a full server listing of resource: server records are
// stored as synced, synced local records the server no longer returns are
// dropped, and records with queued writes keep their local state.
func MergeServer(ctx context.Context, store synckit.LocalStore, resource string, records []synckit.CachedEntity, now time.Time) (int, error) {
	ops, err := store.ListQueue(ctx, synckit.QueueFilter{Resource: resource})
	if err != nil {
		return 0, err
	}
	queued := make(map[string]bool, len(ops))
	for _, op := range ops {
		if op.EntityKey != "" {
			queued[op.EntityKey] = true
		}
		if op.TargetID != "" {
			queued[op.TargetID] = true
		}
	}

	local, err := store.Get(ctx, resource)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool, len(records))
	applied := 0
	for _, r := range records {
		r.Resource = resource
		r.Synced = true
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
		seen[r.Key()] = true
		if r.ID != "" {
			seen[r.ID] = true
		}
		if queued[r.Key()] || (r.ID != "" && queued[r.ID]) {
			continue
		}
		if err := synckit.PutWithEviction(ctx, store, nil, resource, r); err != nil {
			return applied, err
		}
		applied++
	}

	for _, l := range local {
		if !l.Synced || queued[l.Key()] {
			continue
		}
		if !seen[l.Key()] && !seen[l.ID] {
			if err := store.Remove(ctx, resource, l.Key()); err != nil {
				return applied, err
			}
		}
	}
	return applied, nil
}
