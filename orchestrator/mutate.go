package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dukafiti/dukasync/domain"
	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/reconcile"
	"github.com/dukafiti/dukasync/synckit"
)

// Mutation is a write requested by the UI.
type Mutation struct {
	Type synckit.OpType `json:"type"`
	// Key names the target of an update or delete, by local key or server id.
	Key  string         `json:"key,omitempty"`
	Data map[string]any `json:"data,omitempty"`
	// Priority overrides the resource default when set.
	Priority synckit.Priority `json:"priority,omitempty"`
}

// Ack reports how far a mutation got before Mutate returned.
type Ack struct {
	OperationID string               `json:"operationId"`
	Entity      synckit.CachedEntity `json:"entity"`
	// Confirmed is true when the server accepted the write already. A false
	// value means the write is queued and will be sent later.
	Confirmed bool `json:"confirmed"`
}

// Mutate commits m locally, queues it and, when online, drains right away.
// The local change is visible to Collection before Mutate returns. A write
// the queue cannot accept is rolled back.
func (o *Orchestrator) Mutate(ctx context.Context, resource string, m Mutation) (Ack, error) {
	if !domain.Valid(resource) {
		return Ack{}, syncErrors.NewValidationError(syncErrors.OpMutate, fmt.Errorf("unknown resource %q", resource))
	}
	if !m.Type.Valid() {
		return Ack{}, syncErrors.NewValidationError(syncErrors.OpMutate, fmt.Errorf("unknown operation type %q", m.Type))
	}
	if err := domain.Validate(resource, m.Type, m.Data); err != nil {
		return Ack{}, syncErrors.NewValidationError(syncErrors.OpMutate, err)
	}

	var (
		entity synckit.CachedEntity
		op     synckit.QueuedOperation
		undo   func() error
		err    error
	)
	switch m.Type {
	case synckit.OpCreate:
		entity, op, undo, err = o.stageCreate(ctx, resource, m)
	case synckit.OpUpdate:
		entity, op, undo, err = o.stageUpdate(ctx, resource, m)
	case synckit.OpDelete:
		entity, op, undo, err = o.stageDelete(ctx, resource, m)
	}
	if err != nil {
		return Ack{}, err
	}
	op.Resource = resource
	op.Type = m.Type
	op.Priority = m.Priority
	if !op.Priority.Valid() {
		op.Priority = domain.PriorityFor(resource)
	}

	op, err = o.queue.Enqueue(ctx, op)
	if err != nil {
		if uerr := undo(); uerr != nil {
			o.logger.LogError(ctx, uerr, "rollback of local write failed", slog.String("resource", resource))
		}
		return Ack{}, err
	}
	o.notify(Change{Kind: ChangeCollection, Resources: []string{resource}, Online: o.IsOnline()})

	ack := Ack{OperationID: op.ID, Entity: entity}
	if !o.IsOnline() {
		return ack, nil
	}
	if _, err := o.queue.Drain(ctx); err != nil {
		o.logger.LogError(ctx, err, "drain after mutation failed", slog.String("op_id", op.ID))
		return ack, nil
	}
	if _, err := o.store.GetOperation(ctx, op.ID); syncErrors.IsKind(err, syncErrors.KindNotFound) {
		ack.Confirmed = true
		if e, found, ferr := reconcile.Find(ctx, o.store, resource, op.EntityKey); ferr == nil && found {
			ack.Entity = e
		}
	}
	return ack, nil
}

func (o *Orchestrator) stageCreate(ctx context.Context, resource string, m Mutation) (synckit.CachedEntity, synckit.QueuedOperation, func() error, error) {
	data := make(map[string]any, len(m.Data)+2)
	for k, v := range m.Data {
		data[k] = v
	}

	clientID := domain.ClientIDOf(resource, data)
	if clientID == "" {
		for _, f := range domain.KeysFor(resource).Client {
			if v, ok := data[f].(string); ok && v != "" {
				clientID = v
				break
			}
		}
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	field := domain.ClientField(resource)
	if v, ok := data[field].(string); !ok || v == "" {
		data[field] = clientID
	}
	data["clientId"] = clientID

	entity := synckit.CachedEntity{
		Resource:  resource,
		ID:        synckit.TempID(clientID),
		ClientID:  clientID,
		Data:      data,
		UpdatedAt: o.clock.Now().UTC(),
	}
	if err := synckit.PutWithEviction(ctx, o.store, o.metrics, resource, entity.Clone()); err != nil {
		return entity, synckit.QueuedOperation{}, nil, err
	}

	op := synckit.QueuedOperation{
		Payload:   entity.Clone().Data,
		EntityKey: clientID,
	}
	undo := func() error { return o.store.Remove(ctx, resource, clientID) }
	return entity, op, undo, nil
}

func (o *Orchestrator) stageUpdate(ctx context.Context, resource string, m Mutation) (synckit.CachedEntity, synckit.QueuedOperation, func() error, error) {
	prev, err := o.target(ctx, resource, m.Key)
	if err != nil {
		return prev, synckit.QueuedOperation{}, nil, err
	}

	next := prev.Clone()
	if next.Data == nil {
		next.Data = make(map[string]any, len(m.Data))
	}
	patch := make(map[string]any, len(m.Data))
	for k, v := range m.Data {
		next.Data[k] = v
		patch[k] = v
	}
	next.Synced = false
	next.UpdatedAt = o.clock.Now().UTC()
	if err := synckit.PutWithEviction(ctx, o.store, o.metrics, resource, next.Clone()); err != nil {
		return next, synckit.QueuedOperation{}, nil, err
	}

	op := synckit.QueuedOperation{
		Payload:   patch,
		EntityKey: prev.Key(),
		TargetID:  prev.ID,
	}
	undo := func() error { return o.store.Put(ctx, resource, prev) }
	return next, op, undo, nil
}

func (o *Orchestrator) stageDelete(ctx context.Context, resource string, m Mutation) (synckit.CachedEntity, synckit.QueuedOperation, func() error, error) {
	prev, err := o.target(ctx, resource, m.Key)
	if err != nil {
		return prev, synckit.QueuedOperation{}, nil, err
	}
	if err := o.store.Remove(ctx, resource, prev.Key()); err != nil {
		return prev, synckit.QueuedOperation{}, nil, err
	}

	op := synckit.QueuedOperation{
		EntityKey: prev.Key(),
		TargetID:  prev.ID,
	}
	undo := func() error { return o.store.Put(ctx, resource, prev) }
	return prev, op, undo, nil
}

func (o *Orchestrator) target(ctx context.Context, resource, key string) (synckit.CachedEntity, error) {
	if key == "" {
		return synckit.CachedEntity{}, syncErrors.NewValidationError(syncErrors.OpMutate, fmt.Errorf("%s: no target key", resource))
	}
	e, found, err := reconcile.Find(ctx, o.store, resource, key)
	if err != nil {
		return e, err
	}
	if !found {
		return e, syncErrors.E(syncErrors.OpMutate, syncErrors.Component("orchestrator"), syncErrors.KindNotFound,
			fmt.Sprintf("%s %s is not cached", resource, key))
	}
	return e, nil
}

// Retry resets a terminal operation and drains if online.
func (o *Orchestrator) Retry(ctx context.Context, opID string) (synckit.QueuedOperation, error) {
	op, err := o.queue.Retry(ctx, opID)
	if err != nil {
		return op, err
	}
	o.mu.Lock()
	delete(o.failErr, opID)
	o.mu.Unlock()
	o.notify(Change{Kind: ChangeQueue, Resources: []string{op.Resource}, Online: o.IsOnline()})

	if o.IsOnline() {
		if _, err := o.queue.Drain(ctx); err != nil {
			o.logger.LogError(ctx, err, "drain after retry failed", slog.String("op_id", opID))
		}
	}
	return op, nil
}

// Discard drops a queued operation and undoes its optimistic effect. A
// discarded create also takes the writes queued after it for the same
// record, since they could never be sent. Discarded updates and deletes are
// restored from the server when online.
func (o *Orchestrator) Discard(ctx context.Context, opID string) (synckit.QueuedOperation, error) {
	op, err := o.queue.Discard(ctx, opID)
	if err != nil {
		return op, err
	}
	o.mu.Lock()
	delete(o.failErr, opID)
	o.mu.Unlock()

	switch op.Type {
	case synckit.OpCreate:
		if err := o.discardDependents(ctx, op); err != nil {
			return op, err
		}
		e, found, err := reconcile.Find(ctx, o.store, op.Resource, op.EntityKey)
		if err != nil {
			return op, err
		}
		if found && !e.Synced && synckit.IsTempID(e.ID) {
			if err := o.store.Remove(ctx, op.Resource, op.EntityKey); err != nil {
				return op, err
			}
		}
	default:
		if o.IsOnline() {
			if err := o.Refresh(ctx, op.Resource); err != nil {
				o.logger.Warn("refresh after discard failed",
					slog.String("resource", op.Resource),
					slog.String("error", err.Error()))
			}
		}
	}
	o.notify(Change{Kind: ChangeCollection, Resources: []string{op.Resource}, Online: o.IsOnline()})
	return op, nil
}

func (o *Orchestrator) discardDependents(ctx context.Context, create synckit.QueuedOperation) error {
	ops, err := o.queue.List(ctx, synckit.QueueFilter{Resource: create.Resource})
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.ID == create.ID || op.EntityKey != create.EntityKey || !synckit.IsTempID(op.TargetID) {
			continue
		}
		if _, err := o.queue.Discard(ctx, op.ID); err != nil {
			return err
		}
		o.logger.Info("dependent operation discarded",
			slog.String("op_id", op.ID),
			slog.String("create_id", create.ID))
	}
	return nil
}
