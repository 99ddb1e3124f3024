package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/dukafiti/dukasync/domain"
	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/reconcile"
	"github.com/dukafiti/dukasync/synckit"
)

// CollectionState is what a list screen renders.
type CollectionState struct {
	Items   []synckit.CachedEntity
	Loading bool
	// Error is the latest terminal failure of a write to the resource, or
	// the last failed refresh.
	Error error
}

// View is the JSON shape pushed to UI clients.
type View struct {
	Resource    string                 `json:"resource"`
	Items       []synckit.CachedEntity `json:"items"`
	Loading     bool                   `json:"loading"`
	Error       string                 `json:"error,omitempty"`
	IsOnline    bool                   `json:"isOnline"`
	QueuedCount int                    `json:"queuedCount"`
}

// Collection returns the deduplicated records of resource, most recent
// first. It reads only the local store and never blocks on the network.
func (o *Orchestrator) Collection(ctx context.Context, resource string) CollectionState {
	st := CollectionState{Loading: o.isLoading(resource)}
	if !domain.Valid(resource) {
		st.Error = syncErrors.NewValidationError(syncErrors.OpLoad, fmt.Errorf("unknown resource %q", resource))
		return st
	}

	items, err := o.store.Get(ctx, resource)
	if err != nil {
		st.Error = err
		return st
	}
	deduped, conflicts := reconcile.DedupeReport(items, domain.CompositeKey)
	o.reportConflicts(ctx, conflicts)
	st.Items = deduped
	st.Error = o.collectionError(ctx, resource)
	return st
}

// View renders Collection together with the connectivity and queue state.
func (o *Orchestrator) View(ctx context.Context, resource string) View {
	st := o.Collection(ctx, resource)
	v := View{
		Resource: resource,
		Items:    st.Items,
		Loading:  st.Loading,
		IsOnline: o.IsOnline(),
	}
	if v.Items == nil {
		v.Items = []synckit.CachedEntity{}
	}
	if st.Error != nil {
		v.Error = st.Error.Error()
	}
	if n, err := o.QueuedCount(ctx); err == nil {
		v.QueuedCount = n
	}
	return v
}

// reportConflicts logs each divergent pair once per process.
func (o *Orchestrator) reportConflicts(ctx context.Context, conflicts []reconcile.Conflict) {
	if len(conflicts) == 0 {
		return
	}
	var fresh []reconcile.Conflict
	o.mu.Lock()
	for _, c := range conflicts {
		id := fmt.Sprintf("%s|%s|%s|%s|%d", c.Resource, c.Key, c.Winner.ID, c.Loser.Key(), c.Loser.UpdatedAt.UnixNano())
		if !o.reported[id] {
			o.reported[id] = true
			fresh = append(fresh, c)
		}
	}
	o.mu.Unlock()

	for _, c := range fresh {
		o.logger.LogError(ctx, c.Err(), "reconciliation conflict",
			slog.String("resource", c.Resource),
			slog.String("winner", c.Winner.ID),
			slog.String("loser", c.Loser.Key()))
	}
	if len(fresh) > 0 {
		o.metrics.RecordConflicts(len(fresh))
	}
}

func (o *Orchestrator) collectionError(ctx context.Context, resource string) error {
	failed, err := o.store.ListQueue(ctx, synckit.QueueFilter{
		Resource: resource,
		States:   []synckit.OpState{synckit.StateFailed},
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(failed) > 0 {
		latest := failed[0]
		for _, op := range failed[1:] {
			if op.CreatedAt.After(latest.CreatedAt) {
				latest = op
			}
		}
		if err := o.failErr[latest.ID]; err != nil {
			return err
		}
		return syncErrors.E(syncErrors.OpSync, syncErrors.Component("orchestrator"),
			map[string]interface{}{"operation_id": latest.ID},
			fmt.Sprintf("%s %s failed: %s", latest.Type, latest.ID, latest.LastError))
	}
	return o.refreshErr[resource]
}

func (o *Orchestrator) isLoading(resource string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loading[resource] > 0
}

func (o *Orchestrator) setLoading(resource string, delta int) {
	o.mu.Lock()
	o.loading[resource] += delta
	if o.loading[resource] <= 0 {
		delete(o.loading, resource)
	}
	o.mu.Unlock()
}

// Refresh pulls the server's records of resource into the store. Records
// with queued writes keep their local state. Offline it does nothing.
func (o *Orchestrator) Refresh(ctx context.Context, resource string) error {
	if !domain.Valid(resource) {
		return syncErrors.NewValidationError(syncErrors.OpList, fmt.Errorf("unknown resource %q", resource))
	}
	if !o.IsOnline() {
		return nil
	}

	o.setLoading(resource, 1)
	o.notify(Change{Kind: ChangeCollection, Resources: []string{resource}, Online: true})
	defer func() {
		o.setLoading(resource, -1)
		o.notify(Change{Kind: ChangeCollection, Resources: []string{resource}, Online: o.IsOnline()})
	}()

	logger := o.logger.WithResource(resource)
	records, err := o.remote.List(ctx, resource)
	if err != nil {
		if syncErrors.IsKind(err, syncErrors.KindNetworkUnavailable) {
			logger.Debug("refresh skipped, server unreachable")
			return err
		}
		o.setRefreshErr(resource, err)
		o.metrics.RecordSyncErrors(string(syncErrors.OpList), string(syncErrors.KindOf(err)))
		return err
	}

	kept, err := reconcile.MergeServer(ctx, o.store, resource, records, o.clock.Now().UTC())
	if err != nil {
		o.setRefreshErr(resource, err)
		return err
	}
	o.setRefreshErr(resource, nil)
	o.metrics.RecordSyncEvents(0, len(records))
	logger.Debug("refreshed",
		slog.Int("records", len(records)),
		slog.Int("kept_local", kept))
	return nil
}

func (o *Orchestrator) setRefreshErr(resource string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.refreshErr, resource)
		return
	}
	o.refreshErr[resource] = err
}

// refreshAll refreshes every resource that has cached records or was named
// in extra.
func (o *Orchestrator) refreshAll(ctx context.Context, extra ...string) error {
	cached, err := o.store.Resources(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	var resources []string
	for _, r := range append(cached, extra...) {
		if domain.Valid(r) && !seen[r] {
			seen[r] = true
			resources = append(resources, r)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, r := range resources {
		g.Go(func() error { return o.Refresh(gctx, r) })
	}
	return g.Wait()
}

// ForceSync drains the queue now and then refreshes every cached resource,
// without waiting out a reconnect debounce. It fails with a
// NetworkUnavailable error while offline.
func (o *Orchestrator) ForceSync(ctx context.Context) error {
	if !o.IsOnline() {
		return syncErrors.NewNetworkError(syncErrors.OpSync, fmt.Errorf("offline"))
	}
	o.queue.Resume()
	res, err := o.queue.Drain(ctx)
	if err != nil {
		return err
	}
	return o.refreshAll(ctx, res.Resources...)
}

// Stats derives queue and cache statistics from the store.
func (o *Orchestrator) Stats(ctx context.Context) (synckit.SyncStats, error) {
	return synckit.Stats(ctx, o.store)
}

// QueuedCount is the number of pending operations.
func (o *Orchestrator) QueuedCount(ctx context.Context) (int, error) {
	counts, err := o.queue.Counts(ctx)
	if err != nil {
		return 0, err
	}
	return counts.Total(), nil
}
