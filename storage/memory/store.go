// Package memory provides an in-process implementation of the synckit local
// store and response cache. Nothing survives a restart; it backs tests and
// the ephemeral mode of the CLI.
package memory

import (
	"context"
	"fmt"
	"sort"
	stdSync "sync"
	"time"

	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/synckit"
)

const component = "storage/memory"

// Option configures a Store.
type Option func(*Store)

// WithMaxEntities caps the number of cached entities across resources.
// Zero means unlimited.
func WithMaxEntities(n int) Option {
	return func(s *Store) { s.maxEntities = n }
}

// Store is a LocalStore and CacheStorage guarded by a single RWMutex, which
// makes every call atomic.
type Store struct {
	mu          stdSync.RWMutex
	closed      bool
	maxEntities int

	entities  map[string]map[string]synckit.CachedEntity
	queue     map[string]synckit.QueuedOperation
	responses map[string]map[string]synckit.CachedResponse
	lastSync  time.Time
}

var (
	_ synckit.LocalStore   = (*Store)(nil)
	_ synckit.CacheStorage = (*Store)(nil)
)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entities:  make(map[string]map[string]synckit.CachedEntity),
		queue:     make(map[string]synckit.QueuedOperation),
		responses: make(map[string]map[string]synckit.CachedResponse),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) checkOpen(op string) error {
	if s.closed {
		return syncErrors.E(syncErrors.Op(op), syncErrors.Component(component), syncErrors.KindInternal, "store is closed")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, resource string) ([]synckit.CachedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("memory.Get"); err != nil {
		return nil, err
	}

	coll := s.entities[resource]
	out := make([]synckit.CachedEntity, 0, len(coll))
	for _, e := range coll {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *Store) Put(ctx context.Context, resource string, e synckit.CachedEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory.Put"); err != nil {
		return err
	}

	key := e.Key()
	if key == "" {
		return syncErrors.E(syncErrors.Op("memory.Put"), syncErrors.Component(component), syncErrors.KindInvalid, "entity has neither id nor client id")
	}

	coll, ok := s.entities[resource]
	if !ok {
		coll = make(map[string]synckit.CachedEntity)
		s.entities[resource] = coll
	}

	if _, exists := coll[key]; !exists {
		if s.maxEntities > 0 && s.countLocked() >= s.maxEntities {
			return syncErrors.NewQuotaError(syncErrors.OpStore, fmt.Errorf("entity limit %d reached", s.maxEntities))
		}
	}

	e.Resource = resource
	coll[key] = e.Clone()
	return nil
}

func (s *Store) countLocked() int {
	n := 0
	for _, coll := range s.entities {
		n += len(coll)
	}
	return n
}

func (s *Store) Remove(ctx context.Context, resource, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory.Remove"); err != nil {
		return err
	}

	coll := s.entities[resource]
	for k, e := range coll {
		if k == key || e.ID == key {
			delete(coll, k)
		}
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, op synckit.QueuedOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory.Enqueue"); err != nil {
		return err
	}
	if op.ID == "" {
		return syncErrors.E(syncErrors.Op("memory.Enqueue"), syncErrors.Component(component), syncErrors.KindInvalid, "operation id is required")
	}
	if _, exists := s.queue[op.ID]; exists {
		return syncErrors.E(syncErrors.Op("memory.Enqueue"), syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Sprintf("operation %s already queued", op.ID))
	}
	if op.State == "" {
		op.State = synckit.StatePending
	}
	s.queue[op.ID] = op
	return nil
}

func (s *Store) Dequeue(ctx context.Context, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory.Dequeue"); err != nil {
		return err
	}
	delete(s.queue, opID)
	return nil
}

func (s *Store) ListQueue(ctx context.Context, filter synckit.QueueFilter) ([]synckit.QueuedOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("memory.ListQueue"); err != nil {
		return nil, err
	}

	out := make([]synckit.QueuedOperation, 0, len(s.queue))
	for _, op := range s.queue {
		if filter.Match(op) {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return synckit.QueueLess(out[i], out[j]) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetOperation(ctx context.Context, opID string) (synckit.QueuedOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("memory.GetOperation"); err != nil {
		return synckit.QueuedOperation{}, err
	}
	op, ok := s.queue[opID]
	if !ok {
		return op, syncErrors.E(syncErrors.Op("memory.GetOperation"), syncErrors.Component(component), syncErrors.KindNotFound,
			fmt.Sprintf("operation %s not found", opID))
	}
	return op, nil
}

func (s *Store) UpdateOperation(ctx context.Context, op synckit.QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory.UpdateOperation"); err != nil {
		return err
	}
	if _, ok := s.queue[op.ID]; !ok {
		return syncErrors.E(syncErrors.Op("memory.UpdateOperation"), syncErrors.Component(component), syncErrors.KindNotFound,
			fmt.Sprintf("operation %s not found", op.ID))
	}
	s.queue[op.ID] = op
	return nil
}

func (s *Store) ClaimOperation(ctx context.Context, opID string, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory.ClaimOperation"); err != nil {
		return false, err
	}
	op, ok := s.queue[opID]
	if !ok || op.State != synckit.StatePending {
		return false, nil
	}
	op.State = synckit.StateInFlight
	op.LeaseUntil = leaseUntil
	s.queue[opID] = op
	return true, nil
}

func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory.ReleaseExpired"); err != nil {
		return 0, err
	}
	n := 0
	for id, op := range s.queue {
		if op.State == synckit.StateInFlight && op.LeaseUntil.Before(now) {
			op.State = synckit.StatePending
			op.LeaseUntil = time.Time{}
			s.queue[id] = op
			n++
		}
	}
	return n, nil
}

func (s *Store) EvictOldest(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory.EvictOldest"); err != nil {
		return "", "", err
	}

	var (
		found             bool
		oldest            time.Time
		resource, oldestK string
	)
	for r, coll := range s.entities {
		for k, e := range coll {
			if !e.Synced {
				continue
			}
			if !found || e.UpdatedAt.Before(oldest) {
				found, oldest, resource, oldestK = true, e.UpdatedAt, r, k
			}
		}
	}
	if !found {
		return "", "", syncErrors.E(syncErrors.Op("memory.EvictOldest"), syncErrors.Component(component), syncErrors.KindNotFound, "no evictable entity")
	}
	delete(s.entities[resource], oldestK)
	return resource, oldestK, nil
}

func (s *Store) Resources(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("memory.Resources"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.entities))
	for r, coll := range s.entities {
		if len(coll) > 0 {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) LastSyncAt(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync, s.checkOpen("memory.LastSyncAt")
}

func (s *Store) SetLastSyncAt(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory.SetLastSyncAt"); err != nil {
		return err
	}
	s.lastSync = t
	return nil
}

func (s *Store) Match(ctx context.Context, partition, key string) (*synckit.CachedResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("memory.Match"); err != nil {
		return nil, err
	}
	resp, ok := s.responses[partition][key]
	if !ok {
		return nil, nil
	}
	cp := resp
	cp.Header = resp.Header.Clone()
	cp.Body = append([]byte(nil), resp.Body...)
	return &cp, nil
}

func (s *Store) PutResponse(ctx context.Context, resp synckit.CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory.PutResponse"); err != nil {
		return err
	}
	p, ok := s.responses[resp.Partition]
	if !ok {
		p = make(map[string]synckit.CachedResponse)
		s.responses[resp.Partition] = p
	}
	resp.Header = resp.Header.Clone()
	resp.Body = append([]byte(nil), resp.Body...)
	p[resp.Key] = resp
	return nil
}

func (s *Store) DeletePartition(ctx context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("memory.DeletePartition"); err != nil {
		return err
	}
	delete(s.responses, partition)
	return nil
}

func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("memory.Partitions"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.responses))
	for p := range s.responses {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Close marks the store closed. Subsequent calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
