package server

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dukafiti/dukasync/internal/clock"
)

type idemEntry struct {
	resource string
	recordID string
	op       string
}

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]map[string]Record
	keys    map[string]idemEntry
	clock   clock.Clock
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository. A nil clock uses the
// wall clock.
func NewMemoryRepository(c clock.Clock) *MemoryRepository {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryRepository{
		records: make(map[string]map[string]Record),
		keys:    make(map[string]idemEntry),
		clock:   c,
	}
}

func (m *MemoryRepository) List(ctx context.Context, resource string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records[resource]))
	for _, r := range m.records[resource] {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryRepository) Get(ctx context.Context, resource, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[resource][id]
	if !ok {
		return Record{}, notFound("memory-repository", resource, id)
	}
	return copyRecord(r), nil
}

func (m *MemoryRepository) Create(ctx context.Context, resource, key string, data map[string]any) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.keys[key]; ok && key != "" {
		if e.resource != resource || e.op != "create" {
			return Record{}, false, keyReused("memory-repository", key, resource)
		}
		r, ok := m.records[resource][e.recordID]
		if !ok {
			// Created, then deleted by a later request.
			return Record{}, false, notFound("memory-repository", resource, e.recordID)
		}
		return copyRecord(r), false, nil
	}

	now := m.clock.Now().UTC()
	r := Record{
		ID:        uuid.NewString(),
		Resource:  resource,
		Data:      cleanPayload(data),
		CreatedAt: now,
		UpdatedAt: now,
	}
	coll, ok := m.records[resource]
	if !ok {
		coll = make(map[string]Record)
		m.records[resource] = coll
	}
	coll[r.ID] = r
	if key != "" {
		m.keys[key] = idemEntry{resource: resource, recordID: r.ID, op: "create"}
	}
	return copyRecord(r), true, nil
}

func (m *MemoryRepository) Update(ctx context.Context, resource, id, key string, patch map[string]any) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[resource][id]
	if !ok {
		return Record{}, notFound("memory-repository", resource, id)
	}
	if e, seen := m.keys[key]; seen && key != "" {
		if e.resource != resource || e.recordID != id || e.op != "update" {
			return Record{}, keyReused("memory-repository", key, resource)
		}
		return copyRecord(r), nil
	}

	r = copyRecord(r)
	for k, v := range cleanPayload(patch) {
		r.Data[k] = v
	}
	r.UpdatedAt = m.clock.Now().UTC()
	m.records[resource][id] = r
	if key != "" {
		m.keys[key] = idemEntry{resource: resource, recordID: id, op: "update"}
	}
	return copyRecord(r), nil
}

func (m *MemoryRepository) Delete(ctx context.Context, resource, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, seen := m.keys[key]; seen && key != "" {
		if e.resource != resource || e.recordID != id || e.op != "delete" {
			return keyReused("memory-repository", key, resource)
		}
		return nil
	}
	if _, ok := m.records[resource][id]; !ok {
		return notFound("memory-repository", resource, id)
	}
	delete(m.records[resource], id)
	if key != "" {
		m.keys[key] = idemEntry{resource: resource, recordID: id, op: "delete"}
	}
	return nil
}

func (m *MemoryRepository) Close() error { return nil }

func copyRecord(r Record) Record {
	c := r
	c.Data = make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		c.Data[k] = v
	}
	return c
}
