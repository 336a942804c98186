package catalog

import (
	"context"
	"maps"
	"sync"
)

// MemoryRepository is a thread-safe in-memory Repository. It backs the
// test suites and the fixtures dry-run mode; semantics match the
// Postgres implementation.
type MemoryRepository struct {
	model Model
	mu    sync.RWMutex
	rows  map[string]Entity
}

func NewMemoryRepository(model Model) *MemoryRepository {
	return &MemoryRepository{
		model: model,
		rows:  make(map[string]Entity),
	}
}

func (r *MemoryRepository) Model() Model { return r.model }

// Create upserts the document. Redelivered created events must converge
// on the same row rather than fail.
func (r *MemoryRepository) Create(_ context.Context, entity Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[EntityID(entity)] = maps.Clone(entity)
	return nil
}

func (r *MemoryRepository) UpdateByID(_ context.Context, id string, entity Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return &EntityNotFoundError{Model: r.model.Name, IDs: []string{id}}
	}
	maps.Copy(row, entity)
	return nil
}

// DeleteByID is idempotent: deleting an absent id is not an error.
func (r *MemoryRepository) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *MemoryRepository) Exists(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rows[id]
	return ok, nil
}

// FindByIDs returns the projected documents for the ids that resolve,
// in request order. Missing ids are simply absent from the result.
func (r *MemoryRepository) FindByIDs(_ context.Context, ids []string, fields []string) ([]Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := make([]Entity, 0, len(ids))
	for _, id := range ids {
		if row, ok := r.rows[id]; ok {
			found = append(found, ProjectFields(row, fields))
		}
	}
	return found, nil
}

func (r *MemoryRepository) Attach(_ context.Context, id string, relation string, related []Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return &EntityNotFoundError{Model: r.model.Name, IDs: []string{id}}
	}

	copies := make([]any, 0, len(related))
	for _, rel := range related {
		copies = append(copies, maps.Clone(rel))
	}
	row[relation] = copies
	return nil
}

// RefreshRelation replaces the embedded copy of the related entity in
// every document whose relation set contains its id.
func (r *MemoryRepository) RefreshRelation(_ context.Context, relation string, related Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	relID := EntityID(related)
	for _, row := range r.rows {
		embedded, ok := row[relation].([]any)
		if !ok {
			continue
		}
		for i, item := range embedded {
			entry, ok := item.(Entity)
			if ok && EntityID(entry) == relID {
				embedded[i] = maps.Clone(related)
			}
		}
	}
	return nil
}
