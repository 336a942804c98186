package catalog

import (
	"context"
	"fmt"
	"strings"
)

// Entity is one catalog document keyed by field name. Ids are assigned
// upstream; this service never generates them.
type Entity = map[string]any

// Repository is the persistence contract the sync engine mutates. Both
// the Postgres projection store and the in-memory store satisfy it.
type Repository interface {
	Model() Model
	Create(ctx context.Context, entity Entity) error
	UpdateByID(ctx context.Context, id string, entity Entity) error
	DeleteByID(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	FindByIDs(ctx context.Context, ids []string, fields []string) ([]Entity, error)
	Attach(ctx context.Context, id string, relation string, related []Entity) error
	RefreshRelation(ctx context.Context, relation string, related Entity) error
}

// EntityNotFoundError reports ids that could not be resolved against a
// repository. It is the fail-fast signal for dangling relation references.
type EntityNotFoundError struct {
	Model string
	IDs   []string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity not found in %s: ids=[%s]", e.Model, strings.Join(e.IDs, ", "))
}

// EntityID extracts the string id of an entity, empty when absent.
func EntityID(entity Entity) string {
	id, _ := entity["id"].(string)
	return id
}
