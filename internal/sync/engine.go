// Package sync reconciles inbound domain events against the local
// catalog projection.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/microvideo/catalog-sync/internal/catalog"
	"github.com/microvideo/catalog-sync/internal/validator"
	"github.com/microvideo/catalog-sync/pkg/metrics"
)

// Action is the event verb carried in the third routing-key segment.
type Action string

const (
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionDeleted  Action = "deleted"
	ActionAttached Action = "attached"
	ActionUnknown  Action = ""
)

// ActionFromRoutingKey derives the Action from a key of the shape
// model.<modelName>.<action>. Anything else maps to ActionUnknown.
func ActionFromRoutingKey(key string) Action {
	parts := strings.Split(key, ".")
	if len(parts) < 3 {
		return ActionUnknown
	}
	switch a := Action(parts[2]); a {
	case ActionCreated, ActionUpdated, ActionDeleted, ActionAttached:
		return a
	default:
		return ActionUnknown
	}
}

// Engine turns one routed event into an idempotent repository mutation.
type Engine struct {
	validator *validator.Validator
	logger    *slog.Logger
}

func NewEngine(v *validator.Validator, logger *slog.Logger) *Engine {
	return &Engine{validator: v, logger: logger}
}

// Sync validates and applies one entity event. Unknown actions are
// no-ops; validation failures are fatal for the single message and
// propagate to the gateway.
func (e *Engine) Sync(ctx context.Context, repo catalog.Repository, data map[string]any, routingKey string) (err error) {
	model := repo.Model()
	action := ActionFromRoutingKey(routingKey)

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.SyncDuration.WithLabelValues(status, model.Name, string(action)).Observe(time.Since(start).Seconds())
		metrics.SyncOperations.WithLabelValues(status, model.Name, string(action)).Inc()
	}()

	entity := model.Project(data)
	id := catalog.EntityID(data)

	l := e.logger.With("model", model.Name, "action", string(action), "id", id)

	switch action {
	case ActionCreated:
		if err = e.validator.Validate(model, entity, false); err != nil {
			return err
		}
		err = repo.Create(ctx, entity)

	case ActionUpdated:
		err = e.updateOrCreate(ctx, repo, id, entity)

	case ActionDeleted:
		// Idempotent: deleting an absent id is fine.
		err = repo.DeleteByID(ctx, id)

	default:
		l.Debug("Ignoring event with unknown action", "routing_key", routingKey)
		return nil
	}

	if err != nil {
		return err
	}
	l.Debug("Event reconciled")
	return nil
}

// updateOrCreate falls back to a full-validation create when the row
// has never been seen, healing missed or out-of-order created events.
func (e *Engine) updateOrCreate(ctx context.Context, repo catalog.Repository, id string, entity catalog.Entity) error {
	exists, err := repo.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("existence check failed: %v", err)
	}

	if err := e.validator.Validate(repo.Model(), entity, exists); err != nil {
		return err
	}

	if exists {
		return repo.UpdateByID(ctx, id, entity)
	}
	return repo.Create(ctx, entity)
}

// SyncRelations resolves the requested relation ids and attaches the
// projected entities to the owning document. Resolution is
// all-or-nothing: one dangling id fails the whole event, because a
// partially attached set would silently corrupt referential integrity.
func (e *Engine) SyncRelations(ctx context.Context, repo catalog.Repository, relRepo catalog.Repository, id string, relation string, relationIDs []string, routingKey string) error {
	if ActionFromRoutingKey(routingKey) != ActionAttached {
		return nil
	}
	if id == "" || len(relationIDs) == 0 {
		return fmt.Errorf("relation event for %s.%s carries no ids", repo.Model().Name, relation)
	}

	rel, ok := repo.Model().Relations[relation]
	if !ok {
		return fmt.Errorf("model %s declares no relation %s", repo.Model().Name, relation)
	}

	found, err := relRepo.FindByIDs(ctx, relationIDs, rel.Fields)
	if err != nil {
		return err
	}

	if missing := missingIDs(relationIDs, found); len(missing) > 0 {
		return &catalog.EntityNotFoundError{Model: relRepo.Model().Name, IDs: missing}
	}

	return repo.Attach(ctx, id, relation, found)
}

func missingIDs(requested []string, found []catalog.Entity) []string {
	resolved := make(map[string]bool, len(found))
	for _, entity := range found {
		resolved[catalog.EntityID(entity)] = true
	}

	var missing []string
	for _, id := range requested {
		if !resolved[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
