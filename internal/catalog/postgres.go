package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool builds and pings a pgx pool for the projection store.
func NewPostgresPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("no response from postgres: %w", err)
	}

	return p, nil
}

// PostgresRepository stores one JSONB document per entity. The upstream
// admin service is authoritative, so the table is a pure projection and
// whole-document writes are sufficient.
type PostgresRepository struct {
	pool  *pgxpool.Pool
	model Model
}

func NewPostgresRepository(pool *pgxpool.Pool, model Model) *PostgresRepository {
	return &PostgresRepository{pool: pool, model: model}
}

func (r *PostgresRepository) Model() Model { return r.model }

// EnsureSchema creates the projection table if it does not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         text PRIMARY KEY,
			document   jsonb NOT NULL,
			synced_at  timestamptz NOT NULL DEFAULT now()
		)
	`, r.model.Table)

	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure table %s: %w", r.model.Table, err)
	}
	return nil
}

// Truncate removes every document. Used by the fixtures command only.
func (r *PostgresRepository) Truncate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, fmt.Sprintf("TRUNCATE %s", r.model.Table)); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", r.model.Table, err)
	}
	return nil
}

// Create upserts the document so redelivered created events converge.
func (r *PostgresRepository) Create(ctx context.Context, entity Entity) error {
	doc, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to serialize %s document: %w", r.model.Name, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, document) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, synced_at = now()
	`, r.model.Table)

	if _, err := r.pool.Exec(ctx, query, EntityID(entity), string(doc)); err != nil {
		return fmt.Errorf("failed to create %s document: %w", r.model.Name, err)
	}
	return nil
}

// UpdateByID merges the given fields into the stored document.
func (r *PostgresRepository) UpdateByID(ctx context.Context, id string, entity Entity) error {
	doc, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to serialize %s document: %w", r.model.Name, err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET document = document || $2::jsonb, synced_at = now() WHERE id = $1
	`, r.model.Table)

	tag, err := r.pool.Exec(ctx, query, id, string(doc))
	if err != nil {
		return fmt.Errorf("failed to update %s document: %w", r.model.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return &EntityNotFoundError{Model: r.model.Name, IDs: []string{id}}
	}
	return nil
}

func (r *PostgresRepository) DeleteByID(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", r.model.Table)
	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s document: %w", r.model.Name, err)
	}
	return nil
}

func (r *PostgresRepository) Exists(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", r.model.Table)

	var exists bool
	if err := r.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed existence check on %s: %w", r.model.Name, err)
	}
	return exists, nil
}

func (r *PostgresRepository) FindByIDs(ctx context.Context, ids []string, fields []string) ([]Entity, error) {
	query := fmt.Sprintf("SELECT id, document FROM %s WHERE id = ANY($1)", r.model.Table)

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s documents: %w", r.model.Name, err)
	}
	defer rows.Close()

	byID := make(map[string]Entity, len(ids))
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan %s document: %w", r.model.Name, err)
		}

		var entity Entity
		if err := json.Unmarshal(doc, &entity); err != nil {
			return nil, fmt.Errorf("corrupt %s document id=%s: %w", r.model.Name, id, err)
		}
		byID[id] = ProjectFields(entity, fields)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading %s documents: %w", r.model.Name, err)
	}

	// Preserve request order; unresolved ids are simply absent.
	found := make([]Entity, 0, len(byID))
	for _, id := range ids {
		if entity, ok := byID[id]; ok {
			found = append(found, entity)
		}
	}
	return found, nil
}

func (r *PostgresRepository) Attach(ctx context.Context, id string, relation string, related []Entity) error {
	doc, err := json.Marshal(related)
	if err != nil {
		return fmt.Errorf("failed to serialize %s relation set: %w", r.model.Name, err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET document = jsonb_set(document, $2::text[], $3::jsonb, true), synced_at = now()
		WHERE id = $1
	`, r.model.Table)

	tag, err := r.pool.Exec(ctx, query, id, []string{relation}, string(doc))
	if err != nil {
		return fmt.Errorf("failed to attach %s on %s: %w", relation, r.model.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return &EntityNotFoundError{Model: r.model.Name, IDs: []string{id}}
	}
	return nil
}

// RefreshRelation rewrites the embedded copy of the related entity in
// every document whose relation array references its id.
func (r *PostgresRepository) RefreshRelation(ctx context.Context, relation string, related Entity) error {
	doc, err := json.Marshal(related)
	if err != nil {
		return fmt.Errorf("failed to serialize embedded %s entry: %w", relation, err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET document = jsonb_set(document, $2::text[], (
			SELECT jsonb_agg(CASE WHEN elem->>'id' = $1 THEN $3::jsonb ELSE elem END)
			FROM jsonb_array_elements(document->$4) elem
		), false), synced_at = now()
		WHERE document->$4 @> jsonb_build_array(jsonb_build_object('id', $1::text))
	`, r.model.Table)

	relID := EntityID(related)
	if _, err := r.pool.Exec(ctx, query, relID, []string{relation}, string(doc), relation); err != nil {
		return fmt.Errorf("failed to refresh %s entries on %s: %w", relation, r.model.Name, err)
	}
	return nil
}
