// Command fixtures wipes the projection store and seeds it with the
// reference catalog documents used by local development and smoke tests.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/microvideo/catalog-sync/internal/catalog"
	"github.com/microvideo/catalog-sync/internal/config"
	"github.com/microvideo/catalog-sync/internal/validator"
	"github.com/microvideo/catalog-sync/pkg/infra"
)

var fixtures = []struct {
	model  catalog.Model
	fields catalog.Entity
}{
	{
		model: catalog.Category,
		fields: catalog.Entity{
			"id":          "1-cat",
			"name":        "Filme",
			"description": nil,
			"is_active":   true,
			"created_at":  "2020-06-02T00:00:00+0000",
			"updated_at":  "2020-06-02T00:00:00+0000",
		},
	},
	{
		model: catalog.Category,
		fields: catalog.Entity{
			"id":          "2-cat",
			"name":        "Documentario",
			"description": nil,
			"is_active":   false,
			"created_at":  "2020-06-02T00:00:01+0000",
			"updated_at":  "2020-06-02T00:00:01+0000",
		},
	},
	{
		model: catalog.Category,
		fields: catalog.Entity{
			"id":          "3-cat",
			"name":        "Infantil",
			"description": "Infantil",
			"is_active":   true,
			"created_at":  "2020-06-02T00:00:02+0000",
			"updated_at":  "2020-06-02T00:00:02+0000",
		},
	},
}

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()

	pool, err := catalog.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("CRITICAL: Postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	valid, err := validator.New(catalog.Models()...)
	if err != nil {
		logger.Error("CRITICAL: schema compilation failed", "error", err)
		os.Exit(1)
	}

	repos := make(map[string]*catalog.PostgresRepository)
	for _, m := range catalog.Models() {
		repo := catalog.NewPostgresRepository(pool, m)
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Error("CRITICAL: failed to prepare projection table", "table", m.Table, "error", err)
			os.Exit(1)
		}
		if err := repo.Truncate(ctx); err != nil {
			logger.Error("CRITICAL: failed to wipe projection table", "table", m.Table, "error", err)
			os.Exit(1)
		}
		repos[m.Name] = repo
	}
	logger.Info("Projection store wiped")

	for _, fixture := range fixtures {
		if err := valid.Validate(fixture.model, fixture.fields, false); err != nil {
			logger.Error("Fixture rejected by schema", "model", fixture.model.Name, "error", err)
			os.Exit(1)
		}
		if err := repos[fixture.model.Name].Create(ctx, fixture.fields); err != nil {
			logger.Error("Failed to seed fixture", "model", fixture.model.Name, "error", err)
			os.Exit(1)
		}
	}

	logger.Info("Fixture documents generated", "count", len(fixtures))
}
