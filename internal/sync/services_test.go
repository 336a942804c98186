package sync_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microvideo/catalog-sync/internal/broker"
	"github.com/microvideo/catalog-sync/internal/catalog"
	csync "github.com/microvideo/catalog-sync/internal/sync"
)

type serviceFixture struct {
	engine      *csync.Engine
	categories  *catalog.MemoryRepository
	genres      *catalog.MemoryRepository
	castMembers *catalog.MemoryRepository
	registry    *broker.Registry
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		engine:      newTestEngine(t),
		categories:  catalog.NewMemoryRepository(catalog.Category),
		genres:      catalog.NewMemoryRepository(catalog.Genre),
		castMembers: catalog.NewMemoryRepository(catalog.CastMember),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.registry = broker.NewRegistry()
	f.registry.Register(csync.NewCategoryService(f.engine, f.categories, f.genres, logger).Subscriptions()...)
	f.registry.Register(csync.NewGenreService(f.engine, f.genres, f.categories).Subscriptions()...)
	f.registry.Register(csync.NewCastMemberService(f.engine, f.castMembers).Subscriptions()...)
	return f
}

// deliver routes a message to the subscription whose queue would have
// received it, mirroring the gateway's binding behavior.
func (f *serviceFixture) deliver(t *testing.T, queue, routingKey string, data map[string]any) (broker.Response, error) {
	t.Helper()
	for _, sub := range f.registry.Subscriptions() {
		if sub.Queue == queue {
			return sub.Handler(context.Background(), broker.Message{Data: data, RoutingKey: routingKey})
		}
	}
	t.Fatalf("no subscription for queue %s", queue)
	return 0, nil
}

func TestRegistry_DeclaresTheWireContract(t *testing.T) {
	f := newServiceFixture(t)

	queues := make(map[string][]string)
	for _, sub := range f.registry.Subscriptions() {
		assert.Equal(t, "amq.topic", sub.Exchange)
		assert.Equal(t, "dlx.amq.topic", sub.QueueArgs["x-dead-letter-exchange"])
		queues[sub.Queue] = sub.RoutingKeys
	}

	assert.Equal(t, map[string][]string{
		"micro-catalog/sync-videos/category":         {"model.category.*"},
		"micro-catalog/sync-videos/genre":            {"model.genre.*"},
		"micro-catalog/sync-videos/genre_categories": {"model.genre_categories.*"},
		"micro-catalog/sync-videos/cast_member":      {"model.cast_member.*"},
	}, queues)
}

func TestCategoryLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.deliver(t, "micro-catalog/sync-videos/category", "model.category.created",
		categoryPayload("1-cat", "Filme"))
	require.NoError(t, err)
	assert.Equal(t, broker.ResponseAck, resp)

	exists, err := f.categories.Exists(ctx, "1-cat")
	require.NoError(t, err)
	assert.True(t, exists)

	resp, err = f.deliver(t, "micro-catalog/sync-videos/category", "model.category.deleted",
		map[string]any{"id": "1-cat"})
	require.NoError(t, err)
	assert.Equal(t, broker.ResponseAck, resp)

	exists, err = f.categories.Exists(ctx, "1-cat")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGenreCategoriesAttached(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	seedGenreWithCategories(t, f.engine, f.genres, f.categories, "1-cat", "2-cat")

	resp, err := f.deliver(t, "micro-catalog/sync-videos/genre_categories", "model.genre_categories.attached",
		map[string]any{"id": "g1", "relation_ids": []any{"1-cat", "2-cat"}})
	require.NoError(t, err)
	assert.Equal(t, broker.ResponseAck, resp)

	rows, err := f.genres.FindByIDs(ctx, []string{"g1"}, []string{"categories"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	attached, ok := rows[0]["categories"].([]any)
	require.True(t, ok)
	assert.Len(t, attached, 2)
}

func TestGenreCategoriesAttached_DanglingReference(t *testing.T) {
	f := newServiceFixture(t)

	seedGenreWithCategories(t, f.engine, f.genres, f.categories, "1-cat")

	_, err := f.deliver(t, "micro-catalog/sync-videos/genre_categories", "model.genre_categories.attached",
		map[string]any{"id": "g1", "relation_ids": []any{"1-cat", "nope"}})

	var nf *catalog.EntityNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestGenreCategories_NilPayload(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.deliver(t, "micro-catalog/sync-videos/genre_categories", "model.genre_categories.attached", nil)
	require.Error(t, err)
}

func TestCategoryUpdate_RefreshesEmbeddedCopies(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	seedGenreWithCategories(t, f.engine, f.genres, f.categories, "1-cat")
	require.NoError(t, f.engine.SyncRelations(ctx, f.genres, f.categories, "g1", "categories",
		[]string{"1-cat"}, "model.genre_categories.attached"))

	resp, err := f.deliver(t, "micro-catalog/sync-videos/category", "model.category.updated",
		map[string]any{"id": "1-cat", "name": "Cinema"})
	require.NoError(t, err)
	assert.Equal(t, broker.ResponseAck, resp)

	rows, err := f.genres.FindByIDs(ctx, []string{"g1"}, []string{"categories"})
	require.NoError(t, err)
	attached, ok := rows[0]["categories"].([]any)
	require.True(t, ok)
	require.Len(t, attached, 1)

	embedded, ok := attached[0].(catalog.Entity)
	require.True(t, ok)
	assert.Equal(t, "Cinema", embedded["name"])
}

func TestCastMemberCreated(t *testing.T) {
	f := newServiceFixture(t)

	resp, err := f.deliver(t, "micro-catalog/sync-videos/cast_member", "model.cast_member.created",
		map[string]any{
			"id":         "cm1",
			"name":       "Mary",
			"type":       1,
			"created_at": "2020-06-02T00:00:00+0000",
			"updated_at": "2020-06-02T00:00:00+0000",
		})
	require.NoError(t, err)
	assert.Equal(t, broker.ResponseAck, resp)

	exists, err := f.castMembers.Exists(context.Background(), "cm1")
	require.NoError(t, err)
	assert.True(t, exists)
}
