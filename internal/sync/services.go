package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/microvideo/catalog-sync/internal/broker"
	"github.com/microvideo/catalog-sync/internal/catalog"
)

// Exchange and queue names are part of the wire contract with the
// upstream admin service and must not change.
const (
	SyncExchange       = "amq.topic"
	DeadLetterExchange = "dlx.amq.topic"
	DeadLetterQueue    = "dlx.sync-videos"
)

// Topology declares the exchanges and the parked dead-letter queue.
// Rejected messages bounce: primary queue -> dlx.amq.topic ->
// dlx.sync-videos (TTL) -> amq.topic -> primary queue, incrementing the
// x-death count each cycle until the gateway drops them.
func Topology(deadLetterTTL time.Duration) ([]broker.ExchangeConfig, []broker.QueueConfig) {
	exchanges := []broker.ExchangeConfig{
		{Name: SyncExchange, Kind: "topic"},
		{Name: DeadLetterExchange, Kind: "topic"},
	}
	queues := []broker.QueueConfig{
		{
			Name:       DeadLetterQueue,
			Exchange:   DeadLetterExchange,
			RoutingKey: "model.#",
			Args: amqp.Table{
				"x-dead-letter-exchange": SyncExchange,
				"x-message-ttl":          deadLetterTTL.Milliseconds(),
			},
		},
	}
	return exchanges, queues
}

func deadLetterArgs() amqp.Table {
	return amqp.Table{"x-dead-letter-exchange": DeadLetterExchange}
}

// CategoryService consumes category events. Updates additionally
// refresh the category copies embedded in genre documents.
type CategoryService struct {
	engine     *Engine
	categories catalog.Repository
	genres     catalog.Repository
	logger     *slog.Logger
}

func NewCategoryService(engine *Engine, categories, genres catalog.Repository, logger *slog.Logger) *CategoryService {
	return &CategoryService{engine: engine, categories: categories, genres: genres, logger: logger}
}

func (s *CategoryService) Subscriptions() []broker.Subscription {
	return []broker.Subscription{{
		Exchange:    SyncExchange,
		Queue:       "micro-catalog/sync-videos/category",
		RoutingKeys: []string{"model.category.*"},
		QueueArgs:   deadLetterArgs(),
		Handler:     s.handle,
	}}
}

func (s *CategoryService) handle(ctx context.Context, msg broker.Message) (broker.Response, error) {
	if err := s.engine.Sync(ctx, s.categories, msg.Data, msg.RoutingKey); err != nil {
		return broker.ResponseReject, err
	}

	if ActionFromRoutingKey(msg.RoutingKey) == ActionUpdated {
		// The primary write already landed; a propagation failure must
		// not nack the message and replay the whole event.
		if err := s.propagate(ctx, msg.Data); err != nil {
			s.logger.Error("Failed to refresh embedded category copies",
				"id", catalog.EntityID(msg.Data),
				"error", err,
			)
		}
	}
	return broker.ResponseAck, nil
}

func (s *CategoryService) propagate(ctx context.Context, data map[string]any) error {
	rel, ok := s.genres.Model().Relations["categories"]
	if !ok {
		return nil
	}
	return s.genres.RefreshRelation(ctx, rel.Name, catalog.ProjectFields(data, rel.Fields))
}

// GenreService consumes genre entity events and genre_categories
// relation events.
type GenreService struct {
	engine     *Engine
	genres     catalog.Repository
	categories catalog.Repository
}

func NewGenreService(engine *Engine, genres, categories catalog.Repository) *GenreService {
	return &GenreService{engine: engine, genres: genres, categories: categories}
}

func (s *GenreService) Subscriptions() []broker.Subscription {
	return []broker.Subscription{
		{
			Exchange:    SyncExchange,
			Queue:       "micro-catalog/sync-videos/genre",
			RoutingKeys: []string{"model.genre.*"},
			QueueArgs:   deadLetterArgs(),
			Handler:     s.handle,
		},
		{
			Exchange:    SyncExchange,
			Queue:       "micro-catalog/sync-videos/genre_categories",
			RoutingKeys: []string{"model.genre_categories.*"},
			QueueArgs:   deadLetterArgs(),
			Handler:     s.handleCategories,
		},
	}
}

func (s *GenreService) handle(ctx context.Context, msg broker.Message) (broker.Response, error) {
	if err := s.engine.Sync(ctx, s.genres, msg.Data, msg.RoutingKey); err != nil {
		return broker.ResponseReject, err
	}
	return broker.ResponseAck, nil
}

func (s *GenreService) handleCategories(ctx context.Context, msg broker.Message) (broker.Response, error) {
	if msg.Data == nil {
		return broker.ResponseReject, fmt.Errorf("genre_categories event carries no payload")
	}

	err := s.engine.SyncRelations(ctx,
		s.genres,
		s.categories,
		catalog.EntityID(msg.Data),
		"categories",
		stringSlice(msg.Data["relation_ids"]),
		msg.RoutingKey,
	)
	if err != nil {
		return broker.ResponseReject, err
	}
	return broker.ResponseAck, nil
}

// CastMemberService consumes cast member events.
type CastMemberService struct {
	engine      *Engine
	castMembers catalog.Repository
}

func NewCastMemberService(engine *Engine, castMembers catalog.Repository) *CastMemberService {
	return &CastMemberService{engine: engine, castMembers: castMembers}
}

func (s *CastMemberService) Subscriptions() []broker.Subscription {
	return []broker.Subscription{{
		Exchange:    SyncExchange,
		Queue:       "micro-catalog/sync-videos/cast_member",
		RoutingKeys: []string{"model.cast_member.*"},
		QueueArgs:   deadLetterArgs(),
		Handler:     s.handle,
	}}
}

func (s *CastMemberService) handle(ctx context.Context, msg broker.Message) (broker.Response, error) {
	if err := s.engine.Sync(ctx, s.castMembers, msg.Data, msg.RoutingKey); err != nil {
		return broker.ResponseReject, err
	}
	return broker.ResponseAck, nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
