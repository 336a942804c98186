package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/microvideo/catalog-sync/pkg/infra"
	"github.com/microvideo/catalog-sync/pkg/metrics"
)

// DefaultMaxAttempts bounds the dead-letter bounce cycle. Once a message
// has died this many times it is acknowledged and permanently dropped.
const DefaultMaxAttempts = 3

// ConnState is the externally observable state of the broker link.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

// ExchangeConfig declares one exchange of the startup topology.
type ExchangeConfig struct {
	Name string
	Kind string // "topic", "direct" or "fanout"
	Args amqp.Table
}

// QueueConfig declares a standalone queue, optionally bound to an
// exchange. Used for the dead-letter queue, which has no consumer here.
type QueueConfig struct {
	Name       string
	Args       amqp.Table
	Exchange   string
	RoutingKey string
}

// Config is the immutable startup configuration of the gateway.
type Config struct {
	URI            string
	Exchanges      []ExchangeConfig
	Queues         []QueueConfig
	DefaultOnError Response
	MaxAttempts    int64
}

// Gateway owns the RabbitMQ connection, materializes the topology,
// binds the registered subscriptions and runs one consume loop per
// bound queue. Connection loss never crashes the process; the gateway
// reconnects with backoff and re-establishes all bindings.
type Gateway struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger
	backoff  *infra.Backoff

	state    atomic.Int32
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewGateway(cfg Config, registry *Registry, logger *slog.Logger) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		backoff:  infra.NewBackoff(1*time.Second, 60*time.Second, 2.0),
	}
}

// Start validates the registered subscriptions against the topology and
// launches the managed connection loop. It must be called once per
// process; the caller owns that invariant.
func (g *Gateway) Start(ctx context.Context) error {
	declared := make(map[string]bool, len(g.cfg.Exchanges))
	for _, ex := range g.cfg.Exchanges {
		declared[ex.Name] = true
	}
	for _, sub := range g.registry.Subscriptions() {
		if !declared[sub.Exchange] {
			return fmt.Errorf("subscription for queue %q references undeclared exchange %q", sub.Queue, sub.Exchange)
		}
		if len(sub.RoutingKeys) == 0 {
			return fmt.Errorf("subscription for queue %q declares no routing keys", sub.Queue)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	go g.run(runCtx)
	return nil
}

// Stop closes the connection and halts all consume loops. Safe to call
// even if Start partially failed or never ran.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.state.Store(int32(StateStopped))
		if g.cancel != nil {
			g.cancel()
		}
		g.closeConn()
		metrics.HealthStatus.Set(0)
		g.logger.Info("Broker gateway stopped")
	})
}

// State reports the current connection state.
func (g *Gateway) State() ConnState {
	return ConnState(g.state.Load())
}

// Listening reports whether the gateway currently consumes messages.
func (g *Gateway) Listening() bool {
	return g.State() == StateConnected
}

func (g *Gateway) run(ctx context.Context) {
	for {
		g.setState(StateConnecting)

		closed, err := g.connect(ctx)
		if err != nil {
			metrics.HealthStatus.Set(0)
			wait := g.backoff.Next()
			g.logger.Error("RabbitMQ setup failed, retrying",
				"attempt", g.backoff.Attempts(),
				"wait_duration", wait,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		g.backoff.Reset()
		g.setState(StateConnected)
		metrics.HealthStatus.Set(1)
		g.logger.Info("Connected to RabbitMQ, consumers online")

		select {
		case <-ctx.Done():
			g.closeConn()
			return
		case amqpErr := <-closed:
			g.setState(StateDisconnected)
			metrics.HealthStatus.Set(0)
			metrics.Reconnections.Inc()
			g.logger.Warn("RabbitMQ connection closed, reconnecting", "error", amqpErr)
		}
	}
}

// connect dials the broker, declares the full topology and starts one
// consume loop per resolvable subscription. It returns the channel that
// signals connection loss.
func (g *Gateway) connect(ctx context.Context) (chan *amqp.Error, error) {
	conn, err := amqp.Dial(g.cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %v", err)
	}

	// QoS: one unacked message per queue keeps the conservative
	// acknowledge-before-next-delivery contract.
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %v", err)
	}

	for _, ex := range g.cfg.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, ex.Args); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %s: %v", ex.Name, err)
		}
	}

	for _, q := range g.cfg.Queues {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, q.Args); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %v", q.Name, err)
		}
		if q.Exchange != "" {
			if err := ch.QueueBind(q.Name, q.RoutingKey, q.Exchange, false, nil); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to bind queue %s: %v", q.Name, err)
			}
		}
	}

	for _, sub := range g.registry.Subscriptions() {
		// A broken descriptor disables only its own queue.
		if err := g.bindSubscription(ctx, ch, sub); err != nil {
			g.logger.Error("Subscription setup failed, skipping queue",
				"queue", sub.Queue,
				"exchange", sub.Exchange,
				"error", err,
			)
		}
	}

	g.mu.Lock()
	g.conn = conn
	g.channel = ch
	g.mu.Unlock()

	return conn.NotifyClose(make(chan *amqp.Error, 1)), nil
}

func (g *Gateway) bindSubscription(ctx context.Context, ch *amqp.Channel, sub Subscription) error {
	durable := sub.Queue != ""

	// A blank name yields a broker-generated exclusive queue.
	q, err := ch.QueueDeclare(sub.Queue, durable, !durable, !durable, false, sub.QueueArgs)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %v", err)
	}

	for _, rk := range sub.RoutingKeys {
		if err := ch.QueueBind(q.Name, rk, sub.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind routing key %s: %v", rk, err)
		}
	}

	tag := "catalog-sync-" + uuid.NewString()[:8]
	deliveries, err := ch.Consume(q.Name, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %v", err)
	}

	go g.consumeLoop(ctx, q.Name, sub.Handler, deliveries)

	g.logger.Info("Consumer bound and waiting for messages",
		"queue", q.Name,
		"exchange", sub.Exchange,
		"routing_keys", sub.RoutingKeys,
	)
	return nil
}

func (g *Gateway) consumeLoop(ctx context.Context, queue string, handler Handler, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			g.dispatch(ctx, queue, handler, d)
		}
	}
}

// dispatch runs the full per-message cycle: body parse, handler
// invocation and acknowledgment. Failure containment is strictly at
// message granularity; nothing here may take the consumer down.
func (g *Gateway) dispatch(ctx context.Context, queue string, handler Handler, d amqp.Delivery) {
	var data map[string]any
	if err := json.Unmarshal(d.Body, &data); err != nil {
		// Malformed body: the handler still runs, with nil data.
		data = nil
		g.logger.Debug("Message body is not a JSON object",
			"queue", queue,
			"routing_key", d.RoutingKey,
			"error", err,
		)
	}

	resp, err := g.invoke(ctx, handler, Message{
		Data:       data,
		RoutingKey: d.RoutingKey,
		Delivery:   d,
	})
	if err != nil {
		resp = g.cfg.DefaultOnError
		g.logger.Error("Handler failed, applying default response",
			"queue", queue,
			"routing_key", d.RoutingKey,
			"response", resp.String(),
			"error", err,
		)
	}

	g.respond(queue, d, resp)
}

func (g *Gateway) invoke(ctx context.Context, handler Handler, msg Message) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func (g *Gateway) respond(queue string, d amqp.Delivery, resp Response) {
	var err error
	outcome := resp.String()

	switch resp {
	case ResponseRequeue:
		err = d.Nack(false, true)
	case ResponseReject:
		outcome, err = g.reject(queue, d)
	default:
		err = d.Ack(false)
	}

	if err != nil {
		g.logger.Error("Failed to settle message",
			"queue", queue,
			"outcome", outcome,
			"error", err,
		)
	}
	metrics.MessagesConsumed.WithLabelValues(queue, outcome).Inc()
}

// reject applies the bounded-retry policy. Without retry state this is
// a first failure and the broker routes the message to the queue's
// dead-letter exchange; with exhausted attempts the message is
// positively acknowledged and dropped for good, trading delivery for
// liveness on poison messages.
func (g *Gateway) reject(queue string, d amqp.Delivery) (string, error) {
	death := deathInfo(d.Headers)
	if death.exists && death.count >= g.cfg.MaxAttempts {
		if err := d.Ack(false); err != nil {
			return "dropped", err
		}
		metrics.TerminalDrops.WithLabelValues(queue).Inc()
		g.logger.Error("Dropping message after exhausting delivery attempts",
			"origin_queue", death.queue,
			"attempts", death.count,
			"routing_key", d.RoutingKey,
		)
		return "dropped", nil
	}
	return "reject", d.Nack(false, false)
}

func (g *Gateway) setState(s ConnState) {
	// Stopped is terminal; the run loop must not resurrect the state.
	if g.State() == StateStopped {
		return
	}
	g.state.Store(int32(s))
}

func (g *Gateway) closeConn() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.channel != nil {
		g.channel.Close()
		g.channel = nil
	}
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
}
