package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscription declares one bound queue: which exchange it consumes
// from, under which routing keys, and the handler for its deliveries.
// An empty Queue name asks the broker for a generated exclusive queue.
type Subscription struct {
	Exchange    string
	RoutingKeys []string
	Queue       string
	QueueArgs   amqp.Table
	Handler     Handler
}

// Registry is the static table of subscriptions the gateway resolves at
// startup. Services register explicitly during wiring; there is no
// runtime scanning.
type Registry struct {
	subs []Subscription
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(subs ...Subscription) {
	r.subs = append(r.subs, subs...)
}

func (r *Registry) Subscriptions() []Subscription {
	return r.subs
}
