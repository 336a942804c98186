package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// deathState is the broker-attached retry bookkeeping read from the
// x-death header. The header appears only after a message has been
// dead-lettered at least once; its shape is defined by RabbitMQ and
// must be read as-is for interop.
type deathState struct {
	count  int64
	queue  string
	exists bool
}

func deathInfo(headers amqp.Table) deathState {
	deaths, ok := headers["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return deathState{}
	}

	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return deathState{}
	}

	state := deathState{exists: true}
	switch count := first["count"].(type) {
	case int64:
		state.count = count
	case int32:
		state.count = int64(count)
	case int:
		state.count = int64(count)
	}
	state.queue, _ = first["queue"].(string)
	return state
}
