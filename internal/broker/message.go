package broker

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Response is the acknowledgment signal a handler returns to the gateway.
type Response int

const (
	// ResponseAck accepts the message and removes it from the queue.
	ResponseAck Response = iota
	// ResponseRequeue redelivers the message with no dead-letter bookkeeping.
	ResponseRequeue
	// ResponseReject routes the message into the bounded-retry/dead-letter path.
	ResponseReject
)

func (r Response) String() string {
	switch r {
	case ResponseRequeue:
		return "requeue"
	case ResponseReject:
		return "reject"
	default:
		return "ack"
	}
}

// ParseResponse maps a configuration value onto a Response.
func ParseResponse(s string) (Response, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ack", "":
		return ResponseAck, nil
	case "requeue":
		return ResponseRequeue, nil
	case "reject":
		return ResponseReject, nil
	default:
		return ResponseAck, fmt.Errorf("unknown response %q", s)
	}
}

// Message is the envelope handed to a subscription handler. Data is nil
// when the body was not a JSON object; the handler is still invoked so
// it can decide the outcome itself.
type Message struct {
	Data       map[string]any
	RoutingKey string
	Delivery   amqp.Delivery
}

// Handler processes one delivery. The returned Response is honored only
// when err is nil; on error the gateway applies its configured default.
type Handler func(ctx context.Context, msg Message) (Response, error)
