package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger records the settlement decision taken for a delivery.
type fakeAcknowledger struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacked = true
	f.requeued = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.nacked = true
	f.requeued = requeue
	return nil
}

func newTestGateway(defaultOnError Response) *Gateway {
	return NewGateway(Config{
		URI:            "amqp://ignored",
		DefaultOnError: defaultOnError,
	}, NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func delivery(ack *fakeAcknowledger, routingKey string, body []byte, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		RoutingKey:   routingKey,
		Body:         body,
		Headers:      headers,
	}
}

func deathHeaders(count int64, queue string) amqp.Table {
	return amqp.Table{
		"x-death": []any{
			amqp.Table{"count": count, "queue": queue, "reason": "rejected"},
		},
	}
}

func TestDispatch_ValidBodyIsAcked(t *testing.T) {
	g := newTestGateway(ResponseAck)
	ack := &fakeAcknowledger{}

	var got map[string]any
	handler := func(ctx context.Context, msg Message) (Response, error) {
		got = msg.Data
		return ResponseAck, nil
	}

	g.dispatch(context.Background(), "q", handler, delivery(ack, "model.category.created", []byte(`{"id":"1-cat"}`), nil))

	assert.Equal(t, map[string]any{"id": "1-cat"}, got)
	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
}

func TestDispatch_MalformedBodyYieldsNilData(t *testing.T) {
	g := newTestGateway(ResponseAck)
	ack := &fakeAcknowledger{}

	invoked := false
	handler := func(ctx context.Context, msg Message) (Response, error) {
		invoked = true
		assert.Nil(t, msg.Data)
		return ResponseAck, nil
	}

	g.dispatch(context.Background(), "q", handler, delivery(ack, "model.category.created", []byte(`{not json`), nil))

	assert.True(t, invoked, "handler must still run on malformed bodies")
	assert.True(t, ack.acked)
}

func TestDispatch_HandlerErrorAppliesDefaultAck(t *testing.T) {
	g := newTestGateway(ResponseAck)
	ack := &fakeAcknowledger{}

	handler := func(ctx context.Context, msg Message) (Response, error) {
		return ResponseReject, errors.New("boom")
	}

	g.dispatch(context.Background(), "q", handler, delivery(ack, "model.category.created", []byte(`{}`), nil))

	// The returned response is ignored on error; the configured default wins.
	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
}

func TestDispatch_HandlerErrorAppliesDefaultReject(t *testing.T) {
	g := newTestGateway(ResponseReject)
	ack := &fakeAcknowledger{}

	handler := func(ctx context.Context, msg Message) (Response, error) {
		return ResponseAck, errors.New("boom")
	}

	g.dispatch(context.Background(), "q", handler, delivery(ack, "model.category.created", []byte(`{}`), nil))

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued, "reject must not requeue; the DLX handles redelivery")
}

func TestDispatch_HandlerPanicIsContained(t *testing.T) {
	g := newTestGateway(ResponseAck)
	ack := &fakeAcknowledger{}

	handler := func(ctx context.Context, msg Message) (Response, error) {
		panic("nil map write")
	}

	require.NotPanics(t, func() {
		g.dispatch(context.Background(), "q", handler, delivery(ack, "model.category.created", []byte(`{}`), nil))
	})
	assert.True(t, ack.acked)
}

func TestDispatch_RequeueResponse(t *testing.T) {
	g := newTestGateway(ResponseAck)
	ack := &fakeAcknowledger{}

	handler := func(ctx context.Context, msg Message) (Response, error) {
		return ResponseRequeue, nil
	}

	g.dispatch(context.Background(), "q", handler, delivery(ack, "model.category.created", []byte(`{}`), nil))

	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
}

func TestReject_FirstFailureGoesToDeadLetter(t *testing.T) {
	g := newTestGateway(ResponseAck)
	ack := &fakeAcknowledger{}

	outcome, err := g.reject("q", delivery(ack, "model.category.created", nil, nil))
	require.NoError(t, err)

	assert.Equal(t, "reject", outcome)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
}

func TestReject_BouncesWhileAttemptsRemain(t *testing.T) {
	g := newTestGateway(ResponseAck)

	for _, count := range []int64{1, 2} {
		ack := &fakeAcknowledger{}
		outcome, err := g.reject("q", delivery(ack, "model.category.created", nil, deathHeaders(count, "q")))
		require.NoError(t, err)

		assert.Equal(t, "reject", outcome)
		assert.True(t, ack.nacked, "count=%d must keep bouncing", count)
		assert.False(t, ack.requeued)
	}
}

func TestReject_ExhaustedAttemptsAreDropped(t *testing.T) {
	g := newTestGateway(ResponseAck)

	for _, count := range []int64{3, 7} {
		ack := &fakeAcknowledger{}
		outcome, err := g.reject("q", delivery(ack, "model.category.created", nil, deathHeaders(count, "q")))
		require.NoError(t, err)

		assert.Equal(t, "dropped", outcome)
		assert.True(t, ack.acked, "count=%d must be permanently dropped", count)
		assert.False(t, ack.nacked)
	}
}

func TestStart_RejectsUndeclaredExchange(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Subscription{
		Exchange:    "missing.topic",
		Queue:       "q",
		RoutingKeys: []string{"model.category.*"},
		Handler:     func(ctx context.Context, msg Message) (Response, error) { return ResponseAck, nil },
	})

	g := NewGateway(Config{
		URI:       "amqp://ignored",
		Exchanges: []ExchangeConfig{{Name: "amq.topic", Kind: "topic"}},
	}, registry, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := g.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.topic")
}

func TestStop_SafeWithoutStart(t *testing.T) {
	g := newTestGateway(ResponseAck)
	require.NotPanics(t, g.Stop)
	assert.Equal(t, StateStopped, g.State())
	assert.False(t, g.Listening())
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "stopped", StateStopped.String())
}

func TestParseResponse(t *testing.T) {
	for input, want := range map[string]Response{
		"ack":     ResponseAck,
		"ACK":     ResponseAck,
		"":        ResponseAck,
		"requeue": ResponseRequeue,
		"reject":  ResponseReject,
	} {
		got, err := ParseResponse(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, got, "input %q", input)
	}

	_, err := ParseResponse("explode")
	assert.Error(t, err)
}
