// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/GwynCerbin/rabbitkit/pkg/broker"
	"github.com/GwynCerbin/rabbitkit/pkg/schema"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const orderSchema = "../schema/testdata/order.json"

func newTestDispatcher(t *testing.T) (*Dispatcher, *tracetest.SpanRecorder) {
	t.Helper()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return NewDispatcher(WithLogger(zap.NewNop()), WithTracer(tp.Tracer("test"))), rec
}

func TestDispatcher_Dispatch(t *testing.T) {
	tests := []struct {
		name        string
		mode        broker.Mode
		schema      string
		contentType string
		body        string
		handleErr   error
		panics      bool
		wantCalled  bool
		wantErr     bool
		wantAcks    []string
	}{
		{
			name:       "basic success is not settled",
			mode:       broker.ModeBasic,
			body:       `{"id":1}`,
			wantCalled: true,
		},
		{
			name:       "rpc success is acked",
			mode:       broker.ModeRPC,
			body:       `{"id":1}`,
			wantCalled: true,
			wantAcks:   []string{"ack 7"},
		},
		{
			name:       "valid against schema",
			mode:       broker.ModeBasic,
			schema:     orderSchema,
			body:       `{"id":42,"amount":10.5}`,
			wantCalled: true,
		},
		{
			name:    "schema violation skips handler",
			mode:    broker.ModeBasic,
			schema:  orderSchema,
			body:    `{"id":"42"}`,
			wantErr: true,
		},
		{
			name:     "rpc body that is not json is nacked",
			mode:     broker.ModeRPC,
			schema:   orderSchema,
			body:     `plain text`,
			wantErr:  true,
			wantAcks: []string{"nack 7 requeue=true"},
		},
		{
			name:        "declared non-json body is refused",
			mode:        broker.ModeBasic,
			schema:      orderSchema,
			contentType: "text/plain",
			body:        `{"id":42}`,
			wantErr:     true,
		},
		{
			name:       "handler error",
			mode:       broker.ModeBasic,
			body:       `{}`,
			handleErr:  errors.New("boom"),
			wantCalled: true,
			wantErr:    true,
		},
		{
			name:       "handler panic is recovered",
			mode:       broker.ModeRPC,
			body:       `{}`,
			panics:     true,
			wantCalled: true,
			wantErr:    true,
			wantAcks:   []string{"nack 7 requeue=true"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, rec := newTestDispatcher(t)
			acker := &fakeAcker{}

			called := false
			h := &stubHandler{queue: "orders", mode: tt.mode, schema: tt.schema, handle: func(context.Context, broker.Message) error {
				called = true
				if tt.panics {
					panic("nil map")
				}
				return tt.handleErr
			}}

			contentType := tt.contentType
			if contentType == "" {
				contentType = contentTypeJSON
			}

			sub := SubscriptionFor(h)
			msg := newMessage(amqp091.Delivery{
				Acknowledger: acker,
				DeliveryTag:  7,
				ContentType:  contentType,
				Body:         []byte(tt.body),
			}, sub.manualAck())

			err := d.Dispatch(context.Background(), sub, msg)

			assert.Equal(t, tt.wantCalled, called)
			assert.Equal(t, tt.wantAcks, acker.Calls())

			spans := rec.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, "rabbit.handle", spans[0].Name())
			assert.Equal(t, trace.SpanKindConsumer, spans[0].SpanKind())

			if !tt.wantErr {
				require.NoError(t, err)
				assert.NotEqual(t, codes.Error, spans[0].Status().Code)
				return
			}

			var herr *HandlerError
			require.ErrorAs(t, err, &herr)
			assert.Equal(t, "orders", herr.Queue)
			assert.Equal(t, codes.Error, spans[0].Status().Code)
		})
	}
}

func TestDispatcher_SchemaViolationIsReported(t *testing.T) {
	d, _ := newTestDispatcher(t)

	h := &stubHandler{queue: "orders", mode: broker.ModeBasic, schema: orderSchema}
	msg := newMessage(amqp091.Delivery{Body: []byte(`{"id":1.5}`)}, false)

	err := d.Dispatch(context.Background(), SubscriptionFor(h), msg)

	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Violations)
	assert.Equal(t, "/id", verr.Violations[0].Property)
	assert.Empty(t, h.Seen())
}

func TestDispatcher_SniffedContentTypeGatesSchema(t *testing.T) {
	d, _ := newTestDispatcher(t)

	h := &stubHandler{queue: "orders", mode: broker.ModeBasic, schema: orderSchema}

	require.NoError(t, d.Dispatch(context.Background(), SubscriptionFor(h), newMessage(amqp091.Delivery{Body: []byte(`{"id":1}`)}, false)))

	err := d.Dispatch(context.Background(), SubscriptionFor(h), newMessage(amqp091.Delivery{Body: []byte("id=1")}, false))
	require.ErrorContains(t, err, "text/plain")
	assert.Len(t, h.Seen(), 1)
}

func TestDispatcher_EventIsNeverSettled(t *testing.T) {
	d, _ := newTestDispatcher(t)
	acker := &fakeAcker{}

	sub := Subscription{
		Queue:      "audit",
		Handler:    &stubHandler{queue: "audit", mode: broker.ModeEvent},
		Mode:       broker.ModeEvent,
		Manual:     true,
		RoutingKey: "order.created",
		Exchange:   "events",
	}
	msg := newMessage(amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(`{}`)}, sub.manualAck())

	require.NoError(t, d.Dispatch(context.Background(), sub, msg))
	assert.Empty(t, acker.Calls())
}
