// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GwynCerbin/rabbitkit/pkg/broker"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Publisher sends JSON messages to a queue or a topic exchange.
// It owns one connection and may be shared between goroutines.
type Publisher struct {
	// con is the connection owned by this publisher.
	con       *Con
	validator broker.SchemaValidator
	tracer    trace.Tracer
	log       *zap.Logger
	// mute serializes declare and publish on the shared channel.
	mute sync.Mutex
	// isClosed indicates whether the publisher has been closed.
	isClosed atomic.Bool
}

// NewPublisher dials the broker and returns a ready Publisher.
func NewPublisher(cfg *Client, opts ...Option) (*Publisher, error) {
	if cfg == nil {
		return nil, ConConfEmptyError{}
	}

	p := newPublisher(cfg.withDefaults(), newOptions(*cfg, opts...))
	if err := p.con.reopen(); err != nil {
		return nil, err
	}

	return p, nil
}

func newPublisher(cfg Client, o options) *Publisher {
	return &Publisher{
		con:       newCon(cfg, o),
		validator: o.validator,
		tracer:    o.tracer,
		log:       o.logger,
	}
}

// Publish validates payload against the optional schema, encodes it as JSON
// and sends it to target. With a routing key, target names a durable topic
// exchange; without one, target names a durable queue reached through the
// default exchange. A schema failure returns before any broker interaction.
func (p *Publisher) Publish(ctx context.Context, target string, payload map[string]any, opts ...broker.PublishOption) error {
	if p.isClosed.Load() {
		return PublisherClosedError{}
	}

	o := broker.NewPublishOptions(opts...)

	// the payload must be representable as JSON before it is validated
	body, err := json.Marshal(payload)
	if err != nil {
		return &EncodingError{Err: err}
	}

	if o.SchemaPath != "" {
		if err = p.validator.Validate(payload, o.SchemaPath); err != nil {
			return err
		}
	}

	msg := amqp091.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Body:         body,
	}

	if o.RoutingKey != "" {
		return p.send(ctx, target, o.RoutingKey, msg, func(ch amqpChannel) error {
			return declareTopicExchange(ch, target)
		})
	}

	return p.send(ctx, "", target, msg, func(ch amqpChannel) error {
		return declareQueue(ch, target)
	})
}

// Reply answers a request delivery: payload goes to the request's reply-to
// queue through the default exchange and carries its correlation id.
func (p *Publisher) Reply(ctx context.Context, request broker.Message, payload map[string]any) error {
	if p.isClosed.Load() {
		return PublisherClosedError{}
	}

	if request.ReplyTo() == "" {
		return fmt.Errorf("reply to %s: request has no reply-to queue", request.CorrelationID())
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &EncodingError{Err: err}
	}

	msg := amqp091.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp091.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: request.CorrelationID(),
		Body:          body,
	}

	return p.send(ctx, "", request.ReplyTo(), msg, nil)
}

// send publishes msg after running declare. A closed channel is reopened
// and the publish retried once.
func (p *Publisher) send(ctx context.Context, exchange, key string, msg amqp091.Publishing, declare func(amqpChannel) error) error {
	ctx, span := p.tracer.Start(ctx, "rabbit.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", key),
			attribute.String("messaging.message.id", msg.MessageId),
		),
	)
	defer span.End()

	p.mute.Lock()
	defer p.mute.Unlock()

	err := p.publish(ctx, exchange, key, msg, declare)
	if errors.Is(err, amqp091.ErrClosed) || errors.Is(err, NotConnectedError{}) {
		p.log.Warn("rabbit publisher channel closed, reopening", zap.Error(err))

		if err = p.con.reopen(); err == nil {
			err = p.publish(ctx, exchange, key, msg, declare)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return err
	}

	p.log.Debug("rabbit published",
		zap.String("exchange", exchange),
		zap.String("routing_key", key),
		zap.String("message_id", msg.MessageId),
	)

	return nil
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, msg amqp091.Publishing, declare func(amqpChannel) error) error {
	ch, err := p.con.Channel()
	if err != nil {
		return err
	}

	if declare != nil {
		if err = declare(ch); err != nil {
			return err
		}
	}

	if err = ch.PublishWithContext(ctx,
		exchange, // exchange
		key,      // routing key
		false,    // mandatory
		false,    // immediate
		msg,
	); err != nil {
		return fmt.Errorf("publish to %q with key %q: %w", exchange, key, err)
	}

	return nil
}

// Close releases the channel and the connection.
func (p *Publisher) Close() error {
	if !p.isClosed.CompareAndSwap(false, true) {
		return nil
	}

	return p.con.Close()
}
