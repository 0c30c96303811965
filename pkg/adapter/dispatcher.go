// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/GwynCerbin/rabbitkit/pkg/broker"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Dispatcher runs one delivery through its subscription's handler.
//
// Acknowledgement policy: a manual-ack (rpc) delivery is acknowledged once
// the handler returns nil. A failed manual-ack delivery is negatively
// acknowledged, requeued on its first delivery and dropped when it is already
// a redelivery. Auto-ack deliveries are never settled here, whatever their
// delivery_mode says.
type Dispatcher struct {
	log       *zap.Logger
	validator broker.SchemaValidator
	tracer    trace.Tracer
	handled   metric.Int64Counter
}

// NewDispatcher returns a Dispatcher configured by opts.
func NewDispatcher(opts ...Option) *Dispatcher {
	return newDispatcher(newOptions(Client{}, opts...))
}

func newDispatcher(o options) *Dispatcher {
	var counter metric.Int64Counter = noop.Int64Counter{}

	c, err := o.meter.Int64Counter(
		"rabbit.messages.handled",
		metric.WithDescription("Deliveries processed by queue handlers, by outcome."),
	)
	if err != nil {
		o.logger.Warn("create handled counter", zap.Error(err))
	} else {
		counter = c
	}

	return &Dispatcher{
		log:       o.logger,
		validator: o.validator,
		tracer:    o.tracer,
		handled:   counter,
	}
}

// Dispatch validates and handles msg. A failure is logged and returned as
// *HandlerError; it never panics, even when the handler does.
func (d *Dispatcher) Dispatch(ctx context.Context, sub Subscription, msg *Message) error {
	ctx, span := d.tracer.Start(ctx, "rabbit.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", sub.Queue),
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.rabbitmq.mode", sub.Mode.String()),
		),
	)
	defer span.End()

	if err := d.process(ctx, sub, msg); err != nil {
		herr := &HandlerError{Queue: sub.Queue, Err: err}

		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())

		d.log.Error("rabbit failed to handle message",
			zap.String("queue", sub.Queue),
			zap.Error(err),
		)

		d.settleFailure(sub, msg)
		d.count(ctx, sub.Queue, outcomeFailure)

		return herr
	}

	fields := []zap.Field{zap.String("queue", sub.Queue)}
	if id := msg.CorrelationID(); id != "" {
		fields = append(fields, zap.String("correlation_id", id))
	}
	if to := msg.ReplyTo(); to != "" {
		fields = append(fields, zap.String("reply_to", to))
	}

	d.log.Info("rabbit handled message", fields...)
	d.count(ctx, sub.Queue, outcomeSuccess)

	if !sub.manualAck() {
		return nil
	}

	if err := msg.Ack(); err != nil {
		d.log.Error("rabbit ack", zap.String("queue", sub.Queue), zap.Error(err))
		return fmt.Errorf("ack delivery %d: %w", msg.DeliveryTag(), err)
	}

	return nil
}

func (d *Dispatcher) process(ctx context.Context, sub Subscription, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Debug("handler panic", zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if path := sub.Handler.SchemaPath(); path != "" {
		payload, err := decodeBody(msg)
		if err != nil {
			return err
		}

		if err = d.validator.Validate(payload, path); err != nil {
			return err
		}
	}

	return sub.Handler.Handle(ctx, msg)
}

func (d *Dispatcher) settleFailure(sub Subscription, msg *Message) {
	if !sub.manualAck() {
		return
	}

	requeue := !msg.IsRedelivered()
	if err := msg.Nack(requeue); err != nil {
		d.log.Error("rabbit nack",
			zap.String("queue", sub.Queue),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) count(ctx context.Context, queue, outcome string) {
	d.handled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

// decodeBody decodes a JSON body for schema validation. Bodies declared or
// sniffed as anything other than application/json are refused.
func decodeBody(msg broker.Message) (any, error) {
	if ct := msg.ContentType(); !mimetype.EqualsAny(ct, contentTypeJSON) {
		return nil, fmt.Errorf("schema validation needs %s body, got %q", contentTypeJSON, ct)
	}

	dec := json.NewDecoder(bytes.NewReader(msg.Body()))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", msg.ContentType(), err)
	}

	return payload, nil
}
