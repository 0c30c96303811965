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
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RpcClient performs request/reply calls over a reply queue. Calls are
// serialized, so one client may be shared but handles one request at a time.
type RpcClient struct {
	con    *Con
	tracer trace.Tracer
	log    *zap.Logger

	mute     sync.Mutex
	isClosed atomic.Bool
}

// NewRpcClient dials the broker and returns a ready RpcClient.
func NewRpcClient(cfg *Client, opts ...Option) (*RpcClient, error) {
	if cfg == nil {
		return nil, ConConfEmptyError{}
	}

	r := newRpcClient(cfg.withDefaults(), newOptions(*cfg, opts...))
	if err := r.con.reopen(); err != nil {
		return nil, err
	}

	return r, nil
}

func newRpcClient(cfg Client, o options) *RpcClient {
	return &RpcClient{
		con:    newCon(cfg, o),
		tracer: o.tracer,
		log:    o.logger,
	}
}

// Call sends payload to queue and waits up to timeout for the reply whose
// correlation id matches the request. Replies with another correlation id are
// rejected without requeue. When no matching reply arrives in time Call
// returns (nil, nil).
func (r *RpcClient) Call(ctx context.Context, queue string, payload map[string]any, replyQueue string, timeout time.Duration) (map[string]any, error) {
	if r.isClosed.Load() {
		return nil, ConnClosedError{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}

	correlationID := uuid.NewString()

	ctx, span := r.tracer.Start(ctx, "rabbit.rpc",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.message.conversation_id", correlationID),
		),
	)
	defer span.End()

	r.mute.Lock()
	defer r.mute.Unlock()

	reply, err := r.call(ctx, queue, replyQueue, correlationID, body, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	return reply, nil
}

func (r *RpcClient) call(ctx context.Context, queue, replyQueue, correlationID string, body []byte, timeout time.Duration) (map[string]any, error) {
	ch, err := r.channel()
	if err != nil {
		return nil, err
	}

	if err = declareQueue(ch, replyQueue); err != nil {
		return nil, err
	}

	tag := "rpc." + uuid.NewString()

	replies, err := ch.Consume(
		replyQueue, // queue
		tag,        // consumer tag
		false,      // auto-ack
		false,      // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("consume replies from %s: %w", replyQueue, err)
	}

	defer func() {
		if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			r.log.Warn("rabbit cancel reply consumer", zap.String("queue", replyQueue), zap.Error(err))
		}
	}()

	if err = ch.PublishWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:   contentTypeJSON,
			DeliveryMode:  amqp091.Persistent,
			MessageId:     uuid.NewString(),
			CorrelationId: correlationID,
			ReplyTo:       replyQueue,
			Body:          body,
		},
	); err != nil {
		return nil, fmt.Errorf("publish request to %s: %w", queue, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			r.log.Warn("rabbit rpc timed out",
				zap.String("queue", queue),
				zap.String("correlation_id", correlationID),
				zap.Duration("timeout", timeout),
			)

			return nil, nil
		case d, ok := <-replies:
			if !ok {
				return nil, fmt.Errorf("reply queue %s: %w", replyQueue, amqp091.ErrClosed)
			}

			if d.CorrelationId != correlationID {
				r.log.Warn("rabbit rpc unexpected reply",
					zap.String("queue", replyQueue),
					zap.String("correlation_id", d.CorrelationId),
				)

				if err := d.Reject(false); err != nil {
					r.log.Warn("rabbit reject reply", zap.Error(err))
				}

				continue
			}

			if err := d.Ack(false); err != nil {
				return nil, fmt.Errorf("ack reply: %w", err)
			}

			var reply map[string]any
			if err := json.Unmarshal(d.Body, &reply); err != nil {
				return nil, fmt.Errorf("decode reply: %w", err)
			}

			return reply, nil
		}
	}
}

// channel returns the current channel, reopening the connection once if it was lost.
func (r *RpcClient) channel() (amqpChannel, error) {
	ch, err := r.con.Channel()
	if err == nil && !ch.IsClosed() {
		return ch, nil
	}

	if errors.Is(err, ConnClosedError{}) {
		return nil, err
	}

	if err = r.con.reopen(); err != nil {
		return nil, err
	}

	return r.con.Channel()
}

// Close releases the channel and the connection.
func (r *RpcClient) Close() error {
	if !r.isClosed.CompareAndSwap(false, true) {
		return nil
	}

	return r.con.Close()
}
