// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package broker

import (
	"context"
	"fmt"
	"time"
)

// Mode is the consumption discipline of a queue.
type Mode string

const (
	// ModeBasic consumes a durable queue with broker-side auto-acknowledgement.
	ModeBasic Mode = "basic"
	// ModeRPC consumes a durable queue with manual acknowledgement; the
	// request is acknowledged only after the handler succeeds.
	ModeRPC Mode = "rpc"
	// ModeEvent binds a durable queue to a topic exchange and consumes it
	// with auto-acknowledgement.
	ModeEvent Mode = "event"
)

// ParseMode converts operator input into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeBasic, ModeRPC, ModeEvent:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q, expected basic, rpc or event", s)
	}
}

func (m Mode) String() string {
	return string(m)
}

// Handler processes messages of a single queue.
type Handler interface {
	// QueueName returns the queue the handler consumes.
	QueueName() string

	// Handle processes one message. A returned error marks the delivery as failed.
	Handle(ctx context.Context, msg Message) error

	// Mode returns the consumption discipline for the queue.
	Mode() Mode

	// SchemaPath returns the JSON schema file the body must satisfy,
	// or an empty string when no validation is required.
	SchemaPath() string
}

// EventHandler is a Handler bound to a topic exchange.
type EventHandler interface {
	Handler

	// RoutingKey returns the binding key between queue and exchange.
	RoutingKey() string

	// ExchangeName returns the topic exchange the queue is bound to.
	ExchangeName() string
}

// Publisher defines the interface for publishing JSON payloads to a broker.
type Publisher interface {
	// Publish encodes the payload and sends it to a queue, or to a topic
	// exchange when a routing key option is supplied.
	Publish(ctx context.Context, target string, payload map[string]any, opts ...PublishOption) error

	// Close releases the channel and connection held by the publisher.
	Close() error
}

// RPCCaller issues requests and waits for correlated replies.
type RPCCaller interface {
	// Call publishes the payload to queue and waits up to timeout for a reply
	// on replyQueue. A nil map with a nil error means no reply arrived in time.
	Call(ctx context.Context, queue string, payload map[string]any, replyQueue string, timeout time.Duration) (map[string]any, error)

	Close() error
}

// SchemaValidator checks decoded data against a schema file.
type SchemaValidator interface {
	Validate(data any, schemaPath string) error
}

// PublishOptions holds optional publish parameters.
type PublishOptions struct {
	// RoutingKey turns the target into a topic exchange.
	RoutingKey string
	// SchemaPath validates the payload before it is encoded.
	SchemaPath string
}

type PublishOption func(*PublishOptions)

// NewPublishOptions applies opts over the zero value.
func NewPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// WithRoutingKey publishes to a topic exchange with the given key.
func WithRoutingKey(key string) PublishOption {
	return func(o *PublishOptions) {
		o.RoutingKey = key
	}
}

// WithSchema validates the payload against the schema file before publishing.
func WithSchema(path string) PublishOption {
	return func(o *PublishOptions) {
		o.SchemaPath = path
	}
}

// Message represents a single broker-delivered message, allowing inspection and acknowledgment.
// Implementations wrap the broker-specific delivery type.
type Message interface {
	// Headers returns the message metadata headers.
	Headers() map[string]interface{}

	// ContentType returns the MIME type of the message payload.
	ContentType() string

	// IsRedelivered signals if this delivery is a redelivery of a previous message.
	IsRedelivered() bool

	// Body returns the raw payload bytes.
	Body() []byte

	// RoutingKey returns the routing key the message was published with.
	RoutingKey() string

	// CorrelationID returns the correlation_id property, empty when absent.
	CorrelationID() string

	// ReplyTo returns the reply_to property, empty when absent.
	ReplyTo() string

	// DeliveryMode returns the delivery_mode property: 0 when absent,
	// 1 for transient and 2 for persistent messages.
	DeliveryMode() uint8

	// Ack acknowledges successful processing of the message.
	Ack() error

	// Nack negatively acknowledges the message, optionally requeuing it.
	Nack(requeue bool) error

	// Reject rejects the message without requeue.
	Reject() error
}
