// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rabbitmq/amqp091-go"
)

func init() {
	mimetype.SetLimit(mimeReadLimit)
}

// Message wraps an AMQP delivery and tracks acknowledgment state.
// The delivery tag is settled at most once: the first Ack, Nack or Reject
// wins and later calls are no-ops. On auto-ack subscriptions the broker has
// already retired the message, so every settle call is a no-op.
type Message struct {
	// deliver holds the original AMQP delivery metadata and payload.
	deliver amqp091.Delivery
	// manual is true when the subscription requires explicit acknowledgement.
	manual bool
	// completed flips once the delivery tag has been consumed.
	completed atomic.Bool
}

func newMessage(d amqp091.Delivery, manual bool) *Message {
	return &Message{deliver: d, manual: manual}
}

// RoutingKey returns the message routing key set on the AMQP delivery.
func (m *Message) RoutingKey() string {
	return m.deliver.RoutingKey
}

// Headers returns the message headers set on the AMQP delivery.
func (m *Message) Headers() map[string]interface{} {
	return m.deliver.Headers
}

// ContentType returns the MIME content type of the message payload.
// When the publisher did not set one it is sniffed from the body.
func (m *Message) ContentType() string {
	if m.deliver.ContentType != "" {
		return m.deliver.ContentType
	}

	return mimetype.Detect(m.deliver.Body).String()
}

// IsRedelivered indicates if the delivery is a redelivery (duplicate) of a previous message.
func (m *Message) IsRedelivered() bool {
	return m.deliver.Redelivered
}

// Body returns the raw message payload as a byte slice.
func (m *Message) Body() []byte {
	return m.deliver.Body
}

func (m *Message) CorrelationID() string {
	return m.deliver.CorrelationId
}

func (m *Message) ReplyTo() string {
	return m.deliver.ReplyTo
}

func (m *Message) DeliveryMode() uint8 {
	return m.deliver.DeliveryMode
}

// DeliveryTag returns the channel-scoped tag identifying the delivery.
func (m *Message) DeliveryTag() uint64 {
	return m.deliver.DeliveryTag
}

// Settled reports whether the delivery tag has already been consumed.
func (m *Message) Settled() bool {
	return m.completed.Load()
}

// Ack acknowledges successful processing of the message by the broker.
func (m *Message) Ack() error {
	if m.claim() {
		return m.deliver.Ack(false)
	}
	return nil
}

// Nack negatively acknowledges the message exactly once.
func (m *Message) Nack(requeue bool) error {
	if m.claim() {
		return m.deliver.Nack(false, requeue)
	}
	return nil
}

// Reject rejects the message exactly once without requeue.
func (m *Message) Reject() error {
	if m.claim() {
		return m.deliver.Reject(false)
	}
	return nil
}

func (m *Message) claim() bool {
	return m.manual && m.completed.CompareAndSwap(false, true)
}
