// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GwynCerbin/rabbitkit/pkg/broker"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// fakeBroker is an in-memory broker: it routes publishings to consumers
// through the default exchange and exact-match topic bindings and records
// every topology call in order.
type fakeBroker struct {
	mu sync.Mutex

	calls     []string
	dials     int
	dialErrs  []error
	conns     []*fakeConn
	consumers map[string][]*fakeConsumer
	pending   map[string][]amqp091.Delivery
	bindings  map[string][]string
	published []amqp091.Publishing
	tag       uint64

	// onPublish runs after routing, outside the broker lock.
	onPublish func(exchange, key string, msg amqp091.Publishing)

	acker *fakeAcker
}

type fakeConsumer struct {
	tag     string
	queue   string
	autoAck bool
	ch      chan amqp091.Delivery
	closed  bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		consumers: map[string][]*fakeConsumer{},
		pending:   map[string][]amqp091.Delivery{},
		bindings:  map[string][]string{},
		acker:     &fakeAcker{},
	}
}

func (b *fakeBroker) dial(_ string, _ amqp091.Config) (amqpConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++

	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]

		return nil, err
	}

	conn := &fakeConn{broker: b}
	b.conns = append(b.conns, conn)

	return conn, nil
}

func (b *fakeBroker) record(format string, args ...any) {
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *fakeBroker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.calls...)
}

func (b *fakeBroker) ResetCalls() {
	b.mu.Lock()
	b.calls = nil
	b.mu.Unlock()
}

func (b *fakeBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dials
}

func (b *fakeBroker) FailDials(errs ...error) {
	b.mu.Lock()
	b.dialErrs = append(b.dialErrs, errs...)
	b.mu.Unlock()
}

func (b *fakeBroker) Published() []amqp091.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]amqp091.Publishing(nil), b.published...)
}

// Drop closes every open connection with a broker-side error.
func (b *fakeBroker) Drop() {
	b.mu.Lock()
	conns := append([]*fakeConn(nil), b.conns...)
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp091.Error{Code: amqp091.ConnectionForced, Reason: "broker forced close", Server: true})
	}
}

// CancelConsumers ends every consumer of queue from the broker side while
// their channels stay open, as a basic.cancel after a queue deletion does.
func (b *fakeBroker) CancelConsumers(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.consumers[queue] {
		b.closeConsumer(c)
	}
}

// Deliver enqueues d on queue as if the broker had routed it.
func (b *fakeBroker) Deliver(queue string, d amqp091.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.enqueue(queue, d)
}

func (b *fakeBroker) route(exchange, key string, msg amqp091.Publishing) {
	queues := []string{key}
	if exchange != "" {
		queues = b.bindings[exchange+"/"+key]
	}

	for _, q := range queues {
		b.enqueue(q, amqp091.Delivery{
			Headers:       msg.Headers,
			ContentType:   msg.ContentType,
			DeliveryMode:  msg.DeliveryMode,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			MessageId:     msg.MessageId,
			Exchange:      exchange,
			RoutingKey:    key,
			Body:          msg.Body,
		})
	}
}

// enqueue hands d to the first live consumer of queue or parks it.
// The caller must hold mu.
func (b *fakeBroker) enqueue(queue string, d amqp091.Delivery) {
	b.tag++
	d.DeliveryTag = b.tag
	d.Acknowledger = b.acker

	for _, c := range b.consumers[queue] {
		if !c.closed {
			d.ConsumerTag = c.tag
			c.ch <- d

			return
		}
	}

	b.pending[queue] = append(b.pending[queue], d)
}

func (b *fakeBroker) closeConsumer(c *fakeConsumer) {
	if c.closed {
		return
	}

	c.closed = true
	close(c.ch)
}

type fakeConn struct {
	broker   *fakeBroker
	closed   bool
	notify   []chan *amqp091.Error
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (amqpChannel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp091.ErrClosed
	}

	ch := &fakeChannel{conn: c}
	c.channels = append(c.channels, ch)

	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	c.notify = append(c.notify, receiver)

	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	return c.closed
}

func (c *fakeConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeConn) shutdown(reason *amqp091.Error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true

	for _, ch := range c.channels {
		ch.shutdownLocked(reason)
	}

	for _, n := range c.notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

type fakeChannel struct {
	conn      *fakeConn
	closed    bool
	notify    []chan *amqp091.Error
	consumers []*fakeConsumer
}

func (ch *fakeChannel) b() *fakeBroker {
	return ch.conn.broker
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp091.Table) error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp091.ErrClosed
	}

	b.record("exchange.declare %s %s durable=%t", name, kind, durable)

	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp091.Queue{}, amqp091.ErrClosed
	}

	b.record("queue.declare %s durable=%t", name, durable)

	return amqp091.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp091.Table) error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp091.ErrClosed
	}

	b.record("queue.bind %s %s %s", name, exchange, key)
	b.bindings[exchange+"/"+key] = append(b.bindings[exchange+"/"+key], name)

	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp091.ErrClosed
	}

	b.record("consume %s auto-ack=%t", queue, autoAck)

	c := &fakeConsumer{tag: consumer, queue: queue, autoAck: autoAck, ch: make(chan amqp091.Delivery, 64)}
	ch.consumers = append(ch.consumers, c)
	b.consumers[queue] = append(b.consumers[queue], c)

	parked := b.pending[queue]
	delete(b.pending, queue)

	for _, d := range parked {
		d.ConsumerTag = consumer
		c.ch <- d
	}

	return c.ch, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp091.ErrClosed
	}

	b.record("cancel %s", consumer)

	for _, c := range ch.consumers {
		if c.tag == consumer {
			b.closeConsumer(c)
		}
	}

	return nil
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	b := ch.b()
	b.mu.Lock()

	if ch.closed {
		b.mu.Unlock()
		return amqp091.ErrClosed
	}

	b.published = append(b.published, msg)
	b.route(exchange, key, msg)
	hook := b.onPublish
	b.mu.Unlock()

	if hook != nil {
		hook(exchange, key, msg)
	}

	return nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	ch.notify = append(ch.notify, receiver)

	return receiver
}

func (ch *fakeChannel) IsClosed() bool {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	return ch.closed
}

func (ch *fakeChannel) Close() error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	ch.shutdownLocked(nil)

	return nil
}

func (ch *fakeChannel) shutdownLocked(reason *amqp091.Error) {
	if ch.closed {
		return
	}

	ch.closed = true

	for _, c := range ch.consumers {
		ch.b().closeConsumer(c)
	}

	for _, n := range ch.notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

// fakeAcker records settle calls in order.
type fakeAcker struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.add(fmt.Sprintf("ack %d", tag))
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.add(fmt.Sprintf("nack %d requeue=%t", tag, requeue))
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.add(fmt.Sprintf("reject %d requeue=%t", tag, requeue))
	return nil
}

func (a *fakeAcker) add(call string) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()
}

func (a *fakeAcker) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.calls...)
}

type stubHandler struct {
	queue  string
	mode   broker.Mode
	schema string
	handle func(ctx context.Context, msg broker.Message) error

	mu   sync.Mutex
	seen [][]byte
}

func (h *stubHandler) QueueName() string  { return h.queue }
func (h *stubHandler) Mode() broker.Mode  { return h.mode }
func (h *stubHandler) SchemaPath() string { return h.schema }

func (h *stubHandler) Handle(ctx context.Context, msg broker.Message) error {
	h.mu.Lock()
	h.seen = append(h.seen, msg.Body())
	h.mu.Unlock()

	if h.handle != nil {
		return h.handle(ctx, msg)
	}

	return nil
}

func (h *stubHandler) Seen() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([][]byte(nil), h.seen...)
}

type stubEventHandler struct {
	*stubHandler
	key      string
	exchange string
}

func (h stubEventHandler) RoutingKey() string   { return h.key }
func (h stubEventHandler) ExchangeName() string { return h.exchange }

func testClient() Client {
	return Client{
		WaitTimeout:    200 * time.Millisecond,
		ReconnectDelay: time.Millisecond,
		RetryDelay:     time.Millisecond,
	}.withDefaults()
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func testOptions(b *fakeBroker, log *zap.Logger, extra ...Option) options {
	opts := append([]Option{
		withDialer(b.dial),
		withSleep(noSleep),
		WithLogger(log),
	}, extra...)

	return newOptions(Client{}, opts...)
}
