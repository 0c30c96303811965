// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GwynCerbin/rabbitkit/pkg/broker"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer binds registered subscriptions on its own connection and hands
// deliveries to their handlers one at a time from WaitOnce.
//
// Lost connections are never reported to the caller: WaitOnce reconnects,
// replays every subscription in registration order and returns. Reconnect
// attempts repeat with a fixed delay until they succeed, so a worker process
// keeps running through broker restarts and network partitions.
type Consumer struct {
	// con is the connection owned by this consumer.
	con        *Con
	registry   *Registry
	dispatcher *Dispatcher
	log        *zap.Logger
	sleep      func(context.Context, time.Duration) error

	waitTimeout    time.Duration
	reconnectDelay time.Duration
	retryDelay     time.Duration

	// epoch scopes forwarders, inbox and lost to one connection; all are replaced on reconnect.
	mute      sync.Mutex
	epoch     context.Context
	stopEpoch context.CancelFunc
	inbox     chan inbound
	// lost receives subscriptions whose delivery stream ended while the channel stayed open.
	lost chan Subscription

	// forwarders tracks goroutines moving deliveries into inbox.
	forwarders sync.WaitGroup

	life     context.Context
	kill     context.CancelFunc
	isClosed atomic.Bool
}

type inbound struct {
	sub      Subscription
	delivery amqp091.Delivery
}

// NewConsumer creates a consumer with its own connection. A failed initial
// dial is logged and retried by the first WaitOnce; registrations made before
// that are bound once the connection is up.
func NewConsumer(cfg *Client, opts ...Option) (*Consumer, error) {
	if cfg == nil {
		return nil, ConConfEmptyError{}
	}

	c := newConsumer(cfg.withDefaults(), newOptions(*cfg, opts...))

	if err := c.connect(); err != nil {
		c.log.Warn("rabbit initial connect failed, retrying on wait", zap.Error(err))
	}

	return c, nil
}

func newConsumer(cfg Client, o options) *Consumer {
	life, kill := context.WithCancel(context.Background())

	return &Consumer{
		con:            newCon(cfg, o),
		registry:       NewRegistry(),
		dispatcher:     newDispatcher(o),
		log:            o.logger,
		sleep:          o.sleep,
		waitTimeout:    cfg.WaitTimeout,
		reconnectDelay: cfg.ReconnectDelay,
		retryDelay:     cfg.RetryDelay,
		life:           life,
		kill:           kill,
	}
}

// State returns the lifecycle stage of the consumer's connection.
func (c *Consumer) State() State {
	return c.con.State()
}

// Subscriptions returns the registered subscriptions in registration order.
func (c *Consumer) Subscriptions() []Subscription {
	return c.registry.All()
}

// Consume registers sub and, when connected, declares its topology and starts
// consuming. Invalid subscriptions fail with *ConfigurationError before any
// broker call and are not registered.
func (c *Consumer) Consume(sub Subscription) error {
	if c.isClosed.Load() {
		return ConsumerClosedError{}
	}

	if err := sub.validate(); err != nil {
		return err
	}

	c.registry.Register(sub)

	if c.con.State() != StateConnected {
		c.log.Debug("rabbit subscription deferred until connected", zap.String("queue", sub.Queue))
		return nil
	}

	if err := c.bind(sub); err != nil {
		return fmt.Errorf("bind queue %s: %w", sub.Queue, err)
	}

	return nil
}

func (c *Consumer) bind(sub Subscription) error {
	ch, err := c.con.Channel()
	if err != nil {
		return err
	}

	if sub.Mode == broker.ModeEvent {
		if err = declareTopicExchange(ch, sub.Exchange); err != nil {
			return err
		}

		if err = declareQueue(ch, sub.Queue); err != nil {
			return err
		}

		if err = ch.QueueBind(
			sub.Queue,      // name of the queue
			sub.RoutingKey, // binding key
			sub.Exchange,   // source exchange
			false,          // noWait
			nil,            // arguments
		); err != nil {
			return fmt.Errorf("bind %s to %s with %s: %w", sub.Queue, sub.Exchange, sub.RoutingKey, err)
		}
	} else if err = declareQueue(ch, sub.Queue); err != nil {
		return err
	}

	deliveries, err := ch.Consume(
		sub.Queue,        // queue
		consumerTag(sub), // consumer tag
		sub.autoAck(),    // auto-ack
		false,            // exclusive
		false,            // no-local
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.Queue, err)
	}

	c.mute.Lock()
	defer c.mute.Unlock()

	// Close tears the epoch down under mute, so no forwarder is added after it waits.
	if c.isClosed.Load() {
		return ConsumerClosedError{}
	}

	c.forwarders.Add(1)

	go c.forward(c.epoch, c.inbox, c.lost, sub, deliveries)

	return nil
}

// forward moves deliveries of one subscription into the epoch inbox until the
// epoch ends. A stream that ends inside a live epoch, as after a broker-side
// basic.cancel, is reported on lost.
func (c *Consumer) forward(epoch context.Context, inbox chan<- inbound, lost chan<- Subscription, sub Subscription, deliveries <-chan amqp091.Delivery) {
	defer c.forwarders.Done()

	for {
		select {
		case <-epoch.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				select {
				case lost <- sub:
				case <-epoch.Done():
				}

				return
			}

			select {
			case inbox <- inbound{sub: sub, delivery: d}:
			case <-epoch.Done():
				return
			}
		}
	}
}

// WaitOnce blocks for at most one wait timeout and dispatches at most one
// delivery. Timeouts and handler failures are not errors; a closed connection
// or channel triggers a reconnect that returns only once the subscriptions are
// restored. The returned error is non-nil only when ctx is done or the
// consumer is closed.
func (c *Consumer) WaitOnce(ctx context.Context) error {
	if c.isClosed.Load() {
		return ConsumerClosedError{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	err := c.waitOnce(ctx)
	if err != nil && c.isClosed.Load() {
		return ConsumerClosedError{}
	}

	return err
}

func (c *Consumer) waitOnce(ctx context.Context) error {
	if c.con.State() != StateConnected {
		return c.reconnect(ctx)
	}

	connClosed, chanClosed := c.con.closeNotify()

	c.mute.Lock()
	inbox, lost := c.inbox, c.lost
	c.mute.Unlock()

	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case amqpErr := <-connClosed:
		c.log.Error("rabbit connection lost", zap.Error(closeReason(amqpErr)))
		return c.reconnect(ctx)
	case amqpErr := <-chanClosed:
		c.log.Error("rabbit channel lost", zap.Error(closeReason(amqpErr)))
		return c.reconnect(ctx)
	case sub := <-lost:
		c.log.Error("rabbit consumer cancelled by broker", zap.String("queue", sub.Queue))
		return c.reconnect(ctx)
	case in := <-inbox:
		msg := newMessage(in.delivery, in.sub.manualAck())

		// failures are logged and settled by the dispatcher
		_ = c.dispatcher.Dispatch(ctx, in.sub, msg)

		return nil
	}
}

// reconnect waits reconnectDelay, then reopens the connection and replays the
// registry snapshot until it succeeds. Each failed attempt waits retryDelay.
func (c *Consumer) reconnect(ctx context.Context) error {
	c.con.markDisconnected()
	c.endEpoch()

	c.log.Warn("rabbit reconnecting", zap.Duration("delay", c.reconnectDelay))

	if err := c.sleep(ctx, c.reconnectDelay); err != nil {
		return err
	}

	snapshot := c.registry.Drain()

	for attempt := 1; ; attempt++ {
		err := c.restore(snapshot)
		if err == nil {
			c.log.Info("rabbit reconnected, subscriptions restored",
				zap.Int("attempt", attempt),
				zap.Int("subscriptions", len(snapshot)),
			)

			return nil
		}

		c.con.markDisconnected()
		c.endEpoch()

		if errors.Is(err, ConnClosedError{}) || errors.Is(err, ConsumerClosedError{}) {
			return ConsumerClosedError{}
		}

		c.log.Error("rabbit reconnect failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", c.retryDelay),
			zap.Error(err),
		)

		if err = c.sleep(ctx, c.retryDelay); err != nil {
			c.resetRegistry(snapshot)
			return err
		}
	}
}

// restore reopens the connection and replays snapshot in order. The registry
// is emptied first so a failed attempt never mixes old and new entries.
func (c *Consumer) restore(snapshot []Subscription) error {
	c.registry.Clear()

	if err := c.connect(); err != nil {
		return err
	}

	for _, sub := range snapshot {
		if err := c.Consume(sub); err != nil {
			return err
		}
	}

	return nil
}

func (c *Consumer) resetRegistry(snapshot []Subscription) {
	c.registry.Clear()

	for _, sub := range snapshot {
		c.registry.Register(sub)
	}
}

func (c *Consumer) connect() error {
	if err := c.con.reopen(); err != nil {
		return err
	}

	c.mute.Lock()
	defer c.mute.Unlock()

	if c.stopEpoch != nil {
		c.stopEpoch()
	}

	c.epoch, c.stopEpoch = context.WithCancel(c.life)
	c.inbox = make(chan inbound)
	c.lost = make(chan Subscription)

	return nil
}

func (c *Consumer) endEpoch() {
	c.mute.Lock()
	defer c.mute.Unlock()

	if c.stopEpoch != nil {
		c.stopEpoch()
		c.stopEpoch = nil
	}
}

// Close stops consumption and releases the channel and connection.
// It is safe to call more than once and while WaitOnce is blocked.
func (c *Consumer) Close() error {
	if !c.isClosed.CompareAndSwap(false, true) {
		return nil
	}

	c.kill()
	c.endEpoch()

	err := c.con.Close()

	c.forwarders.Wait()

	return err
}

func consumerTag(sub Subscription) string {
	return sub.Queue + "." + uuid.NewString()
}

func closeReason(err *amqp091.Error) error {
	if err == nil {
		return amqp091.ErrClosed
	}

	return err
}
