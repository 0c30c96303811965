// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"fmt"

	"github.com/GwynCerbin/rabbitkit/pkg/broker"
	"github.com/rabbitmq/amqp091-go"
)

var (
	_ broker.Message   = (*Message)(nil)
	_ broker.Publisher = (*Publisher)(nil)
	_ broker.RPCCaller = (*RpcClient)(nil)
)

// amqpConnection is the subset of *amqp091.Connection used by Con.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	IsClosed() bool
	Close() error
}

// amqpChannel is the subset of *amqp091.Channel used by the consumer,
// publisher and rpc client.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	IsClosed() bool
	Close() error
}

type dialFunc func(uri string, cfg amqp091.Config) (amqpConnection, error)

type connWrapper struct {
	*amqp091.Connection
}

func (w connWrapper) Channel() (amqpChannel, error) {
	ch, err := w.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func dialAMQP(uri string, cfg amqp091.Config) (amqpConnection, error) {
	con, err := amqp091.DialConfig(uri, cfg)
	if err != nil {
		return nil, err
	}

	return connWrapper{con}, nil
}

const (
	exchangeTopic   = "topic"
	contentTypeJSON = "application/json"
)

func declareQueue(ch amqpChannel, name string) error {
	_, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}

	return nil
}

func declareTopicExchange(ch amqpChannel, name string) error {
	if err := ch.ExchangeDeclare(
		name,          // name of the exchange
		exchangeTopic, // type
		true,          // durable
		false,         // delete when complete
		false,         // internal
		false,         // noWait
		nil,           // arguments
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}

	return nil
}
