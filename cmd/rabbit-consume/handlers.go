// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GwynCerbin/rabbitkit/pkg/broker"
	"go.uber.org/zap"
)

// replier answers an rpc request. *adapter.Publisher implements it.
type replier interface {
	Reply(ctx context.Context, request broker.Message, payload map[string]any) error
}

// orderHandler logs every order placed on the orders queue.
type orderHandler struct {
	log    *zap.Logger
	schema string
}

func (h *orderHandler) QueueName() string  { return "orders" }
func (h *orderHandler) Mode() broker.Mode  { return broker.ModeBasic }
func (h *orderHandler) SchemaPath() string { return h.schema }

func (h *orderHandler) Handle(_ context.Context, msg broker.Message) error {
	var order map[string]any
	if err := json.Unmarshal(msg.Body(), &order); err != nil {
		return fmt.Errorf("decode order: %w", err)
	}

	h.log.Info("order received", zap.Any("order", order))

	return nil
}

// echoHandler answers rpc.echo requests with the payload it received.
type echoHandler struct {
	log     *zap.Logger
	replier replier
}

func (h *echoHandler) QueueName() string  { return "rpc.echo" }
func (h *echoHandler) Mode() broker.Mode  { return broker.ModeRPC }
func (h *echoHandler) SchemaPath() string { return "" }

func (h *echoHandler) Handle(ctx context.Context, msg broker.Message) error {
	if h.replier == nil {
		return errors.New("echo: no reply publisher")
	}

	var payload map[string]any
	if err := json.Unmarshal(msg.Body(), &payload); err != nil {
		return fmt.Errorf("decode echo request: %w", err)
	}

	h.log.Debug("echo request", zap.String("correlation_id", msg.CorrelationID()))

	return h.replier.Reply(ctx, msg, map[string]any{"echo": payload})
}

// auditHandler records every order.created event published on orders.events.
type auditHandler struct {
	log *zap.Logger
}

func (h *auditHandler) QueueName() string    { return "orders.audit" }
func (h *auditHandler) Mode() broker.Mode    { return broker.ModeEvent }
func (h *auditHandler) SchemaPath() string   { return "" }
func (h *auditHandler) RoutingKey() string   { return "order.created" }
func (h *auditHandler) ExchangeName() string { return "orders.events" }

func (h *auditHandler) Handle(_ context.Context, msg broker.Message) error {
	var event map[string]any
	if err := json.Unmarshal(msg.Body(), &event); err != nil {
		return fmt.Errorf("decode order event: %w", err)
	}

	h.log.Info("order event", zap.String("routing_key", msg.RoutingKey()), zap.Any("event", event))

	return nil
}
