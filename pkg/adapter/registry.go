// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"sync"

	"github.com/GwynCerbin/rabbitkit/pkg/broker"
)

// Subscription describes one queue binding. It is plain data: replaying it
// after a reconnect redeclares the same topology and rebinds the same handler.
type Subscription struct {
	Queue   string
	Handler broker.Handler
	Mode    broker.Mode
	// Manual disables broker-side auto-acknowledgement (rpc consumption).
	Manual     bool
	RoutingKey string
	Exchange   string
}

// SubscriptionFor builds the subscription a handler asks for.
// Event handlers contribute their exchange and routing key.
func SubscriptionFor(h broker.Handler) Subscription {
	sub := Subscription{
		Queue:   h.QueueName(),
		Handler: h,
		Mode:    h.Mode(),
		Manual:  h.Mode() == broker.ModeRPC,
	}

	if eh, ok := h.(broker.EventHandler); ok {
		sub.RoutingKey = eh.RoutingKey()
		sub.Exchange = eh.ExchangeName()
	}

	return sub
}

func (s Subscription) validate() error {
	if s.Queue == "" {
		return &ConfigurationError{Queue: s.Queue, Reason: "empty queue name"}
	}

	if s.Handler == nil {
		return &ConfigurationError{Queue: s.Queue, Reason: "nil handler"}
	}

	if s.Mode != broker.ModeEvent {
		return nil
	}

	if s.Exchange == "" {
		return &ConfigurationError{Queue: s.Queue, Reason: "missing exchange for event queue"}
	}

	if s.RoutingKey == "" {
		return &ConfigurationError{Queue: s.Queue, Reason: "missing routing key for event queue"}
	}

	return nil
}

// autoAck reports whether the broker retires deliveries on send.
func (s Subscription) autoAck() bool {
	if s.Mode == broker.ModeEvent {
		return true
	}

	return !s.Manual
}

// manualAck reports whether deliveries must be settled by the client.
func (s Subscription) manualAck() bool {
	return !s.autoAck()
}

// Registry keeps subscriptions in registration order.
type Registry struct {
	mute sync.Mutex
	subs []Subscription
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(sub Subscription) {
	r.mute.Lock()
	r.subs = append(r.subs, sub)
	r.mute.Unlock()
}

// All returns a copy of the registered subscriptions in registration order.
func (r *Registry) All() []Subscription {
	r.mute.Lock()
	defer r.mute.Unlock()

	out := make([]Subscription, len(r.subs))
	copy(out, r.subs)

	return out
}

func (r *Registry) Clear() {
	r.mute.Lock()
	r.subs = nil
	r.mute.Unlock()
}

// Drain returns every subscription and empties the registry.
func (r *Registry) Drain() []Subscription {
	r.mute.Lock()
	defer r.mute.Unlock()

	out := r.subs
	r.subs = nil

	return out
}

func (r *Registry) Len() int {
	r.mute.Lock()
	defer r.mute.Unlock()

	return len(r.subs)
}
