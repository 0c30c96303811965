// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

import (
	"github.com/GwynCerbin/rabbitkit/pkg/broker"
	"github.com/GwynCerbin/rabbitkit/pkg/infra"
)

// Router keeps every known queue handler in the order it was added and picks
// the ones a consumer process should serve.
type Router struct {
	handlers []broker.Handler
}

func NewRouter() *Router {
	return &Router{}
}

func (r *Router) Add(handlers ...broker.Handler) {
	r.handlers = append(r.handlers, handlers...)
}

// Handlers returns the handlers in registration order.
func (r *Router) Handlers() []broker.Handler {
	return append([]broker.Handler(nil), r.handlers...)
}

// Select returns the handlers of mode whose queue is in queues, preserving
// registration order. An empty queues list selects every handler of mode.
// It fails with infra.NoHandlersError when the router is empty and with
// infra.UnmatchedHandlersError when nothing fits.
func (r *Router) Select(mode broker.Mode, queues []string) ([]broker.Handler, error) {
	if len(r.handlers) == 0 {
		return nil, infra.NoHandlersError{}
	}

	filter := infra.NewFilter(mode, queues)

	var out []broker.Handler
	for _, h := range r.handlers {
		if filter.Match(h) {
			out = append(out, h)
		}
	}

	if len(out) == 0 {
		return nil, infra.UnmatchedHandlersError{Mode: mode.String(), Queues: queues}
	}

	return out, nil
}

// QueueNames returns the distinct queue names of handlers in first-seen order.
func QueueNames(handlers []broker.Handler) []string {
	seen := make(map[string]struct{}, len(handlers))
	out := make([]string, 0, len(handlers))

	for _, h := range handlers {
		if _, ok := seen[h.QueueName()]; ok {
			continue
		}

		seen[h.QueueName()] = struct{}{}
		out = append(out, h.QueueName())
	}

	return out
}
