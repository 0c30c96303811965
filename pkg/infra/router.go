// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package infra

import (
	"strings"

	"github.com/GwynCerbin/rabbitkit/pkg/broker"
)

// Filter picks handlers of one mode, optionally restricted to a set of queues.
type Filter struct {
	Mode   broker.Mode
	queues map[string]struct{}
}

// NewFilter builds a Filter. An empty queue list matches every queue.
func NewFilter(mode broker.Mode, queues []string) Filter {
	f := Filter{Mode: mode}

	if len(queues) > 0 {
		f.queues = make(map[string]struct{}, len(queues))
		for _, q := range queues {
			f.queues[q] = struct{}{}
		}
	}

	return f
}

func (f Filter) Match(h broker.Handler) bool {
	if h.Mode() != f.Mode {
		return false
	}

	if f.queues == nil {
		return true
	}

	_, ok := f.queues[h.QueueName()]

	return ok
}

// ParseQueues splits a comma separated queue list, trimming blanks and
// dropping empty entries.
func ParseQueues(s string) []string {
	var out []string

	for _, q := range strings.Split(s, ",") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}

	return out
}
