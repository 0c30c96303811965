// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package infra

import (
	"fmt"
	"strings"
)

// NoHandlersError is returned when no queue handler has been registered at all.
type NoHandlersError struct {
}

func (NoHandlersError) Error() string {
	return "no queue handlers registered"
}

// UnmatchedHandlersError is returned when handlers exist but none fit the
// requested mode and queue list.
type UnmatchedHandlersError struct {
	Mode   string
	Queues []string
}

func (e UnmatchedHandlersError) Error() string {
	if len(e.Queues) == 0 {
		return fmt.Sprintf("no handlers matched mode %s", e.Mode)
	}

	return fmt.Sprintf("no handlers matched mode %s and queues %s", e.Mode, strings.Join(e.Queues, ", "))
}

type ConsumerCloseError struct {
}

func (ConsumerCloseError) Error() string {
	return "close consumer, dropped with error"
}
