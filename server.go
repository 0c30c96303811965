// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GwynCerbin/rabbitkit/pkg/adapter"
	"github.com/GwynCerbin/rabbitkit/pkg/broker"
	"github.com/GwynCerbin/rabbitkit/pkg/infra"
	"go.uber.org/zap"
)

// Engine is the consumer side a Server drives. *adapter.Consumer satisfies it.
type Engine interface {
	Consume(sub adapter.Subscription) error
	WaitOnce(ctx context.Context) error
	Close() error
}

var _ Engine = (*adapter.Consumer)(nil)

// Server registers handlers on an Engine and drives its wait loop.
//   - engine: the consumer that owns the broker connection.
//   - done:   closed when ListenAndServe has returned.
//
// Handlers run one at a time on the goroutine calling ListenAndServe.
type Server struct {
	engine Engine
	log    *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer returns a Server driving engine. A nil logger disables logging.
func NewServer(engine Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	return &Server{
		engine: engine,
		log:    log,
		done:   make(chan struct{}),
	}
}

// Register subscribes every handler in order. rpc handlers consume with
// manual acknowledgement; event handlers contribute their exchange and
// routing key. The first failing subscription stops registration.
func (s *Server) Register(handlers []broker.Handler) error {
	if len(handlers) == 0 {
		return infra.NoHandlersError{}
	}

	for _, h := range handlers {
		if err := s.engine.Consume(adapter.SubscriptionFor(h)); err != nil {
			return fmt.Errorf("register %s: %w", h.QueueName(), err)
		}
	}

	return nil
}

// ListenAndServe calls WaitOnce until ctx is done or the engine is closed by
// Shutdown; both return nil. Any other engine error is returned as is.
func (s *Server) ListenAndServe(ctx context.Context) error {
	defer s.closeOnce.Do(func() { close(s.done) })

	for ctx.Err() == nil {
		if err := s.engine.WaitOnce(ctx); err != nil {
			if stopped(err) {
				break
			}

			return err
		}
	}

	s.log.Info("rabbit consumer stopped")

	return nil
}

// Shutdown closes the engine and waits for ListenAndServe to return or for
// ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.engine.Close(); err != nil {
		s.log.Warn("rabbit shutdown", zap.Error(fmt.Errorf("%w: %w", infra.ConsumerCloseError{}, err)))
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stopped(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, adapter.ConsumerClosedError{})
}
