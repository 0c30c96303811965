// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"time"

	"github.com/GwynCerbin/rabbitkit/pkg/broker"
	"github.com/GwynCerbin/rabbitkit/pkg/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/GwynCerbin/rabbitkit"

type options struct {
	logger    *zap.Logger
	tracer    trace.Tracer
	meter     metric.Meter
	validator broker.SchemaValidator
	dial      dialFunc
	sleep     func(context.Context, time.Duration) error
}

// Option configures a Con, Consumer, Publisher or RpcClient.
type Option func(*options)

// WithLogger sets the structured logger. By default nothing is logged
// unless Client.Logging is set.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTracer sets the tracer used for consumer and producer spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithMeter sets the meter used for delivery counters.
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithValidator replaces the JSON schema validator.
func WithValidator(v broker.SchemaValidator) Option {
	return func(o *options) {
		o.validator = v
	}
}

func withDialer(d dialFunc) Option {
	return func(o *options) {
		o.dial = d
	}
}

func withSleep(f func(context.Context, time.Duration) error) Option {
	return func(o *options) {
		o.sleep = f
	}
}

func newOptions(cfg Client, opts ...Option) options {
	o := options{
		dial:  dialAMQP,
		sleep: sleepContext,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()

		if cfg.Logging {
			if l, err := zap.NewDevelopment(); err == nil {
				o.logger = l
			}
		}
	}

	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}

	if o.meter == nil {
		o.meter = otel.Meter(instrumentationName)
	}

	if o.validator == nil {
		o.validator = schema.NewValidator()
	}

	return o
}

// sleepContext pauses for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
