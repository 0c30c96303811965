// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Command rabbit-consume serves the built-in queue handlers of one mode until
// it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	rabbit "github.com/GwynCerbin/rabbitkit"
	"github.com/GwynCerbin/rabbitkit/pkg/adapter"
	"github.com/GwynCerbin/rabbitkit/pkg/broker"
	"github.com/GwynCerbin/rabbitkit/pkg/infra"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type flags struct {
	queues       string
	mode         string
	config       string
	ordersSchema string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:          "rabbit-consume",
		Short:        "Consume messages from RabbitMQ queues",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cmd.OutOrStdout(), f)
		},
	}

	cmd.Flags().StringVar(&f.queues, "queue", "", "comma separated list of queues to consume")
	cmd.Flags().StringVar(&f.mode, "mode", string(broker.ModeBasic), "consumption mode: basic, rpc or event")
	cmd.Flags().StringVar(&f.config, "config", "", "path to a YAML client config")
	cmd.Flags().StringVar(&f.ordersSchema, "orders-schema", "", "JSON schema the orders payload must satisfy")

	return cmd
}

// demoRouter holds one built-in handler per mode.
func demoRouter(log *zap.Logger, ordersSchema string, echo *echoHandler) *rabbit.Router {
	router := rabbit.NewRouter()
	router.Add(&orderHandler{log: log, schema: ordersSchema}, echo, &auditHandler{log: log})

	return router
}

func run(ctx context.Context, out io.Writer, f flags) error {
	mode, err := broker.ParseMode(f.mode)
	if err != nil {
		return err
	}

	cfg, err := adapter.LoadClient(f.config)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	echo := &echoHandler{log: log}

	handlers, err := demoRouter(log, f.ordersSchema, echo).Select(mode, infra.ParseQueues(f.queues))
	switch {
	case errors.As(err, &infra.NoHandlersError{}):
		fmt.Fprintln(out, "No queue handlers found. Make sure your handlers are added to the router.")
		return nil
	case errors.As(err, &infra.UnmatchedHandlersError{}):
		fmt.Fprintln(out, "No handlers matched the provided --queue option.")
		return nil
	case err != nil:
		return err
	}

	if mode == broker.ModeRPC {
		pub, err := adapter.NewPublisher(cfg, adapter.WithLogger(log))
		if err != nil {
			return fmt.Errorf("create reply publisher: %w", err)
		}
		defer pub.Close()

		echo.replier = pub
	}

	consumer, err := adapter.NewConsumer(cfg, adapter.WithLogger(log))
	if err != nil {
		return err
	}
	defer consumer.Close()

	srv := rabbit.NewServer(consumer, log)
	if err = srv.Register(handlers); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "RabbitMQ consumer ready")
	fmt.Fprintf(out, "  %-12s %s\n", "Queues", strings.Join(rabbit.QueueNames(handlers), ", "))
	fmt.Fprintf(out, "  %-12s %s\n", "Mode", mode)
	fmt.Fprintf(out, "  %-12s %s\n", "Started at", time.Now().Format(time.DateTime))
	fmt.Fprintln(out)

	if err = srv.ListenAndServe(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out, "RabbitMQ consumer stopped gracefully.")

	return nil
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	return cfg.Build()
}
