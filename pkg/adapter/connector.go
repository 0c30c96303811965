// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// State is the lifecycle stage of a Con.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Con owns one AMQP connection and the single channel opened on it.
// The pair is replaced as a unit by reopen, so readers never observe a
// channel that belongs to a different connection.
type Con struct {
	// connection holds the active AMQP connection.
	connection amqpConnection
	// channel is the channel opened on connection.
	channel amqpChannel
	// connClosed and chanClosed receive close notifications for the current pair.
	connClosed chan *amqp091.Error
	chanClosed chan *amqp091.Error
	// url is the target URI for dialing the broker.
	url *url.URL
	// cfg stores the AMQP client configuration.
	cfg  amqp091.Config
	dial dialFunc
	log  *zap.Logger

	state  atomic.Int32
	closed atomic.Bool
	// mute serializes reopen and Close against channel readers.
	mute sync.RWMutex
}

// Dial establishes an AMQP connection and channel using the provided client configuration.
func Dial(cfg *Client, opts ...Option) (*Con, error) {
	if cfg == nil {
		return nil, ConConfEmptyError{}
	}

	c := newCon(cfg.withDefaults(), newOptions(*cfg, opts...))
	if err := c.reopen(); err != nil {
		return nil, err
	}

	return c, nil
}

// newCon prepares a Con in the Disconnected state without dialing.
func newCon(cfg Client, o options) *Con {
	props := amqp091.NewConnectionProperties()
	for k, v := range cfg.Properties {
		props[k] = v
	}
	if cfg.ConnectionName != "" {
		props.SetClientConnectionName(cfg.ConnectionName)
	}

	return &Con{
		url: &url.URL{
			Scheme: "amqp",
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		},
		cfg: amqp091.Config{
			SASL: []amqp091.Authentication{
				&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password},
			},
			Vhost:      cfg.VHost,
			Properties: props,
			Heartbeat:  cfg.TcpHeartBeat,
			Dial:       amqp091.DefaultDial(cfg.DialTimeout),
		},
		dial: o.dial,
		log:  o.logger,
	}
}

// State returns the current lifecycle stage.
func (c *Con) State() State {
	return State(c.state.Load())
}

func (c *Con) setState(s State) {
	c.state.Store(int32(s))
}

// reopen releases the current connection and channel, if any, and dials a new pair.
func (c *Con) reopen() error {
	c.mute.Lock()
	defer c.mute.Unlock()

	if c.closed.Load() {
		return ConnClosedError{}
	}

	if err := c.release(); err != nil {
		c.log.Debug("release stale connection", zap.Error(err))
	}

	c.setState(StateConnecting)

	con, err := c.dial(c.url.String(), c.cfg)
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("dial amqp091: %w", err)
	}

	ch, err := con.Channel()
	if err != nil {
		_ = con.Close()
		c.setState(StateFailed)
		return fmt.Errorf("create channel: %w", err)
	}

	c.connection = con
	c.channel = ch
	c.connClosed = con.NotifyClose(make(chan *amqp091.Error, 1))
	c.chanClosed = ch.NotifyClose(make(chan *amqp091.Error, 1))
	c.setState(StateConnected)

	c.log.Info("rabbit connected", zap.String("host", c.url.Host))

	return nil
}

// Channel returns the channel of the current connection.
func (c *Con) Channel() (amqpChannel, error) {
	c.mute.RLock()
	defer c.mute.RUnlock()

	if c.closed.Load() {
		return nil, ConnClosedError{}
	}

	if c.channel == nil || c.State() != StateConnected {
		return nil, NotConnectedError{}
	}

	return c.channel, nil
}

// closeNotify returns the close-notification channels of the current pair.
// Both are nil while disconnected, which blocks forever in a select.
func (c *Con) closeNotify() (conn, ch <-chan *amqp091.Error) {
	c.mute.RLock()
	defer c.mute.RUnlock()

	if c.State() != StateConnected {
		return nil, nil
	}

	return c.connClosed, c.chanClosed
}

// markDisconnected records that the current pair was found closed.
func (c *Con) markDisconnected() {
	c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected))
}

// release closes channel and connection, tolerating either being closed already.
// The caller must hold mute.
func (c *Con) release() error {
	var errs []error

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	if c.connection != nil && !c.connection.IsClosed() {
		if err := c.connection.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	c.channel = nil
	c.connection = nil
	c.connClosed = nil
	c.chanClosed = nil

	return errors.Join(errs...)
}

// Close releases the channel and the connection. It is idempotent: only the
// first call does any work, later calls return nil.
func (c *Con) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mute.Lock()
	defer c.mute.Unlock()

	err := c.release()
	c.setState(StateDisconnected)

	if err != nil {
		c.log.Warn("rabbit close", zap.Error(err))
		return fmt.Errorf("close connection error: %w", err)
	}

	return nil
}
