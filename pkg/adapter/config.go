// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const mimeReadLimit = 512 //bytes that mime will read

const envPrefix = "RABBITMQ_"

const (
	defaultHost           = "localhost"
	defaultPort           = 5672
	defaultUsername       = "guest"
	defaultPassword       = "guest"
	defaultHeartbeat      = 30 * time.Second
	defaultDialTimeout    = 30 * time.Second
	defaultWaitTimeout    = 30 * time.Second
	defaultReconnectDelay = 2 * time.Second
	defaultRetryDelay     = 5 * time.Second
)

type Client struct {
	Username       string            `env:"USERNAME" yaml:"-"`
	Password       string            `env:"PASSWORD" yaml:"-"`
	Host           string            `env:"HOST" yaml:"host"`
	Port           int               `env:"PORT" yaml:"port"`
	VHost          string            `env:"VHOST" yaml:"vhost"`
	ConnectionName string            `env:"CONNECTION_NAME" yaml:"connection_name"`
	TcpHeartBeat   time.Duration     `env:"HEARTBEAT" yaml:"tcp_heartbeat"`
	DialTimeout    time.Duration     `env:"DIAL_TIMEOUT" yaml:"dial_timeout"`
	Properties     map[string]string `env:"PROPERTIES" yaml:"properties"`
	// WaitTimeout bounds one Consumer.WaitOnce cycle.
	WaitTimeout time.Duration `env:"WAIT_TIMEOUT" yaml:"wait_timeout"`
	// ReconnectDelay is the pause before the first reconnect attempt.
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" yaml:"reconnect_delay"`
	// RetryDelay is the pause between failed reconnect attempts.
	RetryDelay time.Duration `env:"RETRY_DELAY" yaml:"retry_delay"`
	Logging    bool          `env:"LOGGING" yaml:"logging"`
}

// LoadClient reads the optional YAML file at path, overlays RABBITMQ_*
// environment variables and fills the remaining zero values with defaults.
// An empty path or a missing file is not an error.
func LoadClient(path string) (*Client, error) {
	var cfg Client

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err = yaml.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

func (c *Client) setDefaults() {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Username == "" {
		c.Username = defaultUsername
	}
	if c.Password == "" {
		c.Password = defaultPassword
	}
	if c.TcpHeartBeat == 0 {
		c.TcpHeartBeat = defaultHeartbeat
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = defaultWaitTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c Client) withDefaults() Client {
	c.setDefaults()
	return c
}
