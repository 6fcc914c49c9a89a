// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The variable names are shared with other queue_classic implementations so
// one environment can drive producers and workers written in any of them.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrNoDatabaseURL is returned by Validate when neither connection variable
// is set.
var ErrNoDatabaseURL = errors.New("QC_DATABASE_URL or DATABASE_URL must be set")

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	// QCDatabaseURL takes precedence over DatabaseURL.
	QCDatabaseURL string `env:"QC_DATABASE_URL"`
	DatabaseURL   string `env:"DATABASE_URL"`
	AppName       string `env:"QC_APP_NAME" envDefault:"queue_classic"`
	// ConnectRetries bounds the startup wait for Postgres.
	ConnectRetries int `env:"QC_CONNECT_RETRIES" envDefault:"10"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	TopBound int  `env:"QC_TOP_BOUND"   envDefault:"9"`
	Fork     bool `env:"QC_FORK_WORKER" envDefault:"false"`
	// ListenTime is the idle wait in whole seconds.
	ListenTime int    `env:"QC_LISTEN_TIME" envDefault:"5"`
	Queue      string `env:"QUEUE"          envDefault:"default"`
	// Queues, when set, replaces Queue with an ordered priority list.
	Queues    []string `env:"QUEUES" envSeparator:","`
	Listening bool     `env:"QC_LISTENING_WORKER" envDefault:"true"`

	// ── Server ───────────────────────────────────────────────────────────────────
	// MetricsAddr enables /metrics and /healthz beside the worker; empty = off.
	MetricsAddr string `env:"METRICS_ADDR"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables. It does not
// validate; commands that need the database call Validate.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings a worker or producer needs.
func (c *Config) Validate() error {
	if c.ConnString() == "" {
		return ErrNoDatabaseURL
	}
	if c.TopBound < 1 {
		return fmt.Errorf("QC_TOP_BOUND must be at least 1, got %d", c.TopBound)
	}
	if c.ListenTime < 1 {
		return fmt.Errorf("QC_LISTEN_TIME must be at least 1, got %d", c.ListenTime)
	}
	if len(c.QueueNames()) == 0 {
		return errors.New("QUEUE or QUEUES must name at least one queue")
	}
	return nil
}

// ConnString returns QC_DATABASE_URL, falling back to DATABASE_URL.
func (c *Config) ConnString() string {
	if c.QCDatabaseURL != "" {
		return c.QCDatabaseURL
	}
	return c.DatabaseURL
}

// QueueNames returns the queues a worker serves, in priority order.
func (c *Config) QueueNames() []string {
	var names []string
	for _, q := range c.Queues {
		if q = strings.TrimSpace(q); q != "" {
			names = append(names, q)
		}
	}
	if len(names) > 0 {
		return names
	}
	if q := strings.TrimSpace(c.Queue); q != "" {
		return []string{q}
	}
	return nil
}

// WaitInterval returns ListenTime as a duration.
func (c *Config) WaitInterval() time.Duration {
	return time.Duration(c.ListenTime) * time.Second
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
