// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the hub's on-disk YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	defaultDefaultLeaseSeconds           = 86400
	defaultMaxLeaseSeconds               = 2592000
	defaultDefaultPollingIntervalMinutes = 60
	defaultMinPollingIntervalMinutes     = 15
	defaultWebhookTimeoutMs              = 10000
	defaultWebhookRetries                = 3

	defaultPollTickInterval       = time.Minute
	defaultRenewalTickInterval    = 10 * time.Minute
	defaultExpirationTickInterval = 60 * time.Minute
	defaultRenewalWindow          = 60 * time.Minute

	defaultQueueWorkers  = 8
	defaultQueuePollTick = 500 * time.Millisecond
)

// Config is the hub's full runtime configuration.
type Config struct {
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
	HubURL  string `yaml:"hub_url"`

	DataDir string `yaml:"data_dir"`

	DefaultLeaseSeconds           int `yaml:"default_lease_seconds"`
	MaxLeaseSeconds               int `yaml:"max_lease_seconds"`
	DefaultPollingIntervalMinutes int `yaml:"default_polling_interval_minutes"`
	MinPollingIntervalMinutes     int `yaml:"min_polling_interval_minutes"`
	WebhookTimeoutMs              int `yaml:"webhook_timeout_ms"`
	WebhookRetries                int `yaml:"webhook_retries"`

	PollTickInterval       time.Duration `yaml:"poll_tick_interval"`
	RenewalTickInterval    time.Duration `yaml:"renewal_tick_interval"`
	ExpirationTickInterval time.Duration `yaml:"expiration_tick_interval"`
	RenewalWindow          time.Duration `yaml:"renewal_window"`

	QueueWorkers  int           `yaml:"queue_workers"`
	QueuePollTick time.Duration `yaml:"queue_poll_tick"`

	Debug bool `yaml:"debug"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Port:                          8000,
		DataDir:                       "./data",
		DefaultLeaseSeconds:           defaultDefaultLeaseSeconds,
		MaxLeaseSeconds:               defaultMaxLeaseSeconds,
		DefaultPollingIntervalMinutes: defaultDefaultPollingIntervalMinutes,
		MinPollingIntervalMinutes:     defaultMinPollingIntervalMinutes,
		WebhookTimeoutMs:              defaultWebhookTimeoutMs,
		WebhookRetries:                defaultWebhookRetries,
		PollTickInterval:              defaultPollTickInterval,
		RenewalTickInterval:           defaultRenewalTickInterval,
		ExpirationTickInterval:        defaultExpirationTickInterval,
		RenewalWindow:                 defaultRenewalWindow,
		QueueWorkers:                  defaultQueueWorkers,
		QueuePollTick:                 defaultQueuePollTick,
	}
}

// Load reads a YAML config file at path, applying Default() for any
// unspecified value.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes cfg as YAML to path.
func (c *Config) Save(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	data, err := yaml.MarshalWithOptions(c, yaml.Indent(4))
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// WebhookTimeout is WebhookTimeoutMs as a time.Duration.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutMs) * time.Millisecond
}

// Validate checks the configuration for values that would make the hub
// misbehave rather than merely look unusual.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url must be set")
	}
	if c.HubURL == "" {
		return fmt.Errorf("hub_url must be set")
	}
	if c.MaxLeaseSeconds < c.DefaultLeaseSeconds {
		return fmt.Errorf("max_lease_seconds (%d) must be >= default_lease_seconds (%d)", c.MaxLeaseSeconds, c.DefaultLeaseSeconds)
	}
	if c.DefaultPollingIntervalMinutes < c.MinPollingIntervalMinutes {
		return fmt.Errorf("default_polling_interval_minutes (%d) must be >= min_polling_interval_minutes (%d)", c.DefaultPollingIntervalMinutes, c.MinPollingIntervalMinutes)
	}
	if c.QueueWorkers < 1 {
		return fmt.Errorf("queue_workers must be >= 1")
	}
	return nil
}
