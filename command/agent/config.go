// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/banyan-project/banyan/banyan"
	"github.com/banyan-project/banyan/banyan/state"
)

// Config holds the agent's runtime configuration. Everything comes from the
// environment; there is no config file.
type Config struct {
	// BindAddr and Port are where the HTTP API listens.
	BindAddr string
	Port     int

	// Mongo is the document store to connect to.
	Mongo state.MongoConfig

	// UsageUpdatePoll is the availability checker's tick period.
	UsageUpdatePoll time.Duration

	LogLevel string
}

// DefaultConfig returns the config used when no environment overrides are
// set.
func DefaultConfig() *Config {
	return &Config{
		BindAddr: "0.0.0.0",
		Port:     5100,
		Mongo: state.MongoConfig{
			Host:   "127.0.0.1",
			Port:   27017,
			DBName: "banyan",
		},
		UsageUpdatePoll: banyan.DefaultUsageUpdatePoll,
		LogLevel:        "INFO",
	}
}

// LoadConfig builds the config from defaults overlaid with environment
// variables.
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	if v := os.Getenv("MONGO_HOST"); v != "" {
		config.Mongo.Host = v
	}
	if v := os.Getenv("MONGO_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MONGO_PORT %q: %w", v, err)
		}
		config.Mongo.Port = port
	}
	if v := os.Getenv("MONGO_DBNAME"); v != "" {
		config.Mongo.DBName = v
	}
	if v := os.Getenv("BANYAN_BIND"); v != "" {
		config.BindAddr = v
	}
	if v := os.Getenv("BANYAN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BANYAN_PORT %q: %w", v, err)
		}
		config.Port = port
	}
	if v := os.Getenv("BANYAN_POLL_PERIOD"); v != "" {
		period, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BANYAN_POLL_PERIOD %q: %w", v, err)
		}
		config.UsageUpdatePoll = period
	}
	if v := os.Getenv("BANYAN_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}

	return config, nil
}
