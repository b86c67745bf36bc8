// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent wires the Banyan server together: store, coordinator, worker
// notifier, availability checker, and the HTTP API.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/banyan-project/banyan/banyan"
	"github.com/banyan-project/banyan/banyan/notify"
	"github.com/banyan-project/banyan/banyan/state"
)

// Agent owns the long-lived services of one server process.
type Agent struct {
	config *Config
	logger hclog.Logger

	store    state.Store
	coord    *banyan.Coordinator
	notifier *notify.Notifier
	checker  *banyan.AvailabilityChecker

	checkerCancel context.CancelFunc

	shutdown     bool
	shutdownLock sync.Mutex
}

// NewAgent assembles the services on top of the given store and starts the
// availability checker. The HTTP server is started separately by
// NewHTTPServer so tests can drive the agent without a listener.
func NewAgent(config *Config, store state.Store, logger hclog.Logger) (*Agent, error) {
	a := &Agent{
		config: config,
		logger: logger.Named("agent"),
		store:  store,
	}

	if err := store.EnsureIndexes(context.Background()); err != nil {
		return nil, fmt.Errorf("ensuring store indexes: %w", err)
	}

	a.coord = banyan.NewCoordinator(store, logger)
	a.notifier = notify.NewNotifier(logger, func(workerID string) {
		a.coord.HandleDeadWorker(context.Background(), workerID)
	})
	a.coord.SetNotifier(a.notifier)

	checkerCtx, cancel := context.WithCancel(context.Background())
	a.checkerCancel = cancel
	a.checker = banyan.NewAvailabilityChecker(a.coord, config.UsageUpdatePoll, logger)
	go a.checker.Run(checkerCtx)

	return a, nil
}

// Coordinator exposes the engine to the HTTP layer.
func (a *Agent) Coordinator() *banyan.Coordinator {
	return a.coord
}

// Shutdown stops the background services and closes the store. Pending
// notifier frames are dropped; workers find out when their sockets close.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}
	a.shutdown = true

	a.logger.Info("shutting down agent")
	a.checkerCancel()
	a.notifier.Shutdown()
	return a.store.Close(context.Background())
}
