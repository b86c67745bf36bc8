// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package banyan

import (
	"context"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
)

// DefaultUsageUpdatePoll is how often the availability checker inspects the
// worker registry.
const DefaultUsageUpdatePoll = 60 * time.Second

// AvailabilityChecker periodically polls the liveness of registered workers.
// A worker proves it is alive by advancing last_update on one of its
// execution records between ticks; one that stays silent for a full period
// has its tasks cancelled so they do not hang forever in running or
// pending_cancellation.
type AvailabilityChecker struct {
	coord  *Coordinator
	period time.Duration
	logger hclog.Logger

	// known is the snapshot of worker ids registered at the previous tick.
	// Workers not in it are new and only get a usage request; silence is
	// judged starting from their second tick.
	known    map[string]struct{}
	lastTick time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewAvailabilityChecker(coord *Coordinator, period time.Duration, logger hclog.Logger) *AvailabilityChecker {
	if period <= 0 {
		period = DefaultUsageUpdatePoll
	}
	return &AvailabilityChecker{
		coord:    coord,
		period:   period,
		logger:   logger.Named("availability"),
		known:    make(map[string]struct{}),
		lastTick: time.Now().UTC(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run ticks until Stop is called. It is meant to be launched as a goroutine
// by the agent.
func (a *AvailabilityChecker) Run(ctx context.Context) {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.period)
	defer ticker.Stop()

	a.logger.Info("availability checker started", "period", a.period)
	for {
		select {
		case <-ticker.C:
			a.tick(ctx)
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		}
	}
}

// Stop terminates the loop and waits for the current tick to finish.
func (a *AvailabilityChecker) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *AvailabilityChecker) tick(ctx context.Context) {
	defer metrics.MeasureSince([]string{"banyan", "availability", "tick"}, time.Now())

	tickStart := time.Now().UTC()

	unlock := a.coord.locks.Acquire(LockWorkerRegistry)
	defer unlock()

	workers, err := a.coord.store.ListWorkers(ctx)
	if err != nil {
		a.logger.Error("failed to list workers", "error", err)
		return
	}

	current := make(map[string]struct{}, len(workers))
	for _, worker := range workers {
		current[worker.WorkerID] = struct{}{}

		if _, seen := a.known[worker.WorkerID]; !seen {
			a.coord.notifier.RequestResourceUsage(worker.WorkerID)
			continue
		}

		updated, err := a.coord.store.WorkerUpdatedSince(ctx, worker.WorkerID, a.lastTick)
		if err != nil {
			a.logger.Error("failed to check worker updates", "worker_id", worker.WorkerID, "error", err)
			continue
		}
		if updated {
			a.coord.notifier.RequestResourceUsage(worker.WorkerID)
			continue
		}

		a.logger.Warn("worker went silent, cancelling its tasks", "worker_id", worker.WorkerID)
		metrics.IncrCounter([]string{"banyan", "availability", "silent_worker"}, 1)
		if err := a.coord.CancelWorkerTasks(ctx, worker.WorkerID); err != nil {
			a.logger.Error("failed to cancel tasks of silent worker", "worker_id", worker.WorkerID, "error", err)
		}
	}

	a.known = current
	a.lastTick = tickStart
}
