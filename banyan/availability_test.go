// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package banyan

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/banyan-project/banyan/banyan/structs"
	"github.com/banyan-project/banyan/ci"
	"github.com/banyan-project/banyan/helper/testlog"
)

func testChecker(t *testing.T) (*AvailabilityChecker, *Coordinator, *recordingNotifier) {
	coord, notifier := testCoordinator(t)
	checker := NewAvailabilityChecker(coord, time.Hour, testlog.HCLogger(t))
	return checker, coord, notifier
}

func registerTestWorker(t *testing.T, coord *Coordinator, workerID string) {
	t.Helper()
	err := coord.store.InsertWorker(context.Background(), &structs.RegisteredWorker{
		WorkerID:    workerID,
		Address:     structs.WorkerAddress{IP: "10.0.0.1", Port: 7070},
		Permissions: []string{structs.WorkerPermissionClaim, structs.WorkerPermissionReport},
	})
	must.NoError(t, err)
}

func TestAvailabilityChecker_NewWorkerGetsUsageRequest(t *testing.T) {
	ci.Parallel(t)
	checker, coord, notifier := testChecker(t)
	ctx := context.Background()

	registerTestWorker(t, coord, "w1")
	checker.tick(ctx)

	must.Eq(t, []string{"w1"}, notifier.usageRequests)
}

func TestAvailabilityChecker_SilentWorkerTasksCancelled(t *testing.T) {
	ci.Parallel(t)
	checker, coord, _ := testChecker(t)
	ctx := context.Background()

	registerTestWorker(t, coord, testWorker.ID)
	task := mustCreate(t, coord, &structs.Task{Command: "x", State: structs.TaskStateAvailable})
	claim(t, coord, task.ID)

	// First tick only snapshots the worker; the claim's initial
	// last_update counts for the interval it happened in.
	checker.tick(ctx)

	// No updates between ticks: the worker is presumed gone.
	checker.tick(ctx)
	must.Eq(t, structs.TaskStateCancelled, mustGet(t, coord, task.ID).State)
}

func TestAvailabilityChecker_ActiveWorkerSpared(t *testing.T) {
	ci.Parallel(t)
	checker, coord, notifier := testChecker(t)
	ctx := context.Background()

	registerTestWorker(t, coord, testWorker.ID)
	task := mustCreate(t, coord, &structs.Task{Command: "x", State: structs.TaskStateAvailable})
	attemptToken := claim(t, coord, task.ID)

	checker.tick(ctx)

	// The worker phones in a usage update between ticks.
	err := coord.UpdateExecutionData(ctx, []*ExecutionDataUpdate{{
		Targets: []string{task.ID},
		Values: map[string]interface{}{
			"token":  attemptToken,
			"memory": map[string]interface{}{"resident_memory_bytes": 1},
		},
	}})
	must.NoError(t, err)

	checker.tick(ctx)
	must.Eq(t, structs.TaskStateRunning, mustGet(t, coord, task.ID).State)

	// Known live workers are asked again each tick.
	must.Eq(t, []string{testWorker.ID, testWorker.ID}, notifier.usageRequests)
}

func TestAvailabilityChecker_DeregisteredWorkerForgotten(t *testing.T) {
	ci.Parallel(t)
	checker, coord, notifier := testChecker(t)
	ctx := context.Background()

	registerTestWorker(t, coord, "w1")
	checker.tick(ctx)

	must.NoError(t, coord.store.DeleteWorker(ctx, "w1"))
	checker.tick(ctx)

	// Only the initial request; a gone worker is not polled.
	must.Eq(t, []string{"w1"}, notifier.usageRequests)
}
