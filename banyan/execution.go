// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package banyan

import (
	"context"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/go-viper/mapstructure/v2"

	"github.com/banyan-project/banyan/banyan/state"
	"github.com/banyan-project/banyan/banyan/structs"
	"github.com/banyan-project/banyan/helper/pointer"
	"github.com/banyan-project/banyan/helper/token"
	"github.com/banyan-project/banyan/helper/uuid"
)

// ExecutionDataValues is the decoded form of an update_execution_data
// payload. A claim carries worker; a report carries token, exit_status and
// time_terminated; a usage update carries token plus the sampled fields.
type ExecutionDataValues struct {
	Worker         string                `mapstructure:"worker"`
	Token          string                `mapstructure:"token"`
	ExitStatus     string                `mapstructure:"exit_status"`
	TimeStarted    *time.Time            `mapstructure:"time_started"`
	TimeTerminated *time.Time            `mapstructure:"time_terminated"`
	LastUpdate     *time.Time            `mapstructure:"last_update"`
	Memory         *structs.MemoryUsage  `mapstructure:"memory"`
	CPUUsage       *structs.CPUUsage     `mapstructure:"cpu_usage"`
	GPUUsage       []*structs.GPUUsage   `mapstructure:"gpu_usage"`
}

// decodeExecutionData converts the raw JSON value of update_execution_data.
// Unknown keys are rejected, mirroring the store's schema enforcement.
func decodeExecutionData(raw interface{}) (*ExecutionDataValues, error) {
	if _, ok := raw.(map[string]interface{}); !ok {
		return nil, structs.NewValidationError("update_execution_data", "values must be a document")
	}

	var vals ExecutionDataValues
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &vals,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeHookFunc(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, structs.NewValidationError("update_execution_data", "%v", err)
	}
	return &vals, nil
}

// preflightExecutionData checks a transition's execution-data payload against
// the stored documents before the transition itself is written. A rejection
// here leaves the task exactly as it was; checking only afterwards would
// commit the state change and then bounce the payload, stranding the task.
func (c *Coordinator) preflightExecutionData(ctx context.Context, task *structs.Task, requested string, vals *ExecutionDataValues) error {
	switch requested {
	case structs.TaskStateRunning:
		_, err := c.claimCheck(ctx, task, vals)
		return err

	case structs.TaskStateTerminated:
		if _, err := c.currentRecord(ctx, task, vals); err != nil {
			return err
		}
		if vals.ExitStatus != structs.ExitStatusSuccess && vals.ExitStatus != structs.ExitStatusFailure {
			return structs.NewValidationError("exit_status", "exit status must be %q or %q",
				structs.ExitStatusSuccess, structs.ExitStatusFailure)
		}

	case structs.TaskStateCancelled:
		// A worker acknowledging a cancellation may attach final execution
		// data; if it does, the token must match.
		if vals != nil {
			if _, err := c.currentRecord(ctx, task, vals); err != nil {
				return err
			}
		}
	}
	return nil
}

// claimCheck validates that the worker named in a claim may take the task's
// next attempt. Returns the unstarted retry record to adopt, if one exists.
func (c *Coordinator) claimCheck(ctx context.Context, task *structs.Task, vals *ExecutionDataValues) (*structs.ExecutionRecord, error) {
	if vals.Worker == "" {
		return nil, structs.NewValidationError("update_execution_data", "claim requires a worker")
	}

	open, err := c.openAttempts(ctx, vals.Worker)
	if err != nil {
		return nil, err
	}
	if open >= structs.MaxTaskSetSize {
		return nil, structs.NewValidationError("update_execution_data",
			"worker %s already holds %d tasks", vals.Worker, open)
	}

	if task.ExecutionDataID != "" {
		rec, err := c.store.ExecutionRecordByID(ctx, task.ExecutionDataID)
		if err != nil {
			return nil, err
		}
		if !rec.Started() {
			return rec, nil
		}
	}

	if task.AttemptCount >= task.MaxAttemptCount {
		return nil, structs.NewValidationError("state", "no execution attempts remaining (%d of %d used)",
			task.AttemptCount, task.MaxAttemptCount)
	}
	return nil, nil
}

// openAttempts counts the worker's attempts that have not yet terminated.
func (c *Coordinator) openAttempts(ctx context.Context, workerID string) (int, error) {
	recs, err := c.store.RecordsForWorker(ctx, workerID)
	if err != nil {
		return 0, err
	}
	open := 0
	for _, rec := range recs {
		if rec.TimeTerminated == nil {
			open++
		}
	}
	return open, nil
}

// claimTask handles the execution-record side of an available -> running
// transition. Caller holds LockTasks and has already validated the
// transition itself. Returns the one-time token for the attempt.
//
// A retry leaves an unstarted record behind (minted when the failure was
// reported); the next claim adopts it instead of minting, so the token the
// worker receives is the one the provider can already observe on the task.
func (c *Coordinator) claimTask(ctx context.Context, task *structs.Task, vals *ExecutionDataValues) (string, error) {
	defer metrics.MeasureSince([]string{"banyan", "execution", "claim"}, time.Now())

	adopt, err := c.claimCheck(ctx, task, vals)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()

	if adopt != nil {
		up := state.NewUpdate().
			Set("worker_id", vals.Worker).
			Set("time_started", now).
			Set("last_update", now)
		if err := c.store.UpdateExecutionRecord(ctx, adopt.ID, up); err != nil {
			return "", err
		}
		tu := state.NewUpdate().Inc("attempt_count", 1).Touch()
		if err := c.store.UpdateTask(ctx, task.ID, tu); err != nil {
			return "", err
		}
		return adopt.Token, nil
	}

	rec := &structs.ExecutionRecord{
		ID:           uuid.Generate(),
		TaskID:       task.ID,
		AttemptCount: task.AttemptCount + 1,
		WorkerID:     vals.Worker,
		Token:        token.Generate(),
		TimeStarted:  pointer.Of(now),
		LastUpdate:   pointer.Of(now),
	}
	if err := c.store.InsertExecutionRecord(ctx, rec); err != nil {
		return "", err
	}

	tu := state.NewUpdate().
		Set("execution_data_id", rec.ID).
		Inc("attempt_count", 1).
		Touch()
	if err := c.store.UpdateTask(ctx, task.ID, tu); err != nil {
		return "", err
	}
	return rec.Token, nil
}

// reportTermination handles a worker's terminated report: finalize the
// current record, then route on the exit status. Success releases the
// continuations; a failure either queues the task for another attempt or,
// out of attempts, invalidates the subtree. Caller holds LockTasks.
func (c *Coordinator) reportTermination(ctx context.Context, task *structs.Task, vals *ExecutionDataValues) error {
	defer metrics.MeasureSince([]string{"banyan", "execution", "report"}, time.Now())

	rec, err := c.currentRecord(ctx, task, vals)
	if err != nil {
		return err
	}

	if vals.ExitStatus != structs.ExitStatusSuccess && vals.ExitStatus != structs.ExitStatusFailure {
		return structs.NewValidationError("exit_status", "exit status must be %q or %q",
			structs.ExitStatusSuccess, structs.ExitStatusFailure)
	}

	now := time.Now().UTC()
	terminated := now
	if vals.TimeTerminated != nil {
		terminated = *vals.TimeTerminated
	}

	up := state.NewUpdate().
		Set("exit_status", vals.ExitStatus).
		Set("time_terminated", terminated).
		Set("last_update", now)
	setUsageFields(up, vals)
	if err := c.store.UpdateExecutionRecord(ctx, rec.ID, up); err != nil {
		return err
	}

	if vals.ExitStatus == structs.ExitStatusSuccess {
		for _, contID := range task.Continuations {
			if err := c.release(ctx, contID); err != nil {
				return err
			}
		}
		return nil
	}

	if task.AttemptCount < task.MaxAttemptCount {
		metrics.IncrCounter([]string{"banyan", "execution", "retry"}, 1)

		next := &structs.ExecutionRecord{
			ID:           uuid.Generate(),
			TaskID:       task.ID,
			AttemptCount: task.AttemptCount + 1,
			Token:        token.Generate(),
		}
		if err := c.store.InsertExecutionRecord(ctx, next); err != nil {
			return err
		}

		tu := state.NewUpdate().
			Set("state", structs.TaskStateAvailable).
			Set("execution_data_id", next.ID).
			Touch()
		return c.store.UpdateTask(ctx, task.ID, tu)
	}

	metrics.IncrCounter([]string{"banyan", "execution", "exhausted"}, 1)
	return c.cancelContinuations(ctx, task)
}

// applyExecutionDataUpdate is the standalone update_execution_data path:
// token-gated, idempotent writes of resource-usage samples against the
// task's current record. Caller holds LockTasks.
func (c *Coordinator) applyExecutionDataUpdate(ctx context.Context, task *structs.Task, raw interface{}) error {
	switch task.State {
	case structs.TaskStateAvailable, structs.TaskStateRunning, structs.TaskStatePendingCancellation:
	default:
		return structs.NewValidationError("update_execution_data",
			"cannot update execution data of task in %q state", task.State)
	}

	vals, err := decodeExecutionData(raw)
	if err != nil {
		return err
	}
	rec, err := c.currentRecord(ctx, task, vals)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	up := state.NewUpdate().Set("last_update", now)
	if vals.LastUpdate != nil {
		up.Set("last_update", *vals.LastUpdate)
	}
	setUsageFields(up, vals)
	return c.store.UpdateExecutionRecord(ctx, rec.ID, up)
}

// currentRecord fetches the record behind task.ExecutionDataID and checks
// the caller's attempt token against it.
func (c *Coordinator) currentRecord(ctx context.Context, task *structs.Task, vals *ExecutionDataValues) (*structs.ExecutionRecord, error) {
	if task.ExecutionDataID == "" {
		return nil, structs.NewValidationError("update_execution_data", "task has no execution record")
	}
	rec, err := c.store.ExecutionRecordByID(ctx, task.ExecutionDataID)
	if err != nil {
		return nil, err
	}
	if vals.Token == "" || vals.Token != rec.Token {
		metrics.IncrCounter([]string{"banyan", "execution", "token_mismatch"}, 1)
		return nil, structs.NewValidationError("token", "%s", structs.ErrTokenMismatch)
	}
	return rec, nil
}

func setUsageFields(up *state.Update, vals *ExecutionDataValues) {
	if vals.Memory != nil {
		up.Set("memory", vals.Memory)
	}
	if vals.CPUUsage != nil {
		up.Set("cpu_usage", vals.CPUUsage)
	}
	if vals.GPUUsage != nil {
		up.Set("gpu_usage", vals.GPUUsage)
	}
}
