// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package banyan

import (
	"context"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-hclog"

	"github.com/banyan-project/banyan/banyan/state"
	"github.com/banyan-project/banyan/banyan/structs"
)

// WorkerNotifier is the push channel from the server to registered workers.
// The coordinator calls it while holding the worker registry lock; methods
// other than Register queue a frame and never block on the socket.
type WorkerNotifier interface {
	// Register dials the worker's control address and starts its writer.
	// The response token authenticates the server on every frame.
	Register(worker *structs.RegisteredWorker, responseToken string) error

	// Deregister tears the connection down. When notify is set, a
	// deregistration notice is flushed first.
	Deregister(workerID string, notify bool)

	// SendCancellation tells the worker to stop executing the task.
	SendCancellation(workerID, taskID string)

	// RequestResourceUsage asks the worker for a usage report on every task
	// it holds.
	RequestResourceUsage(workerID string)
}

// noopNotifier stands in until the agent wires the real one, and in engine
// tests that do not care about worker pushes.
type noopNotifier struct{}

func (noopNotifier) Register(*structs.RegisteredWorker, string) error { return nil }
func (noopNotifier) Deregister(string, bool)                          {}
func (noopNotifier) SendCancellation(string, string)                  {}
func (noopNotifier) RequestResourceUsage(string)                      {}

// Coordinator owns the orchestration semantics: task lifecycle, the
// dependency graph, execution attempts, and the worker registry. All
// multi-document mutations run under the named lock for their domain, so the
// store only needs per-document atomicity.
type Coordinator struct {
	store    state.Store
	locks    *Locks
	logger   hclog.Logger
	notifier WorkerNotifier
}

func NewCoordinator(store state.Store, logger hclog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		locks:    NewLocks(),
		logger:   logger.Named("coordinator"),
		notifier: noopNotifier{},
	}
}

// SetNotifier wires in the worker push channel. Called once during agent
// setup, before any request is served.
func (c *Coordinator) SetNotifier(n WorkerNotifier) {
	c.notifier = n
}

// TaskUpdateResult is what a successful task update hands back to the HTTP
// layer. AttemptToken is set only when the update claimed the task; the token
// travels once, in this response.
type TaskUpdateResult struct {
	Task         *structs.Task
	AttemptToken string
}

// CreateTask validates and inserts a new task, then settles the dependency
// edges its continuations gained. A task created directly in the available
// state without a command has nothing to run and terminates on the spot; its
// continuations are activated if nothing else holds them.
func (c *Coordinator) CreateTask(ctx context.Context, task *structs.Task) (*structs.Task, error) {
	defer metrics.MeasureSince([]string{"banyan", "task", "create"}, time.Now())

	task = task.Copy()
	task.Canonicalize()
	if err := task.Validate(); err != nil {
		return nil, err
	}

	unlock := c.locks.Acquire(LockTasks)
	defer unlock()

	// Continuations must name existing, still-inactive tasks; an edge to a
	// task that already left inactive could never release.
	if len(task.Continuations) > 0 {
		children, err := c.store.TasksByID(ctx, task.Continuations)
		if err != nil {
			return nil, structs.NewValidationError("continuations", "%v", err)
		}
		for _, child := range children {
			if child.State != structs.TaskStateInactive {
				return nil, structs.NewValidationError("continuations",
					"continuation %s is %q, want inactive", child.ID, child.State)
			}
		}
	}

	// A grouping task born available is already done.
	immediate := task.State == structs.TaskStateAvailable && !task.HasCommand()
	if immediate {
		task.State = structs.TaskStateTerminated
	}

	if err := c.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}

	if immediate {
		// No edges were ever acquired, so this is an activation check,
		// not a release.
		for _, id := range task.Continuations {
			if err := c.tryMakeAvailable(ctx, id); err != nil {
				return nil, err
			}
		}
	} else if err := c.acquire(ctx, task.Continuations...); err != nil {
		return nil, err
	}

	metrics.IncrCounter([]string{"banyan", "task", "created"}, 1)
	return c.store.TaskByID(ctx, task.ID)
}

// AuthenticateToken resolves a request token to its user.
func (c *Coordinator) AuthenticateToken(ctx context.Context, requestToken string) (*structs.User, error) {
	return c.store.UserByRequestToken(ctx, requestToken)
}

// GetTask returns the task by id.
func (c *Coordinator) GetTask(ctx context.Context, id string) (*structs.Task, error) {
	return c.store.TaskByID(ctx, id)
}

// ListTasks returns all tasks, optionally filtered to one state.
func (c *Coordinator) ListTasks(ctx context.Context, taskState string) ([]*structs.Task, error) {
	if taskState != "" && !structs.ValidTaskState(taskState) {
		return nil, structs.NewValidationError("state", "unknown state %q", taskState)
	}
	return c.store.ListTasks(ctx, taskState)
}

// UpdateTask applies a PATCH payload for the given user. The payload is split
// into physical field writes and embedded bulk operations, checked against
// the field schema and the role's transition table, applied, and then the
// state change's consequences are carried out: claims mint or adopt an
// attempt, terminations release or invalidate continuations, cancellations
// tear down the subtree.
func (c *Coordinator) UpdateTask(ctx context.Context, user *structs.User, id string, payload map[string]interface{}) (*TaskUpdateResult, error) {
	defer metrics.MeasureSince([]string{"banyan", "task", "update"}, time.Now())

	physical, virtual := structs.SplitTaskUpdate(payload)

	unlock := c.locks.Acquire(LockTasks)
	defer unlock()

	original, err := c.store.TaskByID(ctx, id)
	if err != nil {
		return nil, err
	}

	requested := ""
	if raw, ok := physical["state"]; ok {
		requested, _ = raw.(string)

		// A provider cancelling a running task cannot revoke the worker's
		// claim synchronously; the request is downgraded to
		// pending_cancellation and the worker is told to stop.
		if user.Role == structs.RoleProvider &&
			requested == structs.TaskStateCancelled &&
			original.State == structs.TaskStateRunning {
			requested = structs.TaskStatePendingCancellation
			physical["state"] = requested
		}
	}

	if err := structs.ValidateTaskUpdate(physical, original); err != nil {
		return nil, err
	}

	if requested != "" {
		table := structs.TransitionTableForRole(user.Role)
		if !structs.TransitionAllowed(table, original.State, requested) {
			if structs.TransitionAllowed(structs.LegalTransitions, original.State, requested) {
				return nil, structs.ErrPermissionDenied
			}
			return nil, structs.NewValidationError("state",
				"illegal transition from %q to %q", original.State, requested)
		}
		if requested == structs.TaskStateAvailable && original.PendingDependencyCount != 0 {
			return nil, structs.NewValidationError("state",
				"task still has %d pending dependencies", original.PendingDependencyCount)
		}
	}

	// Claims, termination reports and cancellation acknowledgements carry
	// their execution data inline; decode it up front so a malformed
	// payload fails before anything is written.
	var execVals *ExecutionDataValues
	execConsumed := requested == structs.TaskStateRunning ||
		requested == structs.TaskStateTerminated ||
		(requested == structs.TaskStateCancelled && user.Role == structs.RoleWorker)
	if raw, ok := virtual["update_execution_data"]; ok && execConsumed {
		if execVals, err = decodeExecutionData(raw); err != nil {
			return nil, err
		}
	}
	if execVals == nil && (requested == structs.TaskStateRunning || requested == structs.TaskStateTerminated) {
		return nil, structs.NewValidationError("update_execution_data",
			"transition to %q requires update_execution_data", requested)
	}

	// The payload must also be consistent with the stored documents before
	// anything is written: a rejected claim or report leaves no trace.
	if execConsumed {
		if err := c.preflightExecutionData(ctx, original, requested, execVals); err != nil {
			return nil, err
		}
	}

	normalized, err := normalizeTaskFields(physical)
	if err != nil {
		return nil, err
	}
	if len(normalized) > 0 {
		up := state.NewUpdate().Touch()
		for field, value := range normalized {
			up.Set(field, value)
		}
		if err := c.store.UpdateTask(ctx, id, up); err != nil {
			return nil, err
		}
	}

	// Embedded bulk operations apply against the updated document, in
	// declaration order.
	for _, field := range structs.VirtualTaskFields {
		raw, ok := virtual[field]
		if !ok {
			continue
		}
		switch field {
		case "add_continuations", "remove_continuations":
			ids, err := decodeIDList(field, raw)
			if err != nil {
				return nil, err
			}
			if field == "add_continuations" {
				err = c.addContinuations(ctx, id, ids)
			} else {
				err = c.removeContinuations(ctx, id, ids)
			}
			if err != nil {
				return nil, err
			}
		case "update_execution_data":
			if execConsumed {
				continue
			}
			task, err := c.store.TaskByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if err := c.applyExecutionDataUpdate(ctx, task, raw); err != nil {
				return nil, err
			}
		}
	}

	task, err := c.store.TaskByID(ctx, id)
	if err != nil {
		return nil, err
	}

	attemptToken := ""
	switch requested {
	case structs.TaskStateAvailable:
		if !task.HasCommand() {
			// Nothing to run; the activation is a termination and the
			// held edges release immediately.
			up := state.NewUpdate().Set("state", structs.TaskStateTerminated).Touch()
			if err := c.store.UpdateTask(ctx, id, up); err != nil {
				return nil, err
			}
			for _, contID := range task.Continuations {
				if err := c.release(ctx, contID); err != nil {
					return nil, err
				}
			}
		}

	case structs.TaskStateRunning:
		if attemptToken, err = c.claimTask(ctx, task, execVals); err != nil {
			return nil, err
		}

	case structs.TaskStateTerminated:
		if err := c.reportTermination(ctx, task, execVals); err != nil {
			return nil, err
		}

	case structs.TaskStatePendingCancellation:
		if task.ExecutionDataID != "" {
			rec, err := c.store.ExecutionRecordByID(ctx, task.ExecutionDataID)
			if err != nil {
				return nil, err
			}
			c.notifier.SendCancellation(rec.WorkerID, task.ID)
		}

	case structs.TaskStateCancelled:
		if execVals != nil {
			if err := c.finalizeCancelledRecord(ctx, task, execVals); err != nil {
				return nil, err
			}
		}
		if err := c.cancelTask(ctx, task); err != nil {
			return nil, err
		}
	}

	final, err := c.store.TaskByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TaskUpdateResult{Task: final, AttemptToken: attemptToken}, nil
}

// finalizeCancelledRecord closes out the current attempt when a worker
// acknowledges a cancellation.
func (c *Coordinator) finalizeCancelledRecord(ctx context.Context, task *structs.Task, vals *ExecutionDataValues) error {
	rec, err := c.currentRecord(ctx, task, vals)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	terminated := now
	if vals.TimeTerminated != nil {
		terminated = *vals.TimeTerminated
	}
	up := state.NewUpdate().
		Set("time_terminated", terminated).
		Set("last_update", now)
	setUsageFields(up, vals)
	return c.store.UpdateExecutionRecord(ctx, rec.ID, up)
}

// GetExecutionRecord returns one attempt record by id.
func (c *Coordinator) GetExecutionRecord(ctx context.Context, id string) (*structs.ExecutionRecord, error) {
	return c.store.ExecutionRecordByID(ctx, id)
}

// ListExecutionRecords returns every attempt record.
func (c *Coordinator) ListExecutionRecords(ctx context.Context) ([]*structs.ExecutionRecord, error) {
	return c.store.ListExecutionRecords(ctx)
}

// RegisterWorker records a worker's control address and connects the
// notifier to it. Registration fails if the worker cannot be dialed; a
// worker the server cannot reach would never learn about cancellations.
func (c *Coordinator) RegisterWorker(ctx context.Context, worker *structs.RegisteredWorker) (*structs.RegisteredWorker, error) {
	defer metrics.MeasureSince([]string{"banyan", "worker", "register"}, time.Now())

	worker = worker.Copy()
	worker.Canonicalize()
	if err := worker.Validate(); err != nil {
		return nil, err
	}

	// The registration must name a known worker user; the user's response
	// token is what authenticates our frames to the worker.
	user, err := c.store.UserByID(ctx, worker.WorkerID)
	if err == structs.ErrUserNotFound {
		return nil, structs.NewValidationError("worker_id", "unknown worker %q", worker.WorkerID)
	}
	if err != nil {
		return nil, err
	}
	if user.Role != structs.RoleWorker {
		return nil, structs.NewValidationError("worker_id", "user %q is not a worker", user.Name)
	}

	unlock := c.locks.Acquire(LockWorkerRegistry)
	defer unlock()

	if err := c.store.InsertWorker(ctx, worker); err != nil {
		return nil, err
	}
	if err := c.notifier.Register(worker, user.ResponseToken); err != nil {
		if derr := c.store.DeleteWorker(ctx, worker.WorkerID); derr != nil {
			c.logger.Error("failed to roll back unreachable worker",
				"worker_id", worker.WorkerID, "error", derr)
		}
		return nil, structs.NewValidationError("address",
			"cannot connect to worker at %s: %v", worker.Address, err)
	}

	c.logger.Info("registered worker", "worker_id", worker.WorkerID, "address", worker.Address.String())
	return worker, nil
}

// GetWorker returns one registration by worker id.
func (c *Coordinator) GetWorker(ctx context.Context, workerID string) (*structs.RegisteredWorker, error) {
	return c.store.WorkerByID(ctx, workerID)
}

// ListWorkers returns every registration.
func (c *Coordinator) ListWorkers(ctx context.Context) ([]*structs.RegisteredWorker, error) {
	return c.store.ListWorkers(ctx)
}

// DeregisterWorker removes a registration on request: the worker gets a
// deregistration notice, the connection is torn down, and any tasks it still
// holds are cancelled.
func (c *Coordinator) DeregisterWorker(ctx context.Context, workerID string) error {
	defer metrics.MeasureSince([]string{"banyan", "worker", "deregister"}, time.Now())

	unlock := c.locks.Acquire(LockWorkerRegistry)
	defer unlock()

	if _, err := c.store.WorkerByID(ctx, workerID); err != nil {
		return err
	}
	c.notifier.Deregister(workerID, true)
	if err := c.store.DeleteWorker(ctx, workerID); err != nil {
		return err
	}

	c.logger.Info("deregistered worker", "worker_id", workerID)
	return c.CancelWorkerTasks(ctx, workerID)
}

// HandleDeadWorker is invoked when the notifier loses a worker's connection.
// The registration is dropped without a notice (there is nobody to notify)
// and the worker's tasks are cancelled.
func (c *Coordinator) HandleDeadWorker(ctx context.Context, workerID string) {
	unlock := c.locks.Acquire(LockWorkerRegistry)
	defer unlock()

	c.notifier.Deregister(workerID, false)
	if err := c.store.DeleteWorker(ctx, workerID); err != nil && err != structs.ErrWorkerNotFound {
		c.logger.Error("failed to drop dead worker", "worker_id", workerID, "error", err)
		return
	}

	c.logger.Warn("lost connection to worker, cancelling its tasks", "worker_id", workerID)
	if err := c.CancelWorkerTasks(ctx, workerID); err != nil {
		c.logger.Error("failed to cancel tasks of dead worker", "worker_id", workerID, "error", err)
	}
}

// CancelWorkerTasks cancels every task the worker currently holds. The open
// attempt records are closed as failures so that history reflects what
// happened to them.
func (c *Coordinator) CancelWorkerTasks(ctx context.Context, workerID string) error {
	defer metrics.MeasureSince([]string{"banyan", "worker", "cancel_tasks"}, time.Now())

	unlock := c.locks.Acquire(LockTasks)
	defer unlock()

	recs, err := c.store.RecordsForWorker(ctx, workerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	cancelled := 0
	for _, rec := range recs {
		if rec.TimeTerminated != nil {
			continue
		}
		task, err := c.store.TaskByID(ctx, rec.TaskID)
		if err == structs.ErrTaskNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if task.ExecutionDataID != rec.ID {
			continue
		}
		switch task.State {
		case structs.TaskStateRunning, structs.TaskStatePendingCancellation:
		default:
			continue
		}

		up := state.NewUpdate().
			Set("exit_status", structs.ExitStatusFailure).
			Set("time_terminated", now).
			Set("last_update", now)
		if err := c.store.UpdateExecutionRecord(ctx, rec.ID, up); err != nil {
			return err
		}
		if err := c.cancelTask(ctx, task); err != nil {
			return err
		}
		cancelled++
	}

	if cancelled > 0 {
		c.logger.Info("cancelled tasks of worker", "worker_id", workerID, "tasks", cancelled)
		metrics.IncrCounter([]string{"banyan", "worker", "tasks_cancelled"}, float32(cancelled))
	}
	return nil
}

// normalizeTaskFields converts the JSON-decoded physical fields of a PATCH
// into the types the store adapters expect, enforcing per-field bounds along
// the way.
func normalizeTaskFields(physical map[string]interface{}) (map[string]interface{}, error) {
	var ve structs.ValidationError
	out := make(map[string]interface{}, len(physical))

	for field, value := range physical {
		switch field {
		case "name":
			s, _ := value.(string)
			if len(s) > structs.MaxNameLength {
				ve.Add(field, "name exceeds %d characters", structs.MaxNameLength)
				continue
			}
			out[field] = s
		case "command":
			s, _ := value.(string)
			if len(s) > structs.MaxCommandLength {
				ve.Add(field, "command exceeds %d characters", structs.MaxCommandLength)
				continue
			}
			out[field] = s
		case "max_attempt_count":
			n, ok := asInt64(value)
			if !ok || n < 1 {
				ve.Add(field, "must be a positive integer")
				continue
			}
			out[field] = int(n)
		case "estimated_runtime_ms", "max_shutdown_time_ms":
			n, ok := asInt64(value)
			if !ok || n < 0 {
				ve.Add(field, "must be a non-negative integer")
				continue
			}
			out[field] = n
		case "requested_resources":
			var rr structs.RequestedResources
			dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				Result:      &rr,
				ErrorUnused: true,
			})
			if err != nil {
				return nil, err
			}
			if err := dec.Decode(value); err != nil {
				ve.Add(field, "%v", err)
				continue
			}
			out[field] = &rr
		default:
			out[field] = value
		}
	}

	if err := ve.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
