// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package banyan

import (
	"context"
	"time"

	metrics "github.com/armon/go-metrics"

	"github.com/banyan-project/banyan/banyan/state"
	"github.com/banyan-project/banyan/banyan/structs"
)

// ContinuationUpdate is one entry of a bulk add_continuations or
// remove_continuations request: the same continuation ids applied to every
// target task.
type ContinuationUpdate struct {
	Targets []string `json:"targets"`
	Values  []string `json:"values"`
}

// ExecutionDataUpdate is one entry of a bulk update_execution_data request:
// the same execution-data document applied to every target task's current
// attempt.
type ExecutionDataUpdate struct {
	Targets []string               `json:"targets"`
	Values  map[string]interface{} `json:"values"`
}

// AddContinuations applies a bulk add_continuations request. All entries run
// under one hold of the task lock; the first failing entry aborts the rest.
func (c *Coordinator) AddContinuations(ctx context.Context, updates []*ContinuationUpdate) error {
	defer metrics.MeasureSince([]string{"banyan", "virtual", "add_continuations"}, time.Now())

	if err := validateContinuationUpdates(updates); err != nil {
		return err
	}

	unlock := c.locks.Acquire(LockTasks)
	defer unlock()

	for _, up := range updates {
		for _, target := range up.Targets {
			if err := c.addContinuations(ctx, target, up.Values); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveContinuations applies a bulk remove_continuations request.
func (c *Coordinator) RemoveContinuations(ctx context.Context, updates []*ContinuationUpdate) error {
	defer metrics.MeasureSince([]string{"banyan", "virtual", "remove_continuations"}, time.Now())

	if err := validateContinuationUpdates(updates); err != nil {
		return err
	}

	unlock := c.locks.Acquire(LockTasks)
	defer unlock()

	for _, up := range updates {
		for _, target := range up.Targets {
			if err := c.removeContinuations(ctx, target, up.Values); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateExecutionData applies a bulk update_execution_data request.
func (c *Coordinator) UpdateExecutionData(ctx context.Context, updates []*ExecutionDataUpdate) error {
	defer metrics.MeasureSince([]string{"banyan", "virtual", "update_execution_data"}, time.Now())

	if len(updates) == 0 {
		return structs.NewValidationError("updates", "missing updates")
	}
	if len(updates) > structs.MaxUpdates {
		return structs.NewValidationError("updates", "more than %d updates", structs.MaxUpdates)
	}
	for _, up := range updates {
		if len(up.Targets) == 0 {
			return structs.NewValidationError("targets", "missing targets")
		}
		if len(up.Targets) > structs.MaxUpdates {
			return structs.NewValidationError("targets", "more than %d targets", structs.MaxUpdates)
		}
	}

	unlock := c.locks.Acquire(LockTasks)
	defer unlock()

	for _, up := range updates {
		for _, target := range up.Targets {
			task, err := c.store.TaskByID(ctx, target)
			if err != nil {
				return err
			}
			if err := c.applyExecutionDataUpdate(ctx, task, map[string]interface{}(up.Values)); err != nil {
				return err
			}
		}
	}
	return nil
}

// addContinuations links new continuation ids onto the parent and acquires
// the matching dependency edges. Caller holds LockTasks.
//
// The continuations list is only mutable while the parent is inactive; the
// cancellation traversal depends on that, so it is checked here and not just
// at the field schema.
func (c *Coordinator) addContinuations(ctx context.Context, parentID string, ids []string) error {
	parent, err := c.store.TaskByID(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.State != structs.TaskStateInactive {
		return structs.NewValidationError("add_continuations",
			"cannot add continuations to task in %q state", parent.State)
	}

	// Set semantics: ids already present are not re-acquired.
	newIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == parentID {
			return structs.NewValidationError("add_continuations",
				"task cannot have itself as a continuation")
		}
		if !parent.HasContinuation(id) && !containsID(newIDs, id) {
			newIDs = append(newIDs, id)
		}
	}
	if len(newIDs) == 0 {
		return nil
	}
	if len(parent.Continuations)+len(newIDs) > structs.MaxContinuations {
		return structs.NewValidationError("add_continuations",
			"more than %d continuations", structs.MaxContinuations)
	}

	children, err := c.store.TasksByID(ctx, newIDs)
	if err != nil {
		return structs.NewValidationError("add_continuations", "%v", err)
	}
	for _, child := range children {
		if child.State != structs.TaskStateInactive {
			return structs.NewValidationError("add_continuations",
				"continuation %s is %q, want inactive", child.ID, child.State)
		}
	}

	up := state.NewUpdate().AddToSet("continuations", newIDs...).Touch()
	if err := c.store.UpdateTask(ctx, parentID, up); err != nil {
		return err
	}
	return c.acquire(ctx, newIDs...)
}

// removeContinuations unlinks continuation ids from the parent and drops the
// matching dependency edges without activating anyone. Caller holds
// LockTasks.
func (c *Coordinator) removeContinuations(ctx context.Context, parentID string, ids []string) error {
	parent, err := c.store.TaskByID(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.State != structs.TaskStateInactive {
		return structs.NewValidationError("remove_continuations",
			"cannot remove continuations from task in %q state", parent.State)
	}

	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if parent.HasContinuation(id) && !containsID(present, id) {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return nil
	}

	up := state.NewUpdate().Pull("continuations", present...).Touch()
	if err := c.store.UpdateTask(ctx, parentID, up); err != nil {
		return err
	}
	return c.releaseKeepInactive(ctx, present)
}

func validateContinuationUpdates(updates []*ContinuationUpdate) error {
	if len(updates) == 0 {
		return structs.NewValidationError("updates", "missing updates")
	}
	if len(updates) > structs.MaxUpdates {
		return structs.NewValidationError("updates", "more than %d updates", structs.MaxUpdates)
	}
	for _, up := range updates {
		if len(up.Targets) == 0 {
			return structs.NewValidationError("targets", "missing targets")
		}
		if len(up.Targets) > structs.MaxUpdates {
			return structs.NewValidationError("targets", "more than %d targets", structs.MaxUpdates)
		}
		if len(up.Values) == 0 {
			return structs.NewValidationError("values", "missing values")
		}
		if len(up.Values) > structs.MaxContinuations {
			return structs.NewValidationError("values", "more than %d values", structs.MaxContinuations)
		}
		// An entry linking a task to itself is rejected whole, before any
		// of its targets are touched.
		for _, v := range up.Values {
			if containsID(up.Targets, v) {
				return structs.NewValidationError("values",
					"task %s appears in both targets and values", v)
			}
		}
	}
	return nil
}

// decodeIDList converts the JSON value of an embedded add_continuations or
// remove_continuations key into its id list.
func decodeIDList(field string, raw interface{}) ([]string, error) {
	var ids []string
	switch vs := raw.(type) {
	case []string:
		ids = vs
	case []interface{}:
		ids = make([]string, 0, len(vs))
		for _, v := range vs {
			s, ok := v.(string)
			if !ok {
				return nil, structs.NewValidationError(field, "values must be task ids")
			}
			ids = append(ids, s)
		}
	default:
		return nil, structs.NewValidationError(field, "values must be a list of task ids")
	}
	if len(ids) > structs.MaxContinuations {
		return nil, structs.NewValidationError(field, "more than %d values", structs.MaxContinuations)
	}
	return ids, nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
