// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package banyan

import (
	"context"
	"fmt"

	"github.com/banyan-project/banyan/banyan/state"
	"github.com/banyan-project/banyan/banyan/structs"
)

// The continuation engine maintains the dependency counters on the edges of
// the task graph. Every function here assumes the caller holds LockTasks.
//
// Activation through these functions always lands on available, command or
// not. The commandless short-circuit to terminated belongs to the request
// paths (create and update); a child released by its last parent stays
// available until something addresses it again.

// acquire records a new parent edge on each child.
func (c *Coordinator) acquire(ctx context.Context, childIDs ...string) error {
	if len(childIDs) == 0 {
		return nil
	}
	up := state.NewUpdate().Inc("pending_dependency_count", 1).Touch()
	return c.store.UpdateTasks(ctx, childIDs, up)
}

// release drops one parent edge from the child after a successful parent
// termination. The last edge to drop activates the child.
func (c *Coordinator) release(ctx context.Context, childID string) error {
	child, err := c.store.TaskByID(ctx, childID)
	if err != nil {
		return err
	}
	if child.State != structs.TaskStateInactive {
		return fmt.Errorf("released continuation %s is %q, want inactive", childID, child.State)
	}
	if child.PendingDependencyCount < 1 {
		return fmt.Errorf("released continuation %s has no pending dependencies", childID)
	}

	if child.PendingDependencyCount > 1 {
		up := state.NewUpdate().Inc("pending_dependency_count", -1).Touch()
		return c.store.UpdateTask(ctx, childID, up)
	}
	return c.activate(ctx, childID)
}

// releaseKeepInactive drops one parent edge without ever changing the
// child's state. Used when an edge is removed rather than released: a child
// whose count reaches zero this way stays inactive on purpose, activation is
// the provider's call.
func (c *Coordinator) releaseKeepInactive(ctx context.Context, childIDs []string) error {
	if len(childIDs) == 0 {
		return nil
	}

	children, err := c.store.TasksByID(ctx, childIDs)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.State != structs.TaskStateInactive {
			return fmt.Errorf("removed continuation %s is %q, want inactive", child.ID, child.State)
		}
		if child.PendingDependencyCount < 1 {
			return fmt.Errorf("removed continuation %s has no pending dependencies", child.ID)
		}
	}

	up := state.NewUpdate().Inc("pending_dependency_count", -1).Touch()
	return c.store.UpdateTasks(ctx, childIDs, up)
}

// tryMakeAvailable activates a child whose parent terminated at insert time,
// before any edge was acquired. Children holding pending edges are left
// alone.
func (c *Coordinator) tryMakeAvailable(ctx context.Context, childID string) error {
	child, err := c.store.TaskByID(ctx, childID)
	if err != nil {
		return err
	}
	if child.State != structs.TaskStateInactive {
		return fmt.Errorf("continuation %s is %q, want inactive", childID, child.State)
	}
	if child.PendingDependencyCount != 0 {
		return nil
	}
	return c.activate(ctx, childID)
}

// activate flips an inactive task with no remaining edges to available.
func (c *Coordinator) activate(ctx context.Context, taskID string) error {
	up := state.NewUpdate().
		Set("pending_dependency_count", 0).
		Set("state", structs.TaskStateAvailable).
		Touch()
	return c.store.UpdateTask(ctx, taskID, up)
}

// cancelTask cancels the task and every descendant in its continuation
// closure, then unlinks all of them from any remaining parents.
func (c *Coordinator) cancelTask(ctx context.Context, task *structs.Task) error {
	if task.State != structs.TaskStateCancelled {
		up := state.NewUpdate().Set("state", structs.TaskStateCancelled).Touch()
		if err := c.store.UpdateTask(ctx, task.ID, up); err != nil {
			return err
		}
	}
	if err := c.cancelContinuations(ctx, task); err != nil {
		return err
	}
	return c.store.RemoveContinuationEverywhere(ctx, task.ID)
}

// cancelContinuations cancels the continuation closure of the task without
// touching the task itself; a task that failed its last attempt stays
// terminated while its subtree is invalidated. Descendants are necessarily
// inactive (continuations may only be added to or removed from inactive
// parents), so the traversal cannot race an activation. The traversal is an
// explicit frontier rather than recursion; depth is bounded only by graph
// depth times the continuation cap. Dependency counts of cancelled children
// are left as they are; the counter invariant only binds inactive tasks.
func (c *Coordinator) cancelContinuations(ctx context.Context, task *structs.Task) error {
	frontier := append([]string(nil), task.Continuations...)
	seen := map[string]struct{}{task.ID: {}}
	var cancelled []string

	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		child, err := c.store.TaskByID(ctx, id)
		if err != nil {
			return err
		}
		if child.State != structs.TaskStateInactive {
			return fmt.Errorf("cancelled continuation %s is %q, want inactive", id, child.State)
		}

		up := state.NewUpdate().Set("state", structs.TaskStateCancelled).Touch()
		if err := c.store.UpdateTask(ctx, id, up); err != nil {
			return err
		}
		cancelled = append(cancelled, id)
		frontier = append(frontier, child.Continuations...)
	}

	// Unlink the cancelled tasks from every parent still pointing at
	// them.
	for _, id := range cancelled {
		if err := c.store.RemoveContinuationEverywhere(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
