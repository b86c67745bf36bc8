// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

// Task lifecycle states.
const (
	// TaskStateInactive tasks are waiting on parent edges. The last
	// dependency to release flips them to available.
	TaskStateInactive = "inactive"

	// TaskStateAvailable tasks are claimable by workers.
	TaskStateAvailable = "available"

	// TaskStateRunning tasks are held by a worker.
	TaskStateRunning = "running"

	// TaskStatePendingCancellation is set when a provider cancels a
	// running task; the worker's next report resolves it to cancelled or
	// terminated.
	TaskStatePendingCancellation = "pending_cancellation"

	// TaskStateCancelled tasks were cancelled directly or invalidated by
	// a parent being cancelled or failing permanently.
	TaskStateCancelled = "cancelled"

	// TaskStateTerminated tasks finished executing, successfully or not.
	TaskStateTerminated = "terminated"
)

// LegalProviderTransitions describes the state changes a provider may
// request. A request to cancel a running task is rewritten by the
// coordinator to pending_cancellation before this table is consulted, but
// the direct form is legal too.
var LegalProviderTransitions = map[string][]string{
	TaskStateInactive:            {TaskStateCancelled, TaskStateAvailable},
	TaskStateAvailable:           {TaskStateCancelled},
	TaskStateRunning:             {TaskStatePendingCancellation},
	TaskStatePendingCancellation: {},
	TaskStateCancelled:           {},
	TaskStateTerminated:          {},
}

// LegalWorkerTransitions describes the state changes a worker may request.
var LegalWorkerTransitions = map[string][]string{
	TaskStateInactive:            {},
	TaskStateAvailable:           {TaskStateRunning},
	TaskStateRunning:             {TaskStateTerminated},
	TaskStatePendingCancellation: {TaskStateCancelled, TaskStateTerminated},
	TaskStateCancelled:           {},
	TaskStateTerminated:          {},
}

// LegalTransitions is the union of the role tables. It is the only
// transition set the store boundary accepts, regardless of who asked.
var LegalTransitions = unionTransitions(LegalProviderTransitions, LegalWorkerTransitions)

func unionTransitions(tables ...map[string][]string) map[string][]string {
	out := make(map[string][]string)
	for _, table := range tables {
		for from, tos := range table {
			if _, ok := out[from]; !ok {
				out[from] = []string{}
			}
			for _, to := range tos {
				if !contains(out[from], to) {
					out[from] = append(out[from], to)
				}
			}
		}
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// ValidTaskState reports whether s names a task state.
func ValidTaskState(s string) bool {
	switch s {
	case TaskStateInactive, TaskStateAvailable, TaskStateRunning,
		TaskStatePendingCancellation, TaskStateCancelled, TaskStateTerminated:
		return true
	}
	return false
}

// TransitionAllowed reports whether the given table permits from -> to.
func TransitionAllowed(table map[string][]string, from, to string) bool {
	return contains(table[from], to)
}

// TransitionTableForRole returns the transition table a role is checked
// against.
func TransitionTableForRole(role string) map[string][]string {
	if role == RoleWorker {
		return LegalWorkerTransitions
	}
	return LegalProviderTransitions
}
