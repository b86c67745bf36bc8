// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"strings"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/banyan-project/banyan/ci"
)

func TestTask_Canonicalize(t *testing.T) {
	ci.Parallel(t)

	task := &Task{Command: "echo hi"}
	task.Canonicalize()

	must.NotEq(t, "", task.ID)
	must.Eq(t, TaskStateInactive, task.State)
	must.NotNil(t, task.Continuations)
	must.Eq(t, DefaultMaxAttemptCount, task.MaxAttemptCount)
	must.Eq(t, DefaultMaxShutdownTime.Milliseconds(), task.MaxShutdownTimeMs)
	must.False(t, task.CreateTime.IsZero())
	must.Eq(t, task.CreateTime, task.ModifyTime)
}

func TestTask_Canonicalize_Commandless(t *testing.T) {
	ci.Parallel(t)

	task := &Task{}
	task.Canonicalize()

	// A grouping task never runs, so a shutdown grace period makes no
	// sense for it.
	must.Zero(t, task.MaxShutdownTimeMs)
	must.False(t, task.HasCommand())
}

func TestTask_Validate(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name  string
		task  *Task
		field string
	}{
		{
			name:  "created running",
			task:  &Task{State: TaskStateRunning},
			field: "state",
		},
		{
			name:  "name too long",
			task:  &Task{State: TaskStateInactive, Name: strings.Repeat("n", MaxNameLength+1)},
			field: "name",
		},
		{
			name:  "command too long",
			task:  &Task{State: TaskStateInactive, Command: strings.Repeat("c", MaxCommandLength+1)},
			field: "command",
		},
		{
			name:  "zero attempts",
			task:  &Task{State: TaskStateInactive},
			field: "max_attempt_count",
		},
		{
			name:  "self continuation",
			task:  &Task{ID: "t1", State: TaskStateInactive, MaxAttemptCount: 1, Continuations: []string{"t1"}},
			field: "continuations",
		},
		{
			name:  "duplicate continuation",
			task:  &Task{ID: "t1", State: TaskStateInactive, MaxAttemptCount: 1, Continuations: []string{"c", "c"}},
			field: "continuations",
		},
		{
			name:  "preset dependency count",
			task:  &Task{State: TaskStateInactive, MaxAttemptCount: 1, PendingDependencyCount: 2},
			field: "pending_dependency_count",
		},
		{
			name:  "resources on commandless task",
			task:  &Task{State: TaskStateInactive, MaxAttemptCount: 1, RequestedResources: &RequestedResources{GPUCount: 1}},
			field: "requested_resources",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.task.Validate()
			must.Error(t, err)
			ve, ok := IsValidation(err)
			must.True(t, ok)
			must.MapContainsKey(t, ve.Issues, tc.field)
		})
	}

	ok := &Task{State: TaskStateInactive, Command: "x", MaxAttemptCount: 3}
	must.NoError(t, ok.Validate())
}

func TestTask_Copy(t *testing.T) {
	ci.Parallel(t)

	task := &Task{
		ID:                 "t1",
		Command:            "x",
		Continuations:      []string{"c1"},
		RequestedResources: &RequestedResources{GPUCount: 2},
	}
	other := task.Copy()
	other.Continuations[0] = "changed"
	other.RequestedResources.GPUCount = 9

	must.Eq(t, "c1", task.Continuations[0])
	must.Eq(t, 2, task.RequestedResources.GPUCount)
}

func TestUser_Validate(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, (&User{Name: "alice", Role: RoleProvider}).Validate())
	must.Error(t, (&User{Role: RoleProvider}).Validate())
	must.Error(t, (&User{Name: "bob", Role: "admin"}).Validate())
}

func TestRegisteredWorker_Validate(t *testing.T) {
	ci.Parallel(t)

	w := &RegisteredWorker{WorkerID: "w1", Address: WorkerAddress{IP: "10.0.0.1", Port: 7070}}
	w.Canonicalize()
	must.NoError(t, w.Validate())
	must.SliceContains(t, w.Permissions, WorkerPermissionClaim)
	must.SliceContains(t, w.Permissions, WorkerPermissionReport)

	bad := &RegisteredWorker{WorkerID: "w1", Address: WorkerAddress{IP: "10.0.0.1", Port: 99999}}
	must.Error(t, bad.Validate())

	perms := &RegisteredWorker{
		WorkerID:    "w1",
		Address:     WorkerAddress{IP: "10.0.0.1", Port: 7070},
		Permissions: []string{"root"},
	}
	must.Error(t, perms.Validate())
}

func TestExecutionRecord_Started(t *testing.T) {
	ci.Parallel(t)

	rec := &ExecutionRecord{ID: "r1", TaskID: "t1", Token: "tok"}
	must.False(t, rec.Started())
}

func TestValidationError_FirstIssueWins(t *testing.T) {
	ci.Parallel(t)

	var ve ValidationError
	ve.Add("state", "first")
	ve.Add("state", "second")
	must.Eq(t, "first", ve.Issues["state"])

	must.Error(t, ve.OrNil())
	var empty ValidationError
	must.NoError(t, empty.OrNil())
}
