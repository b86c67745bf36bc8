// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs defines the data model shared by the Banyan server, the
// store adapters, and the HTTP layer.
package structs

import (
	"fmt"
	"time"

	"github.com/banyan-project/banyan/helper/uuid"
)

const (
	// MaxContinuations bounds the continuations list of a single task, and
	// the values list of a single bulk update. Together with MaxUpdates it
	// keeps any one bulk operation under the 16 MiB document cap of the
	// store.
	MaxContinuations = 1024

	// MaxUpdates bounds the number of outer {targets, values} entries in a
	// bulk update.
	MaxUpdates = 128

	// MaxTaskSetSize bounds the number of tasks a worker may hold at once.
	MaxTaskSetSize = 128

	// MaxPayloadBytes bounds the request body of a bulk update.
	MaxPayloadBytes = 16 << 20

	// MaxNameLength and MaxCommandLength bound user-supplied strings.
	MaxNameLength    = 256
	MaxCommandLength = 1024
)

const (
	// DefaultMaxShutdownTime is how long a worker waits for a task to exit
	// after SIGTERM before sending SIGKILL. Generous, in case the task
	// must flush a large amount of state to a slow disk.
	DefaultMaxShutdownTime = 10 * time.Minute

	// DefaultMaxAttemptCount is the number of execution attempts a task
	// gets when the provider does not ask for retries.
	DefaultMaxAttemptCount = 1
)

const (
	RoleProvider = "provider"
	RoleWorker   = "worker"
)

// Exit statuses reported by workers when a task terminates.
const (
	ExitStatusSuccess = "success"
	ExitStatusFailure = "failure"
)

// Worker registration permissions.
const (
	WorkerPermissionClaim  = "claim"
	WorkerPermissionReport = "report"
)

// CPUCores describes how many cores a task wants. The worker runs the task
// only if max(Count, Percent/100 * available cores) cores are free.
type CPUCores struct {
	Count   int     `json:"count" bson:"count" mapstructure:"count"`
	Percent float64 `json:"percent" bson:"percent" mapstructure:"percent"`
}

// RequestedResources describes the resources a task expects to consume over
// the course of its execution. It is advisory for scheduling on the worker;
// the server only stores it.
type RequestedResources struct {
	CPUMemoryBytes            int64    `json:"cpu_memory_bytes" bson:"cpu_memory_bytes" mapstructure:"cpu_memory_bytes"`
	CPUCores                  CPUCores `json:"cpu_cores" bson:"cpu_cores" mapstructure:"cpu_cores"`
	GPUCount                  int      `json:"gpu_count" bson:"gpu_count" mapstructure:"gpu_count"`
	GPUMemoryBytes            int64    `json:"gpu_memory_bytes" bson:"gpu_memory_bytes" mapstructure:"gpu_memory_bytes"`
	GPUComputeCapabilityMajor int      `json:"gpu_compute_capability_major" bson:"gpu_compute_capability_major" mapstructure:"gpu_compute_capability_major"`
	GPUComputeCapabilityMinor int      `json:"gpu_compute_capability_minor" bson:"gpu_compute_capability_minor" mapstructure:"gpu_compute_capability_minor"`
}

func (r *RequestedResources) Copy() *RequestedResources {
	if r == nil {
		return nil
	}
	nr := *r
	return &nr
}

// Task is a unit of work. A task with a command is executed by a worker; a
// task without one is a grouping node that waits for its parents and then
// releases its continuations.
type Task struct {
	ID   string `json:"id" bson:"_id"`
	Name string `json:"name,omitempty" bson:"name,omitempty"`

	// Command is the shell string a worker executes. Absence makes this a
	// grouping task.
	Command string `json:"command,omitempty" bson:"command,omitempty"`

	State string `json:"state" bson:"state"`

	// Continuations holds the ids of the tasks released when this task
	// terminates successfully. Set semantics, never contains ID.
	Continuations []string `json:"continuations" bson:"continuations"`

	// PendingDependencyCount is the number of parent edges that have not
	// released yet. Positive implies State == inactive.
	PendingDependencyCount int `json:"pending_dependency_count" bson:"pending_dependency_count"`

	RequestedResources *RequestedResources `json:"requested_resources,omitempty" bson:"requested_resources,omitempty"`

	// EstimatedRuntime is advisory; nothing enforces it. It lets providers
	// compute time estimates for task chains.
	EstimatedRuntimeMs int64 `json:"estimated_runtime_ms,omitempty" bson:"estimated_runtime_ms,omitempty"`
	MaxShutdownTimeMs  int64 `json:"max_shutdown_time_ms,omitempty" bson:"max_shutdown_time_ms,omitempty"`

	MaxAttemptCount int `json:"max_attempt_count" bson:"max_attempt_count"`
	AttemptCount    int `json:"attempt_count" bson:"attempt_count"`

	// ExecutionDataID refers to the record of the latest execution
	// attempt. Present iff AttemptCount >= 1.
	ExecutionDataID string `json:"execution_data_id,omitempty" bson:"execution_data_id,omitempty"`

	CreateTime time.Time `json:"create_time" bson:"create_time"`
	ModifyTime time.Time `json:"modify_time" bson:"modify_time"`
}

// HasCommand reports whether the task executes anything, or is only a
// grouping node.
func (t *Task) HasCommand() bool {
	return t.Command != ""
}

// HasContinuation reports whether id is already a continuation of the task.
func (t *Task) HasContinuation(id string) bool {
	for _, c := range t.Continuations {
		if c == id {
			return true
		}
	}
	return false
}

func (t *Task) Copy() *Task {
	if t == nil {
		return nil
	}
	nt := *t
	nt.Continuations = append([]string(nil), t.Continuations...)
	nt.RequestedResources = t.RequestedResources.Copy()
	return &nt
}

// Canonicalize fills in defaults for a task about to be created.
func (t *Task) Canonicalize() {
	if t.ID == "" {
		t.ID = uuid.Generate()
	}
	if t.State == "" {
		t.State = TaskStateInactive
	}
	if t.Continuations == nil {
		t.Continuations = []string{}
	}
	if t.MaxAttemptCount == 0 {
		t.MaxAttemptCount = DefaultMaxAttemptCount
	}
	if t.MaxShutdownTimeMs == 0 && t.HasCommand() {
		t.MaxShutdownTimeMs = DefaultMaxShutdownTime.Milliseconds()
	}
	now := time.Now().UTC()
	if t.CreateTime.IsZero() {
		t.CreateTime = now
	}
	t.ModifyTime = now
}

// Validate checks the invariants that must hold for a task at creation time.
// Cross-document checks (continuation states) are the coordinator's job.
func (t *Task) Validate() error {
	var ve ValidationError

	if t.State != TaskStateInactive && t.State != TaskStateAvailable {
		ve.Add("state", "tasks can only be created in the 'inactive' and 'available' states, not %q", t.State)
	}
	if len(t.Name) > MaxNameLength {
		ve.Add("name", "name exceeds %d characters", MaxNameLength)
	}
	if len(t.Command) > MaxCommandLength {
		ve.Add("command", "command exceeds %d characters", MaxCommandLength)
	}
	if len(t.Continuations) > MaxContinuations {
		ve.Add("continuations", "more than %d continuations", MaxContinuations)
	}
	if t.MaxAttemptCount < 1 {
		ve.Add("max_attempt_count", "must be at least 1")
	}
	if t.PendingDependencyCount != 0 {
		ve.Add("pending_dependency_count", "field is read-only")
	}
	if t.EstimatedRuntimeMs < 0 {
		ve.Add("estimated_runtime_ms", "must be non-negative")
	}
	if t.MaxShutdownTimeMs < 0 {
		ve.Add("max_shutdown_time_ms", "must be non-negative")
	}
	if !t.HasCommand() && t.RequestedResources != nil {
		ve.Add("requested_resources", "only meaningful for tasks with a command")
	}
	if !t.HasCommand() && t.EstimatedRuntimeMs != 0 {
		ve.Add("estimated_runtime_ms", "only meaningful for tasks with a command")
	}

	seen := make(map[string]struct{}, len(t.Continuations))
	for _, c := range t.Continuations {
		if c == t.ID {
			ve.Add("continuations", "task cannot have itself as a continuation")
			break
		}
		if _, ok := seen[c]; ok {
			ve.Add("continuations", "field contains duplicates")
			break
		}
		seen[c] = struct{}{}
	}

	return ve.OrNil()
}

// MemoryUsage is sampled from the worker-side process tree.
type MemoryUsage struct {
	ResidentMemoryBytes int64 `json:"resident_memory_bytes" bson:"resident_memory_bytes" mapstructure:"resident_memory_bytes"`
	VirtualMemoryBytes  int64 `json:"virtual_memory_bytes" bson:"virtual_memory_bytes" mapstructure:"virtual_memory_bytes"`
}

type CPUUsage struct {
	UtilizationPercent float64 `json:"utilization_percent" bson:"utilization_percent" mapstructure:"utilization_percent"`
}

type GPUUsage struct {
	Ordinal         int   `json:"ordinal" bson:"ordinal" mapstructure:"ordinal"`
	UsedMemoryBytes int64 `json:"used_memory_bytes" bson:"used_memory_bytes" mapstructure:"used_memory_bytes"`
}

// ExecutionRecord describes one attempt by a worker to run a task. Its
// lifetime exceeds the owning task's; history is never rewritten, a retry
// mints a fresh record.
type ExecutionRecord struct {
	ID     string `json:"id" bson:"_id"`
	TaskID string `json:"task_id" bson:"task_id"`

	// AttemptCount is 1-based and matches the task's AttemptCount at the
	// time the attempt terminates.
	AttemptCount int `json:"attempt_count" bson:"attempt_count"`

	WorkerID string `json:"worker_id,omitempty" bson:"worker_id,omitempty"`

	// Token authenticates reports for this attempt. One-time: a new
	// attempt gets a new token.
	Token string `json:"token" bson:"token"`

	TimeStarted    *time.Time `json:"time_started,omitempty" bson:"time_started,omitempty"`
	TimeTerminated *time.Time `json:"time_terminated,omitempty" bson:"time_terminated,omitempty"`
	ExitStatus     string     `json:"exit_status,omitempty" bson:"exit_status,omitempty"`

	// LastUpdate is bumped by resource-usage reports and read by the
	// availability checker to decide whether the worker is alive.
	LastUpdate *time.Time   `json:"last_update,omitempty" bson:"last_update,omitempty"`
	Memory     *MemoryUsage `json:"memory,omitempty" bson:"memory,omitempty"`
	CPUUsage   *CPUUsage    `json:"cpu_usage,omitempty" bson:"cpu_usage,omitempty"`
	GPUUsage   []*GPUUsage  `json:"gpu_usage,omitempty" bson:"gpu_usage,omitempty"`
}

// Started reports whether a worker has picked this attempt up.
func (r *ExecutionRecord) Started() bool {
	return r.TimeStarted != nil
}

func (r *ExecutionRecord) Copy() *ExecutionRecord {
	if r == nil {
		return nil
	}
	nr := *r
	if r.TimeStarted != nil {
		ts := *r.TimeStarted
		nr.TimeStarted = &ts
	}
	if r.TimeTerminated != nil {
		tt := *r.TimeTerminated
		nr.TimeTerminated = &tt
	}
	if r.LastUpdate != nil {
		lu := *r.LastUpdate
		nr.LastUpdate = &lu
	}
	if r.Memory != nil {
		m := *r.Memory
		nr.Memory = &m
	}
	if r.CPUUsage != nil {
		c := *r.CPUUsage
		nr.CPUUsage = &c
	}
	nr.GPUUsage = make([]*GPUUsage, len(r.GPUUsage))
	for i, g := range r.GPUUsage {
		ng := *g
		nr.GPUUsage[i] = &ng
	}
	return &nr
}

// User is an identity known to the server: a provider submitting tasks or a
// worker executing them.
type User struct {
	ID   string `json:"id" bson:"_id"`
	Name string `json:"name" bson:"name"`
	Role string `json:"role" bson:"role"`

	// RequestToken authenticates the user to the server.
	RequestToken string `json:"request_token" bson:"request_token"`

	// ResponseToken authenticates the server to a worker on the
	// notification channel. Only workers have one.
	ResponseToken string `json:"response_token,omitempty" bson:"response_token,omitempty"`
}

func (u *User) Validate() error {
	var ve ValidationError
	if u.Name == "" {
		ve.Add("name", "missing user name")
	}
	if len(u.Name) > MaxNameLength {
		ve.Add("name", "name exceeds %d characters", MaxNameLength)
	}
	if u.Role != RoleProvider && u.Role != RoleWorker {
		ve.Add("role", "role must be %q or %q", RoleProvider, RoleWorker)
	}
	return ve.OrNil()
}

func (u *User) Copy() *User {
	if u == nil {
		return nil
	}
	nu := *u
	return &nu
}

// WorkerAddress is where the notifier dials a worker's control channel.
type WorkerAddress struct {
	IP   string `json:"ip" bson:"ip"`
	Port int    `json:"port" bson:"port"`
}

func (a WorkerAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// RegisteredWorker is a worker that has announced itself as reachable. The
// notifier owns one outbound connection per registration.
type RegisteredWorker struct {
	WorkerID    string        `json:"worker_id" bson:"_id"`
	Address     WorkerAddress `json:"address" bson:"address"`
	Permissions []string      `json:"permissions" bson:"permissions"`
}

func (w *RegisteredWorker) Canonicalize() {
	if w.Permissions == nil {
		w.Permissions = []string{WorkerPermissionClaim, WorkerPermissionReport}
	}
}

func (w *RegisteredWorker) Validate() error {
	var ve ValidationError
	if w.WorkerID == "" {
		ve.Add("worker_id", "missing worker id")
	}
	if w.Address.IP == "" {
		ve.Add("address.ip", "missing address")
	}
	if w.Address.Port <= 0 || w.Address.Port > 65535 {
		ve.Add("address.port", "port out of range")
	}
	for _, p := range w.Permissions {
		if p != WorkerPermissionClaim && p != WorkerPermissionReport {
			ve.Add("permissions", "unknown permission %q", p)
		}
	}
	return ve.OrNil()
}

func (w *RegisteredWorker) Copy() *RegisteredWorker {
	if w == nil {
		return nil
	}
	nw := *w
	nw.Permissions = append([]string(nil), w.Permissions...)
	return &nw
}
