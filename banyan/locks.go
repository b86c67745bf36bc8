// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package banyan implements the server-side coordination engine: the task
// dependency graph and its lifecycle, execution-attempt records, bulk
// virtual-resource updates, and the worker registry.
package banyan

import "sync"

// Lock names. A request may fan out into several store operations, so the
// atomicity of individual document updates is not enough; any multi-step
// mutation runs under the named lock for its domain.
const (
	// LockTasks serializes every mutation touching task state,
	// continuations, or execution records.
	LockTasks = "task_lock"

	// LockWorkerRegistry serializes worker registration against the
	// notifier and the availability checker.
	LockWorkerRegistry = "worker_registry_lock"
)

// Locks is a registry of named mutexes. Locks are created on first use and
// live for the process lifetime.
type Locks struct {
	mu    sync.Mutex
	named map[string]*sync.Mutex
}

func NewLocks() *Locks {
	return &Locks{named: make(map[string]*sync.Mutex)}
}

// Acquire locks the named mutex and returns its release function. Callers
// defer the release so that every error path unlocks.
func (l *Locks) Acquire(name string) func() {
	l.mu.Lock()
	m, ok := l.named[name]
	if !ok {
		m = new(sync.Mutex)
		l.named[name] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
