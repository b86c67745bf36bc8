// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state provides the document-store adapter the coordination engine
// runs against. The production implementation is MongoDB; tests use the
// in-memory implementation. Both apply the same atomic field-operator
// updates, so engine semantics do not depend on the backend.
package state

import (
	"context"
	"time"

	"github.com/banyan-project/banyan/banyan/structs"
)

// Collection names as persisted.
const (
	CollTasks             = "tasks"
	CollExecutionInfo     = "execution_info"
	CollUsers             = "users"
	CollRegisteredWorkers = "registered_workers"
)

// Update is an atomic multi-field update. Operators mirror the document
// store's: Set overwrites, Inc adds to integers, Push appends to arrays,
// AddToSet appends while preserving set semantics, Pull removes matching
// elements. A single Update is applied as one store operation.
type Update struct {
	SetFields   map[string]interface{}
	IncFields   map[string]int
	PushFields  map[string][]string
	AddFields   map[string][]string
	PullFields  map[string][]string
	TouchModify bool
}

// NewUpdate returns an empty update for chaining.
func NewUpdate() *Update {
	return &Update{}
}

func (u *Update) Set(field string, value interface{}) *Update {
	if u.SetFields == nil {
		u.SetFields = make(map[string]interface{})
	}
	u.SetFields[field] = value
	return u
}

func (u *Update) Inc(field string, delta int) *Update {
	if u.IncFields == nil {
		u.IncFields = make(map[string]int)
	}
	u.IncFields[field] += delta
	return u
}

func (u *Update) Push(field string, values ...string) *Update {
	if u.PushFields == nil {
		u.PushFields = make(map[string][]string)
	}
	u.PushFields[field] = append(u.PushFields[field], values...)
	return u
}

func (u *Update) AddToSet(field string, values ...string) *Update {
	if u.AddFields == nil {
		u.AddFields = make(map[string][]string)
	}
	u.AddFields[field] = append(u.AddFields[field], values...)
	return u
}

func (u *Update) Pull(field string, values ...string) *Update {
	if u.PullFields == nil {
		u.PullFields = make(map[string][]string)
	}
	u.PullFields[field] = append(u.PullFields[field], values...)
	return u
}

// Touch marks the document's modify_time to be refreshed with the update.
func (u *Update) Touch() *Update {
	u.TouchModify = true
	return u
}

// Empty reports whether the update would change nothing.
func (u *Update) Empty() bool {
	return len(u.SetFields) == 0 && len(u.IncFields) == 0 &&
		len(u.PushFields) == 0 && len(u.AddFields) == 0 &&
		len(u.PullFields) == 0
}

// Store is the transactional document layer the coordinator serializes its
// multi-document mutations over. Individual calls are atomic; multi-call
// sequences are made atomic by the coordinator's task lock, not by the
// store.
type Store interface {
	// EnsureIndexes creates the unique and secondary indexes the server
	// relies on. Idempotent.
	EnsureIndexes(ctx context.Context) error

	Close(ctx context.Context) error

	// Tasks.
	InsertTask(ctx context.Context, task *structs.Task) error
	TaskByID(ctx context.Context, id string) (*structs.Task, error)
	// TasksByID returns the tasks for all ids and fails with
	// structs.ErrTaskNotFound if any id is unknown.
	TasksByID(ctx context.Context, ids []string) ([]*structs.Task, error)
	// ListTasks returns all tasks, optionally filtered by state.
	ListTasks(ctx context.Context, state string) ([]*structs.Task, error)
	UpdateTask(ctx context.Context, id string, up *Update) error
	UpdateTasks(ctx context.Context, ids []string, up *Update) error
	// RemoveContinuationEverywhere pulls id out of every task's
	// continuations list.
	RemoveContinuationEverywhere(ctx context.Context, id string) error

	// Execution records.
	InsertExecutionRecord(ctx context.Context, rec *structs.ExecutionRecord) error
	ExecutionRecordByID(ctx context.Context, id string) (*structs.ExecutionRecord, error)
	ListExecutionRecords(ctx context.Context) ([]*structs.ExecutionRecord, error)
	UpdateExecutionRecord(ctx context.Context, id string, up *Update) error
	// RecordsForWorker returns every record attributed to the worker.
	RecordsForWorker(ctx context.Context, workerID string) ([]*structs.ExecutionRecord, error)
	// WorkerUpdatedSince reports whether any of the worker's records has a
	// last_update strictly after since.
	WorkerUpdatedSince(ctx context.Context, workerID string, since time.Time) (bool, error)

	// Users.
	InsertUser(ctx context.Context, user *structs.User) error
	UserByID(ctx context.Context, id string) (*structs.User, error)
	UserByName(ctx context.Context, name string) (*structs.User, error)
	UserByRequestToken(ctx context.Context, token string) (*structs.User, error)
	ListUsers(ctx context.Context) ([]*structs.User, error)
	DeleteUserByName(ctx context.Context, name string) error

	// Registered workers.
	InsertWorker(ctx context.Context, worker *structs.RegisteredWorker) error
	WorkerByID(ctx context.Context, id string) (*structs.RegisteredWorker, error)
	ListWorkers(ctx context.Context) ([]*structs.RegisteredWorker, error)
	DeleteWorker(ctx context.Context, id string) error
}
