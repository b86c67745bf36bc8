// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banyan-project/banyan/banyan/structs"
)

// InmemStore implements Store on mutex-guarded maps. It backs the engine and
// endpoint tests, and keeps the same operator semantics as the Mongo
// adapter: unknown fields in an Update are an error, matched counts are
// checked, and updates are applied atomically under the store mutex.
type InmemStore struct {
	mu      sync.Mutex
	tasks   map[string]*structs.Task
	records map[string]*structs.ExecutionRecord
	users   map[string]*structs.User
	workers map[string]*structs.RegisteredWorker
}

func NewInmemStore() *InmemStore {
	return &InmemStore{
		tasks:   make(map[string]*structs.Task),
		records: make(map[string]*structs.ExecutionRecord),
		users:   make(map[string]*structs.User),
		workers: make(map[string]*structs.RegisteredWorker),
	}
}

func (s *InmemStore) EnsureIndexes(context.Context) error { return nil }
func (s *InmemStore) Close(context.Context) error         { return nil }

func (s *InmemStore) InsertTask(_ context.Context, task *structs.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return structs.ErrDuplicateName
	}
	if task.Name != "" {
		for _, other := range s.tasks {
			if other.Name == task.Name {
				return structs.ErrDuplicateName
			}
		}
	}
	s.tasks[task.ID] = task.Copy()
	return nil
}

func (s *InmemStore) TaskByID(_ context.Context, id string) (*structs.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, structs.ErrTaskNotFound
	}
	return task.Copy(), nil
}

func (s *InmemStore) TasksByID(_ context.Context, ids []string) ([]*structs.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*structs.Task, 0, len(ids))
	for _, id := range ids {
		task, ok := s.tasks[id]
		if !ok {
			return nil, structs.ErrTaskNotFound
		}
		tasks = append(tasks, task.Copy())
	}
	return tasks, nil
}

func (s *InmemStore) ListTasks(_ context.Context, taskState string) ([]*structs.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := []*structs.Task{}
	for _, task := range s.tasks {
		if taskState == "" || task.State == taskState {
			tasks = append(tasks, task.Copy())
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreateTime.Before(tasks[j].CreateTime) })
	return tasks, nil
}

func (s *InmemStore) UpdateTask(_ context.Context, id string, up *Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateTaskLocked(id, up)
}

func (s *InmemStore) UpdateTasks(_ context.Context, ids []string, up *Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.tasks[id]; !ok {
			return structs.ErrTaskNotFound
		}
	}
	for _, id := range ids {
		if err := s.updateTaskLocked(id, up); err != nil {
			return err
		}
	}
	return nil
}

func (s *InmemStore) updateTaskLocked(id string, up *Update) error {
	task, ok := s.tasks[id]
	if !ok {
		return structs.ErrTaskNotFound
	}

	for field, value := range up.SetFields {
		switch field {
		case "state":
			task.State = value.(string)
		case "name":
			task.Name = value.(string)
		case "command":
			task.Command = value.(string)
		case "pending_dependency_count":
			task.PendingDependencyCount = toInt(value)
		case "attempt_count":
			task.AttemptCount = toInt(value)
		case "max_attempt_count":
			task.MaxAttemptCount = toInt(value)
		case "execution_data_id":
			task.ExecutionDataID = value.(string)
		case "requested_resources":
			task.RequestedResources = value.(*structs.RequestedResources)
		case "estimated_runtime_ms":
			task.EstimatedRuntimeMs = toInt64(value)
		case "max_shutdown_time_ms":
			task.MaxShutdownTimeMs = toInt64(value)
		default:
			return fmt.Errorf("unknown task field %q in update", field)
		}
	}

	for field, delta := range up.IncFields {
		switch field {
		case "pending_dependency_count":
			task.PendingDependencyCount += delta
		case "attempt_count":
			task.AttemptCount += delta
		default:
			return fmt.Errorf("unknown task field %q in update", field)
		}
	}

	for field, values := range up.PushFields {
		if field != "continuations" {
			return fmt.Errorf("unknown task field %q in update", field)
		}
		task.Continuations = append(task.Continuations, values...)
	}
	for field, values := range up.AddFields {
		if field != "continuations" {
			return fmt.Errorf("unknown task field %q in update", field)
		}
		for _, v := range values {
			if !task.HasContinuation(v) {
				task.Continuations = append(task.Continuations, v)
			}
		}
	}
	for field, values := range up.PullFields {
		if field != "continuations" {
			return fmt.Errorf("unknown task field %q in update", field)
		}
		kept := task.Continuations[:0]
		for _, c := range task.Continuations {
			if !containsString(values, c) {
				kept = append(kept, c)
			}
		}
		task.Continuations = kept
	}

	if up.TouchModify {
		task.ModifyTime = time.Now().UTC()
	}
	return nil
}

func (s *InmemStore) RemoveContinuationEverywhere(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.tasks {
		if !task.HasContinuation(id) {
			continue
		}
		kept := task.Continuations[:0]
		for _, c := range task.Continuations {
			if c != id {
				kept = append(kept, c)
			}
		}
		task.Continuations = kept
	}
	return nil
}

func (s *InmemStore) InsertExecutionRecord(_ context.Context, rec *structs.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return structs.ErrDuplicateName
	}
	s.records[rec.ID] = rec.Copy()
	return nil
}

func (s *InmemStore) ExecutionRecordByID(_ context.Context, id string) (*structs.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, structs.ErrRecordNotFound
	}
	return rec.Copy(), nil
}

func (s *InmemStore) ListExecutionRecords(_ context.Context) ([]*structs.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := []*structs.ExecutionRecord{}
	for _, rec := range s.records {
		recs = append(recs, rec.Copy())
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

func (s *InmemStore) UpdateExecutionRecord(_ context.Context, id string, up *Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return structs.ErrRecordNotFound
	}

	for field, value := range up.SetFields {
		switch field {
		case "worker_id":
			rec.WorkerID = value.(string)
		case "exit_status":
			rec.ExitStatus = value.(string)
		case "time_started":
			rec.TimeStarted = toTimePtr(value)
		case "time_terminated":
			rec.TimeTerminated = toTimePtr(value)
		case "last_update":
			rec.LastUpdate = toTimePtr(value)
		case "memory":
			rec.Memory = value.(*structs.MemoryUsage)
		case "cpu_usage":
			rec.CPUUsage = value.(*structs.CPUUsage)
		case "gpu_usage":
			rec.GPUUsage = value.([]*structs.GPUUsage)
		default:
			return fmt.Errorf("unknown execution record field %q in update", field)
		}
	}
	if len(up.IncFields) != 0 || len(up.PushFields) != 0 || len(up.AddFields) != 0 || len(up.PullFields) != 0 {
		return fmt.Errorf("unsupported operator for execution records")
	}
	return nil
}

func (s *InmemStore) RecordsForWorker(_ context.Context, workerID string) ([]*structs.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := []*structs.ExecutionRecord{}
	for _, rec := range s.records {
		if rec.WorkerID == workerID {
			recs = append(recs, rec.Copy())
		}
	}
	return recs, nil
}

func (s *InmemStore) WorkerUpdatedSince(_ context.Context, workerID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.WorkerID == workerID && rec.LastUpdate != nil && rec.LastUpdate.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *InmemStore) InsertUser(_ context.Context, user *structs.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.users {
		if other.Name == user.Name {
			return structs.ErrDuplicateName
		}
	}
	s.users[user.ID] = user.Copy()
	return nil
}

func (s *InmemStore) UserByID(_ context.Context, id string) (*structs.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, structs.ErrUserNotFound
	}
	return user.Copy(), nil
}

func (s *InmemStore) UserByName(_ context.Context, name string) (*structs.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, user := range s.users {
		if user.Name == name {
			return user.Copy(), nil
		}
	}
	return nil, structs.ErrUserNotFound
}

func (s *InmemStore) UserByRequestToken(_ context.Context, token string) (*structs.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, user := range s.users {
		if user.RequestToken == token {
			return user.Copy(), nil
		}
	}
	return nil, structs.ErrUserNotFound
}

func (s *InmemStore) ListUsers(_ context.Context) ([]*structs.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := []*structs.User{}
	for _, user := range s.users {
		users = append(users, user.Copy())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

func (s *InmemStore) DeleteUserByName(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, user := range s.users {
		if user.Name == name {
			delete(s.users, id)
			return nil
		}
	}
	return structs.ErrUserNotFound
}

func (s *InmemStore) InsertWorker(_ context.Context, worker *structs.RegisteredWorker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[worker.WorkerID]; ok {
		return structs.ErrDuplicateName
	}
	s.workers[worker.WorkerID] = worker.Copy()
	return nil
}

func (s *InmemStore) WorkerByID(_ context.Context, id string) (*structs.RegisteredWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return nil, structs.ErrWorkerNotFound
	}
	return worker.Copy(), nil
}

func (s *InmemStore) ListWorkers(_ context.Context) ([]*structs.RegisteredWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := []*structs.RegisteredWorker{}
	for _, worker := range s.workers {
		workers = append(workers, worker.Copy())
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
	return workers, nil
}

func (s *InmemStore) DeleteWorker(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return structs.ErrWorkerNotFound
	}
	delete(s.workers, id)
	return nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	panic(fmt.Sprintf("unexpected numeric type %T", v))
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	panic(fmt.Sprintf("unexpected numeric type %T", v))
}

func toTimePtr(v interface{}) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	panic(fmt.Sprintf("unexpected time type %T", v))
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
