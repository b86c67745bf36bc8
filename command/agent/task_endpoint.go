// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/banyan-project/banyan/banyan"
	"github.com/banyan-project/banyan/banyan/structs"
)

// okResponse is the body of bulk operations and deletes that have no
// document to return.
var okResponse = map[string]string{"status": "ok"}

// taskUpdateResponse is a task document plus, on a successful claim, the
// one-time token for the new attempt.
type taskUpdateResponse struct {
	*structs.Task
	Token string `json:"token,omitempty"`
}

// TasksRequest handles the tasks collection: listing and creation.
func (s *HTTPServer) TasksRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		if _, err := s.authorize(req); err != nil {
			return nil, err
		}
		return s.agent.coord.ListTasks(req.Context(), req.URL.Query().Get("state"))

	case http.MethodPost:
		if _, err := s.authorize(req, structs.RoleProvider); err != nil {
			return nil, err
		}
		var task structs.Task
		if err := decodeBody(resp, req, &task); err != nil {
			return nil, err
		}
		created, err := s.agent.coord.CreateTask(req.Context(), &task)
		if err != nil {
			return nil, err
		}
		resp.WriteHeader(http.StatusCreated)
		return created, nil

	default:
		return nil, ErrInvalidMethod
	}
}

// TaskSpecificRequest routes /tasks/… paths: the resource-level bulk
// operations, single-task reads and updates, and the item-level bulk
// operations.
func (s *HTTPServer) TaskSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := pathSuffix(req, "/tasks/")

	switch path {
	case "add_continuations", "remove_continuations", "update_execution_data":
		return s.taskBulkRequest(resp, req, path)
	}

	id, op, _ := strings.Cut(path, "/")
	if id == "" {
		return nil, CodedError(404, "missing task id")
	}

	if op != "" {
		return s.taskItemBulkRequest(resp, req, id, op)
	}

	switch req.Method {
	case http.MethodGet:
		if _, err := s.authorize(req); err != nil {
			return nil, err
		}
		return s.agent.coord.GetTask(req.Context(), id)

	case http.MethodPatch:
		user, err := s.authorize(req)
		if err != nil {
			return nil, err
		}
		var payload map[string]interface{}
		if err := decodeBody(resp, req, &payload); err != nil {
			return nil, err
		}
		result, err := s.agent.coord.UpdateTask(req.Context(), user, id, payload)
		if err != nil {
			return nil, err
		}
		return &taskUpdateResponse{Task: result.Task, Token: result.AttemptToken}, nil

	default:
		return nil, ErrInvalidMethod
	}
}

// taskBulkRequest handles the resource-level bulk operations, whose bodies
// are lists of {targets, values} entries.
func (s *HTTPServer) taskBulkRequest(resp http.ResponseWriter, req *http.Request, op string) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, ErrInvalidMethod
	}

	switch op {
	case "add_continuations", "remove_continuations":
		if _, err := s.authorize(req, structs.RoleProvider); err != nil {
			return nil, err
		}
		var updates []*banyan.ContinuationUpdate
		if err := decodeBody(resp, req, &updates); err != nil {
			return nil, err
		}
		var err error
		if op == "add_continuations" {
			err = s.agent.coord.AddContinuations(req.Context(), updates)
		} else {
			err = s.agent.coord.RemoveContinuations(req.Context(), updates)
		}
		if err != nil {
			return nil, err
		}
		return okResponse, nil

	case "update_execution_data":
		if _, err := s.authorize(req, structs.RoleWorker); err != nil {
			return nil, err
		}
		var updates []*banyan.ExecutionDataUpdate
		if err := decodeBody(resp, req, &updates); err != nil {
			return nil, err
		}
		if err := s.agent.coord.UpdateExecutionData(req.Context(), updates); err != nil {
			return nil, err
		}
		return okResponse, nil

	default:
		return nil, CodedError(404, "unknown operation")
	}
}

// taskItemBulkRequest handles the item-level bulk operations: the target is
// the task in the path, the body carries only the values.
func (s *HTTPServer) taskItemBulkRequest(resp http.ResponseWriter, req *http.Request, id, op string) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, ErrInvalidMethod
	}

	switch op {
	case "add_continuations", "remove_continuations":
		if _, err := s.authorize(req, structs.RoleProvider); err != nil {
			return nil, err
		}
		var values []string
		if err := decodeBody(resp, req, &values); err != nil {
			return nil, err
		}
		update := []*banyan.ContinuationUpdate{{Targets: []string{id}, Values: values}}
		var err error
		if op == "add_continuations" {
			err = s.agent.coord.AddContinuations(req.Context(), update)
		} else {
			err = s.agent.coord.RemoveContinuations(req.Context(), update)
		}
		if err != nil {
			return nil, err
		}
		return okResponse, nil

	case "update_execution_data":
		if _, err := s.authorize(req, structs.RoleWorker); err != nil {
			return nil, err
		}
		var values map[string]interface{}
		if err := decodeBody(resp, req, &values); err != nil {
			return nil, err
		}
		update := []*banyan.ExecutionDataUpdate{{Targets: []string{id}, Values: values}}
		if err := s.agent.coord.UpdateExecutionData(req.Context(), update); err != nil {
			return nil, err
		}
		return okResponse, nil

	default:
		return nil, CodedError(404, "unknown operation")
	}
}
