// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"

	"github.com/banyan-project/banyan/banyan/structs"
)

// WorkersRequest handles the registered_workers collection: listing and
// registration.
func (s *HTTPServer) WorkersRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		if _, err := s.authorize(req, structs.RoleProvider); err != nil {
			return nil, err
		}
		return s.agent.coord.ListWorkers(req.Context())

	case http.MethodPost:
		if _, err := s.authorize(req, structs.RoleProvider); err != nil {
			return nil, err
		}
		var worker structs.RegisteredWorker
		if err := decodeBody(resp, req, &worker); err != nil {
			return nil, err
		}
		registered, err := s.agent.coord.RegisterWorker(req.Context(), &worker)
		if err != nil {
			return nil, err
		}
		resp.WriteHeader(http.StatusCreated)
		return registered, nil

	default:
		return nil, ErrInvalidMethod
	}
}

// WorkerSpecificRequest handles one registration: read and deregistration.
func (s *HTTPServer) WorkerSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	workerID := pathSuffix(req, "/registered_workers/")
	if workerID == "" {
		return nil, CodedError(404, "missing worker id")
	}

	switch req.Method {
	case http.MethodGet:
		if _, err := s.authorize(req, structs.RoleProvider); err != nil {
			return nil, err
		}
		return s.agent.coord.GetWorker(req.Context(), workerID)

	case http.MethodDelete:
		if _, err := s.authorize(req, structs.RoleProvider); err != nil {
			return nil, err
		}
		if err := s.agent.coord.DeregisterWorker(req.Context(), workerID); err != nil {
			return nil, err
		}
		return okResponse, nil

	default:
		return nil, ErrInvalidMethod
	}
}
