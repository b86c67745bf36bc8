// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"

	"github.com/banyan-project/banyan/banyan/structs"
)

// ExecutionRecordsRequest lists every execution attempt. Providers only;
// records carry attempt tokens, which workers must never be able to read
// back.
func (s *HTTPServer) ExecutionRecordsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, ErrInvalidMethod
	}
	if _, err := s.authorize(req, structs.RoleProvider); err != nil {
		return nil, err
	}
	return s.agent.coord.ListExecutionRecords(req.Context())
}

// ExecutionRecordSpecificRequest returns one execution attempt by id.
func (s *HTTPServer) ExecutionRecordSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, ErrInvalidMethod
	}
	if _, err := s.authorize(req, structs.RoleProvider); err != nil {
		return nil, err
	}

	id := pathSuffix(req, "/execution_info/")
	if id == "" {
		return nil, CodedError(404, "missing record id")
	}
	return s.agent.coord.GetExecutionRecord(req.Context(), id)
}
