// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/banyan-project/banyan/banyan/structs"
)

var (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = CodedError(405, "Invalid method")
)

// HTTPServer is used to wrap the coordinator and expose it over an HTTP
// interface.
type HTTPServer struct {
	agent    *Agent
	mux      *http.ServeMux
	listener net.Listener
	logger   hclog.Logger
	Addr     string
}

// NewHTTPServer starts a new HTTP server over the agent.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", config.BindAddr, config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %w", err)
	}

	srv := &HTTPServer{
		agent:    agent,
		mux:      http.NewServeMux(),
		listener: ln,
		logger:   agent.logger.Named("http"),
		Addr:     ln.Addr().String(),
	}
	srv.registerHandlers()

	go http.Serve(ln, srv.mux)
	srv.logger.Info("http server started", "address", srv.Addr)
	return srv, nil
}

// Shutdown stops the HTTP server.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
	}
}

func (s *HTTPServer) registerHandlers() {
	s.mux.HandleFunc("/tasks", s.wrap(s.TasksRequest))
	s.mux.HandleFunc("/tasks/", s.wrap(s.TaskSpecificRequest))

	s.mux.HandleFunc("/execution_info", s.wrap(s.ExecutionRecordsRequest))
	s.mux.HandleFunc("/execution_info/", s.wrap(s.ExecutionRecordSpecificRequest))

	s.mux.HandleFunc("/registered_workers", s.wrap(s.WorkersRequest))
	s.mux.HandleFunc("/registered_workers/", s.wrap(s.WorkerSpecificRequest))
}

// HTTPCodedError is used to provide the HTTP error code
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Status string            `json:"status"`
	Issues map[string]string `json:"issues"`
}

// wrap is used to wrap handler functions: it encodes results as JSON and
// maps errors onto the response taxonomy.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()
		defer metrics.MeasureSince([]string{"banyan", "http", "request"}, start)

		resp.Header().Set("Content-Type", "application/json")

		obj, err := handler(resp, req)
		if err != nil {
			code, issues := errorCodeAndIssues(err)
			if code == 500 {
				s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err)
			} else {
				s.logger.Debug("request rejected", "method", req.Method, "path", reqURL, "code", code, "error", err)
			}
			resp.WriteHeader(code)
			json.NewEncoder(resp).Encode(&errorResponse{Status: "error", Issues: issues})
			return
		}

		if obj != nil {
			if err := json.NewEncoder(resp).Encode(obj); err != nil {
				s.logger.Error("failed to encode response", "path", reqURL, "error", err)
			}
		}
	}
}

func errorCodeAndIssues(err error) (int, map[string]string) {
	if ve, ok := structs.IsValidation(err); ok {
		return 422, ve.Issues
	}

	code := 500
	switch {
	case errors.Is(err, structs.ErrTaskNotFound),
		errors.Is(err, structs.ErrRecordNotFound),
		errors.Is(err, structs.ErrUserNotFound),
		errors.Is(err, structs.ErrWorkerNotFound):
		code = 404
	case errors.Is(err, structs.ErrPermissionDenied):
		code = 401
	case errors.Is(err, structs.ErrDuplicateName):
		code = 409
	default:
		var coded HTTPCodedError
		if errors.As(err, &coded) {
			code = coded.Code()
		}
	}
	return code, map[string]string{"error": err.Error()}
}

// authorize resolves the request's Basic token to a user and checks its role
// against the endpoint's allowed roles. An empty role list allows any
// authenticated user.
func (s *HTTPServer) authorize(req *http.Request, roles ...string) (*structs.User, error) {
	token, _, ok := req.BasicAuth()
	if !ok || token == "" {
		return nil, CodedError(401, "missing authorization")
	}

	user, err := s.agent.coord.AuthenticateToken(req.Context(), token)
	if err == structs.ErrUserNotFound {
		return nil, CodedError(401, "unknown token")
	}
	if err != nil {
		return nil, err
	}

	if len(roles) == 0 {
		return user, nil
	}
	for _, role := range roles {
		if user.Role == role {
			return user, nil
		}
	}
	return nil, structs.ErrPermissionDenied
}

// decodeBody parses a JSON request body into out, rejecting unknown fields
// and bodies over the payload cap.
func decodeBody(resp http.ResponseWriter, req *http.Request, out interface{}) error {
	req.Body = http.MaxBytesReader(resp, req.Body, structs.MaxPayloadBytes)
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return structs.NewValidationError("body", "failed to parse request body: %v", err)
	}
	return nil
}

// pathSuffix strips a route prefix off the request path.
func pathSuffix(req *http.Request, prefix string) string {
	return strings.TrimPrefix(req.URL.Path, prefix)
}
