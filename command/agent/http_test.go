// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/banyan-project/banyan/banyan/state"
	"github.com/banyan-project/banyan/banyan/structs"
	"github.com/banyan-project/banyan/ci"
	"github.com/banyan-project/banyan/helper/testlog"
)

const (
	testProviderToken = "provtokenprovt0k"
	testWorkerToken   = "worktokenworkt0k"
	testResponseToken = "resptokenrespt0k"
)

// testServer starts a full agent over the in-memory store with one provider
// and one worker user seeded.
func testServer(t *testing.T) *HTTPServer {
	t.Helper()

	config := DefaultConfig()
	config.BindAddr = "127.0.0.1"
	config.Port = 0

	store := state.NewInmemStore()
	a, err := NewAgent(config, store, testlog.HCLogger(t))
	must.NoError(t, err)

	ctx := context.Background()
	must.NoError(t, store.InsertUser(ctx, &structs.User{
		ID: "user-p", Name: "provider", Role: structs.RoleProvider,
		RequestToken: testProviderToken,
	}))
	must.NoError(t, store.InsertUser(ctx, &structs.User{
		ID: "w1", Name: "worker", Role: structs.RoleWorker,
		RequestToken:  testWorkerToken,
		ResponseToken: testResponseToken,
	}))

	srv, err := NewHTTPServer(a, config)
	must.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown()
		a.Shutdown()
	})
	return srv
}

// authedRequest builds a request for calling a handler method directly.
func authedRequest(t *testing.T, method, path, token string, body interface{}) *http.Request {
	t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		must.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, path, buf)
	must.NoError(t, err)
	if token != "" {
		req.SetBasicAuth(token, "")
	}
	return req
}

// doRequest exercises the whole stack over the wire and decodes the JSON
// body, if any.
func doRequest(t *testing.T, srv *HTTPServer, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	req := authedRequest(t, method, "http://"+srv.Addr+path, token, body)
	resp, err := http.DefaultClient.Do(req)
	must.NoError(t, err)
	defer resp.Body.Close()

	out := make(map[string]interface{})
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func decodeJSON(resp *http.Response, out interface{}) error {
	return json.NewDecoder(resp.Body).Decode(out)
}

func TestHTTPServer_RequiresAuth(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	code, body := doRequest(t, srv, http.MethodGet, "/tasks", "", nil)
	must.Eq(t, 401, code)
	must.Eq(t, "error", body["status"].(string))
}

func TestHTTPServer_UnknownToken(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	code, _ := doRequest(t, srv, http.MethodGet, "/tasks", "nosuchtokenanywh", nil)
	must.Eq(t, 401, code)
}

func TestHTTPServer_RoleEnforcement(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	// Workers cannot create tasks.
	code, _ := doRequest(t, srv, http.MethodPost, "/tasks", testWorkerToken,
		map[string]interface{}{"command": "x"})
	must.Eq(t, 401, code)

	// Providers cannot push execution data.
	code, _ = doRequest(t, srv, http.MethodPost, "/tasks/update_execution_data", testProviderToken,
		[]map[string]interface{}{})
	must.Eq(t, 401, code)

	// Workers cannot read execution records.
	code, _ = doRequest(t, srv, http.MethodGet, "/execution_info", testWorkerToken, nil)
	must.Eq(t, 401, code)
}

func TestHTTPServer_ValidationErrorBody(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	code, body := doRequest(t, srv, http.MethodPost, "/tasks", testProviderToken,
		map[string]interface{}{"command": "x", "state": "bogus"})
	must.Eq(t, 422, code)
	must.Eq(t, "error", body["status"].(string))

	issues, ok := body["issues"].(map[string]interface{})
	must.True(t, ok)
	must.MapContainsKey(t, issues, "state")
}

func TestHTTPServer_UnknownBodyField(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	code, body := doRequest(t, srv, http.MethodPost, "/tasks", testProviderToken,
		map[string]interface{}{"comand": "typo"})
	must.Eq(t, 422, code)

	issues, ok := body["issues"].(map[string]interface{})
	must.True(t, ok)
	must.MapContainsKey(t, issues, "body")
}

func TestHTTPServer_NotFound(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	code, _ := doRequest(t, srv, http.MethodGet, "/tasks/no-such-task", testProviderToken, nil)
	must.Eq(t, 404, code)
}

func TestHTTPServer_DuplicateName(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	task := map[string]interface{}{"name": "dup", "command": "x"}
	code, _ := doRequest(t, srv, http.MethodPost, "/tasks", testProviderToken, task)
	must.Eq(t, 201, code)

	code, _ = doRequest(t, srv, http.MethodPost, "/tasks", testProviderToken, task)
	must.Eq(t, 409, code)
}

func TestHTTPServer_InvalidMethod(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	code, _ := doRequest(t, srv, http.MethodDelete, "/tasks", testProviderToken, nil)
	must.Eq(t, 405, code)
}
