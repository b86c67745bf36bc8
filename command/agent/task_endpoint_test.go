// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/banyan-project/banyan/banyan/structs"
	"github.com/banyan-project/banyan/ci"
)

// createTask posts a task as the provider and returns the created id.
func createTask(t *testing.T, srv *HTTPServer, task map[string]interface{}) string {
	t.Helper()
	code, body := doRequest(t, srv, http.MethodPost, "/tasks", testProviderToken, task)
	must.Eq(t, 201, code)
	id, ok := body["id"].(string)
	must.True(t, ok)
	must.NotEq(t, "", id)
	return id
}

func getTask(t *testing.T, srv *HTTPServer, id string) map[string]interface{} {
	t.Helper()
	code, body := doRequest(t, srv, http.MethodGet, "/tasks/"+id, testProviderToken, nil)
	must.Eq(t, 200, code)
	return body
}

// claimTask claims the task as the worker and returns the attempt token.
func claimTask(t *testing.T, srv *HTTPServer, id string) string {
	t.Helper()
	code, body := doRequest(t, srv, http.MethodPatch, "/tasks/"+id, testWorkerToken,
		map[string]interface{}{
			"state":                 structs.TaskStateRunning,
			"update_execution_data": map[string]interface{}{"worker": "w1"},
		})
	must.Eq(t, 200, code)
	must.Eq(t, structs.TaskStateRunning, body["state"].(string))
	attemptToken, ok := body["token"].(string)
	must.True(t, ok)
	must.NotEq(t, "", attemptToken)
	return attemptToken
}

func reportTask(t *testing.T, srv *HTTPServer, id, attemptToken, exitStatus string) map[string]interface{} {
	t.Helper()
	code, body := doRequest(t, srv, http.MethodPatch, "/tasks/"+id, testWorkerToken,
		map[string]interface{}{
			"state": structs.TaskStateTerminated,
			"update_execution_data": map[string]interface{}{
				"token":       attemptToken,
				"exit_status": exitStatus,
			},
		})
	must.Eq(t, 200, code)
	return body
}

func TestTaskEndpoint_CreateAndGet(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	id := createTask(t, srv, map[string]interface{}{"name": "build", "command": "make"})

	task := getTask(t, srv, id)
	must.Eq(t, "build", task["name"].(string))
	must.Eq(t, "make", task["command"].(string))
	must.Eq(t, structs.TaskStateInactive, task["state"].(string))
	must.Eq(t, float64(0), task["attempt_count"].(float64))
}

func TestTaskEndpoint_ListStateFilter(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	createTask(t, srv, map[string]interface{}{"command": "a"})
	ready := createTask(t, srv, map[string]interface{}{"command": "b", "state": structs.TaskStateAvailable})

	req := authedRequest(t, http.MethodGet, "http://"+srv.Addr+"/tasks?state="+structs.TaskStateAvailable, testProviderToken, nil)
	resp, err := http.DefaultClient.Do(req)
	must.NoError(t, err)
	defer resp.Body.Close()
	must.Eq(t, 200, resp.StatusCode)

	var tasks []map[string]interface{}
	must.NoError(t, decodeJSON(resp, &tasks))
	must.Len(t, 1, tasks)
	must.Eq(t, ready, tasks[0]["id"].(string))

	// An unknown filter value is rejected.
	code, _ := doRequest(t, srv, http.MethodGet, "/tasks?state=bogus", testProviderToken, nil)
	must.Eq(t, 422, code)
}

func TestTaskEndpoint_ClaimAndReport(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	id := createTask(t, srv, map[string]interface{}{
		"command": "work",
		"state":   structs.TaskStateAvailable,
	})

	attemptToken := claimTask(t, srv, id)

	body := reportTask(t, srv, id, attemptToken, structs.ExitStatusSuccess)
	must.Eq(t, structs.TaskStateTerminated, body["state"].(string))

	// Termination responses carry no attempt token.
	must.MapNotContainsKey(t, body, "token")
}

func TestTaskEndpoint_ContinuationChain(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	child := createTask(t, srv, map[string]interface{}{"command": "after"})
	parent := createTask(t, srv, map[string]interface{}{
		"command":       "first",
		"state":         structs.TaskStateAvailable,
		"continuations": []string{child},
	})

	must.Eq(t, float64(1), getTask(t, srv, child)["pending_dependency_count"].(float64))

	attemptToken := claimTask(t, srv, parent)
	reportTask(t, srv, parent, attemptToken, structs.ExitStatusSuccess)

	got := getTask(t, srv, child)
	must.Eq(t, structs.TaskStateAvailable, got["state"].(string))
	must.Eq(t, float64(0), got["pending_dependency_count"].(float64))
}

func TestTaskEndpoint_BulkContinuations(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	p1 := createTask(t, srv, map[string]interface{}{"command": "a"})
	p2 := createTask(t, srv, map[string]interface{}{"command": "b"})
	child := createTask(t, srv, map[string]interface{}{"command": "c"})

	code, body := doRequest(t, srv, http.MethodPost, "/tasks/add_continuations", testProviderToken,
		[]map[string]interface{}{
			{"targets": []string{p1, p2}, "values": []string{child}},
		})
	must.Eq(t, 200, code)
	must.Eq(t, "ok", body["status"].(string))
	must.Eq(t, float64(2), getTask(t, srv, child)["pending_dependency_count"].(float64))

	code, _ = doRequest(t, srv, http.MethodPost, "/tasks/remove_continuations", testProviderToken,
		[]map[string]interface{}{
			{"targets": []string{p1}, "values": []string{child}},
		})
	must.Eq(t, 200, code)
	must.Eq(t, float64(1), getTask(t, srv, child)["pending_dependency_count"].(float64))
}

func TestTaskEndpoint_ItemLevelContinuations(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	parent := createTask(t, srv, map[string]interface{}{"command": "a"})
	child := createTask(t, srv, map[string]interface{}{"command": "b"})

	code, _ := doRequest(t, srv, http.MethodPost, "/tasks/"+parent+"/add_continuations", testProviderToken,
		[]string{child})
	must.Eq(t, 200, code)
	must.Eq(t, float64(1), getTask(t, srv, child)["pending_dependency_count"].(float64))

	code, _ = doRequest(t, srv, http.MethodPost, "/tasks/"+parent+"/remove_continuations", testProviderToken,
		[]string{child})
	must.Eq(t, 200, code)
	must.Eq(t, float64(0), getTask(t, srv, child)["pending_dependency_count"].(float64))
}

func TestTaskEndpoint_ItemLevelUsageUpdate(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	id := createTask(t, srv, map[string]interface{}{
		"command": "work",
		"state":   structs.TaskStateAvailable,
	})
	attemptToken := claimTask(t, srv, id)

	code, body := doRequest(t, srv, http.MethodPost, "/tasks/"+id+"/update_execution_data", testWorkerToken,
		map[string]interface{}{
			"token":  attemptToken,
			"memory": map[string]interface{}{"resident_memory_bytes": 4096},
		})
	must.Eq(t, 200, code)
	must.Eq(t, "ok", body["status"].(string))

	// A forged token is rejected.
	code, _ = doRequest(t, srv, http.MethodPost, "/tasks/"+id+"/update_execution_data", testWorkerToken,
		map[string]interface{}{"token": "0000000000000000"})
	must.Eq(t, 422, code)
}

func TestTaskEndpoint_UnknownOperation(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	id := createTask(t, srv, map[string]interface{}{"command": "a"})

	code, _ := doRequest(t, srv, http.MethodPost, "/tasks/"+id+"/explode", testProviderToken, []string{})
	must.Eq(t, 404, code)
}
