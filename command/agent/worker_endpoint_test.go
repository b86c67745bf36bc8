// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net"
	"net/http"
	"strconv"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/banyan-project/banyan/ci"
)

// workerListener stands in for a worker's control socket so registration can
// dial something real.
func workerListener(t *testing.T) (ip string, port int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	must.NoError(t, err)
	port, err = strconv.Atoi(portStr)
	must.NoError(t, err)
	return host, port
}

func registerWorker(t *testing.T, srv *HTTPServer, workerID string) {
	t.Helper()
	ip, port := workerListener(t)
	code, body := doRequest(t, srv, http.MethodPost, "/registered_workers", testProviderToken,
		map[string]interface{}{
			"worker_id": workerID,
			"address":   map[string]interface{}{"ip": ip, "port": port},
		})
	must.Eq(t, 201, code)
	must.Eq(t, workerID, body["worker_id"].(string))
}

func TestWorkerEndpoint_RegisterAndGet(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	registerWorker(t, srv, "w1")

	code, body := doRequest(t, srv, http.MethodGet, "/registered_workers/w1", testProviderToken, nil)
	must.Eq(t, 200, code)
	must.Eq(t, "w1", body["worker_id"].(string))

	req := authedRequest(t, http.MethodGet, "http://"+srv.Addr+"/registered_workers", testProviderToken, nil)
	resp, err := http.DefaultClient.Do(req)
	must.NoError(t, err)
	defer resp.Body.Close()

	var workers []map[string]interface{}
	must.NoError(t, decodeJSON(resp, &workers))
	must.Len(t, 1, workers)
}

func TestWorkerEndpoint_Deregister(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	registerWorker(t, srv, "w1")

	code, body := doRequest(t, srv, http.MethodDelete, "/registered_workers/w1", testProviderToken, nil)
	must.Eq(t, 200, code)
	must.Eq(t, "ok", body["status"].(string))

	code, _ = doRequest(t, srv, http.MethodGet, "/registered_workers/w1", testProviderToken, nil)
	must.Eq(t, 404, code)
}

// Registration requires a worker-role user whose response token the notifier
// can present.
func TestWorkerEndpoint_RegisterUnknownUser(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	ip, port := workerListener(t)
	code, body := doRequest(t, srv, http.MethodPost, "/registered_workers", testProviderToken,
		map[string]interface{}{
			"worker_id": "stranger",
			"address":   map[string]interface{}{"ip": ip, "port": port},
		})
	must.Eq(t, 422, code)

	issues, ok := body["issues"].(map[string]interface{})
	must.True(t, ok)
	must.MapContainsKey(t, issues, "worker_id")
}

func TestWorkerEndpoint_RegisterUnreachable(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	// Grab a port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	code, body := doRequest(t, srv, http.MethodPost, "/registered_workers", testProviderToken,
		map[string]interface{}{
			"worker_id": "w1",
			"address":   map[string]interface{}{"ip": "127.0.0.1", "port": port},
		})
	must.Eq(t, 422, code)

	issues, ok := body["issues"].(map[string]interface{})
	must.True(t, ok)
	must.MapContainsKey(t, issues, "address")

	// The failed registration must not linger.
	code, _ = doRequest(t, srv, http.MethodGet, "/registered_workers/w1", testProviderToken, nil)
	must.Eq(t, 404, code)
}

func TestWorkerEndpoint_WorkerRoleDenied(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	code, _ := doRequest(t, srv, http.MethodGet, "/registered_workers", testWorkerToken, nil)
	must.Eq(t, 401, code)
}
