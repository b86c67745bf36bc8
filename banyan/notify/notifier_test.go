// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package notify

import (
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/banyan-project/banyan/banyan/structs"
	"github.com/banyan-project/banyan/ci"
	"github.com/banyan-project/banyan/helper/testlog"
)

// fakeWorker accepts one control connection and collects the frames it
// receives.
type fakeWorker struct {
	ln     net.Listener
	connCh chan net.Conn
	frames chan []byte
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	w := &fakeWorker{ln: ln, connCh: make(chan net.Conn, 1), frames: make(chan []byte, 64)}
	go w.accept()
	return w
}

func (w *fakeWorker) accept() {
	conn, err := w.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	w.connCh <- conn
	for {
		frame := make([]byte, FrameLen)
		if _, err := io.ReadFull(conn, frame); err != nil {
			close(w.frames)
			return
		}
		w.frames <- frame
	}
}

// hangUp closes the worker side of the control connection.
func (w *fakeWorker) hangUp(t *testing.T) {
	t.Helper()
	select {
	case conn := <-w.connCh:
		conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
}

func (w *fakeWorker) registration(workerID string) *structs.RegisteredWorker {
	host, portStr, _ := net.SplitHostPort(w.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return &structs.RegisteredWorker{
		WorkerID: workerID,
		Address:  structs.WorkerAddress{IP: host, Port: port},
	}
}

func (w *fakeWorker) next(t *testing.T) []byte {
	t.Helper()
	select {
	case frame, ok := <-w.frames:
		must.True(t, ok, must.Sprint("worker connection closed early"))
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

const testToken = "resptokenrespt0k"

func TestNotifier_DeliversInOrder(t *testing.T) {
	ci.Parallel(t)

	worker := newFakeWorker(t)
	n := NewNotifier(testlog.HCLogger(t), nil)
	defer n.Shutdown()

	must.NoError(t, n.Register(worker.registration("w1"), testToken))

	n.SendCancellation("w1", "task-aaaaaaaaaaaaaaaa")
	n.RequestResourceUsage("w1")
	n.SendCancellation("w1", "task-bbbbbbbbbbbbbbbb")

	tok, typ, payload, err := ParseFrame(worker.next(t))
	must.NoError(t, err)
	must.Eq(t, testToken, tok)
	must.Eq(t, TypeCancellation, typ)
	must.Eq(t, "aaaaaaaaaaaaaaaa", string(payload))

	_, typ, _, err = ParseFrame(worker.next(t))
	must.NoError(t, err)
	must.Eq(t, TypeResourceUsageRequest, typ)

	_, typ, payload, err = ParseFrame(worker.next(t))
	must.NoError(t, err)
	must.Eq(t, TypeCancellation, typ)
	must.Eq(t, "bbbbbbbbbbbbbbbb", string(payload))
}

func TestNotifier_DeregisterNotifies(t *testing.T) {
	ci.Parallel(t)

	worker := newFakeWorker(t)
	n := NewNotifier(testlog.HCLogger(t), nil)
	defer n.Shutdown()

	must.NoError(t, n.Register(worker.registration("w1"), testToken))
	n.Deregister("w1", true)

	_, typ, _, err := ParseFrame(worker.next(t))
	must.NoError(t, err)
	must.Eq(t, TypeDeregistration, typ)

	// The connection closes after the notice drains.
	select {
	case _, ok := <-worker.frames:
		must.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection close")
	}
}

func TestNotifier_RegisterUnreachable(t *testing.T) {
	ci.Parallel(t)

	// A port nobody listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	n := NewNotifier(testlog.HCLogger(t), nil)
	defer n.Shutdown()

	err = n.Register(&structs.RegisteredWorker{
		WorkerID: "w1",
		Address:  structs.WorkerAddress{IP: host, Port: port},
	}, testToken)
	must.Error(t, err)
}

func TestNotifier_RegisterBadToken(t *testing.T) {
	ci.Parallel(t)

	worker := newFakeWorker(t)
	n := NewNotifier(testlog.HCLogger(t), nil)
	defer n.Shutdown()

	err := n.Register(worker.registration("w1"), "short")
	must.Error(t, err)
	must.StrContains(t, err.Error(), "response token")
}

func TestNotifier_DeadSocketReportsWorker(t *testing.T) {
	ci.Parallel(t)

	worker := newFakeWorker(t)

	deadCh := make(chan string, 1)
	n := NewNotifier(testlog.HCLogger(t), func(workerID string) {
		deadCh <- workerID
	})
	defer n.Shutdown()

	must.NoError(t, n.Register(worker.registration("w1"), testToken))

	// Kill the worker side, then push frames until a write fails. A closed
	// TCP peer may absorb a few writes before the reset surfaces.
	worker.hangUp(t)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case workerID := <-deadCh:
			must.Eq(t, "w1", workerID)
			return
		case <-deadline:
			t.Fatal("worker never reported dead")
		default:
			n.SendCancellation("w1", "task-n")
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestNotifier_UnknownWorkerIsNoop(t *testing.T) {
	ci.Parallel(t)

	n := NewNotifier(testlog.HCLogger(t), nil)
	defer n.Shutdown()

	// Must not panic or block.
	n.SendCancellation("ghost", "task-1")
	n.RequestResourceUsage("ghost")
	n.Deregister("ghost", true)
}

func TestNotifier_ShutdownClosesConnections(t *testing.T) {
	ci.Parallel(t)

	worker := newFakeWorker(t)
	n := NewNotifier(testlog.HCLogger(t), nil)

	must.NoError(t, n.Register(worker.registration("w1"), testToken))
	n.Shutdown()

	select {
	case _, ok := <-worker.frames:
		must.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection close")
	}

	// Registration after shutdown fails.
	err := n.Register(worker.registration("w2"), strings.Repeat("t", TokenLen))
	must.Error(t, err)
}
