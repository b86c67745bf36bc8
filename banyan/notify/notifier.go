// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package notify

import (
	"fmt"
	"net"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/banyan-project/banyan/banyan/structs"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second

	// queueDepth bounds the pending frames per worker. A worker that lets
	// this many frames pile up is not reading its control channel and is
	// treated as dead.
	queueDepth = 1024
)

// conn is the per-worker connection state: the socket and the FIFO its
// writer goroutine drains. Closing the frames channel is the graceful
// shutdown path; the writer flushes what is queued and closes the socket.
type conn struct {
	workerID string
	token    string
	sock     net.Conn
	frames   chan []byte
}

// Notifier keeps one outbound connection per registered worker and pushes
// control frames over it. Enqueueing never blocks; each connection has a
// dedicated writer goroutine, so frames for one worker are delivered in
// enqueue order while a stalled worker cannot hold anyone else up.
type Notifier struct {
	logger hclog.Logger

	// onDead is called (in a fresh goroutine, without the notifier lock)
	// when a worker's connection is lost outside a deliberate deregister.
	onDead func(workerID string)

	mu       sync.Mutex
	conns    map[string]*conn
	shutdown bool
}

func NewNotifier(logger hclog.Logger, onDead func(workerID string)) *Notifier {
	return &Notifier{
		logger: logger.Named("notify"),
		onDead: onDead,
		conns:  make(map[string]*conn),
	}
}

// Register dials the worker's control address and starts its writer. A
// previous connection for the same worker is replaced silently.
func (n *Notifier) Register(worker *structs.RegisteredWorker, responseToken string) error {
	if len(responseToken) != TokenLen {
		return fmt.Errorf("worker %s has no usable response token", worker.WorkerID)
	}

	sock, err := net.DialTimeout("tcp", worker.Address.String(), dialTimeout)
	if err != nil {
		return err
	}

	c := &conn{
		workerID: worker.WorkerID,
		token:    responseToken,
		sock:     sock,
		frames:   make(chan []byte, queueDepth),
	}

	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		sock.Close()
		return fmt.Errorf("notifier is shut down")
	}
	if old, ok := n.conns[worker.WorkerID]; ok {
		close(old.frames)
	}
	n.conns[worker.WorkerID] = c
	n.mu.Unlock()

	go n.writeLoop(c)

	n.logger.Debug("connected to worker", "worker_id", worker.WorkerID, "address", worker.Address.String())
	return nil
}

// Deregister drops the worker's connection. With notify set, a
// deregistration notice is queued first and the connection closes once the
// queue drains.
func (n *Notifier) Deregister(workerID string, notify bool) {
	n.mu.Lock()
	c, ok := n.conns[workerID]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(n.conns, workerID)

	if notify {
		if frame, err := EncodeFrame(c.token, TypeDeregistration, nil); err == nil {
			select {
			case c.frames <- frame:
			default:
			}
		}
	}
	close(c.frames)
	n.mu.Unlock()
}

// SendCancellation queues a cancellation notice for the task.
func (n *Notifier) SendCancellation(workerID, taskID string) {
	n.enqueue(workerID, TypeCancellation, CancellationPayload(taskID))
}

// RequestResourceUsage queues a resource usage request.
func (n *Notifier) RequestResourceUsage(workerID string) {
	n.enqueue(workerID, TypeResourceUsageRequest, nil)
}

// Shutdown closes every connection without notices. Safe to call more than
// once.
func (n *Notifier) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.shutdown {
		return
	}
	n.shutdown = true
	for id, c := range n.conns {
		delete(n.conns, id)
		close(c.frames)
	}
}

func (n *Notifier) enqueue(workerID string, frameType byte, payload []byte) {
	n.mu.Lock()
	c, ok := n.conns[workerID]
	if !ok {
		n.mu.Unlock()
		n.logger.Debug("dropping frame for unconnected worker", "worker_id", workerID, "type", frameType)
		return
	}

	frame, err := EncodeFrame(c.token, frameType, payload)
	if err != nil {
		n.mu.Unlock()
		n.logger.Error("failed to encode frame", "worker_id", workerID, "error", err)
		return
	}

	select {
	case c.frames <- frame:
		n.mu.Unlock()
		metrics.IncrCounter([]string{"banyan", "notify", "enqueued"}, 1)
	default:
		// Full queue means the worker stopped reading.
		delete(n.conns, workerID)
		close(c.frames)
		n.mu.Unlock()
		n.logger.Warn("worker control queue overflow, dropping connection", "worker_id", workerID)
		n.reportDead(workerID)
	}
}

// writeLoop drains one connection's queue. It exits when the queue channel
// closes (deregistration or shutdown) or the socket errors.
func (n *Notifier) writeLoop(c *conn) {
	defer c.sock.Close()

	for frame := range c.frames {
		c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.sock.Write(frame); err != nil {
			n.logger.Warn("lost worker connection", "worker_id", c.workerID, "error", err)
			metrics.IncrCounter([]string{"banyan", "notify", "write_error"}, 1)
			n.forget(c)
			return
		}
		metrics.IncrCounter([]string{"banyan", "notify", "sent"}, 1)
	}
}

// forget removes a connection after a socket error and reports the worker
// dead, unless it was already replaced or deliberately dropped.
func (n *Notifier) forget(c *conn) {
	n.mu.Lock()
	current, ok := n.conns[c.workerID]
	if !ok || current != c {
		n.mu.Unlock()
		return
	}
	delete(n.conns, c.workerID)
	n.mu.Unlock()

	n.reportDead(c.workerID)
}

func (n *Notifier) reportDead(workerID string) {
	if n.onDead == nil {
		return
	}
	// Fresh goroutine: the callback takes coordinator locks and may call
	// back into the notifier.
	go n.onDead(workerID)
}
