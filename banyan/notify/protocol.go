// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package notify implements the server-to-worker control channel: one
// outbound TCP connection per registered worker, carrying fixed-length
// frames. Requests never block on worker sockets; frames are queued and a
// per-connection writer drains the queue.
package notify

import (
	"fmt"
)

// Frame layout: 16 bytes of response token authenticating the server to the
// worker, one type byte, 16 bytes of type-specific payload. No length
// prefix; the length is the framing.
const (
	TokenLen   = 16
	PayloadLen = 16
	FrameLen   = TokenLen + 1 + PayloadLen
)

// Frame types.
const (
	// TypeCancellation tells the worker to stop the task named by the
	// payload.
	TypeCancellation byte = 0

	// TypeDeregistration tells the worker its registration is gone and no
	// further frames will arrive.
	TypeDeregistration byte = 1

	// TypeResourceUsageRequest asks the worker to report usage for every
	// task it holds.
	TypeResourceUsageRequest byte = 2
)

// EncodeFrame builds one wire frame. The payload is zero-padded to
// PayloadLen; longer payloads are an error.
func EncodeFrame(token string, frameType byte, payload []byte) ([]byte, error) {
	if len(token) != TokenLen {
		return nil, fmt.Errorf("token must be %d bytes, got %d", TokenLen, len(token))
	}
	if len(payload) > PayloadLen {
		return nil, fmt.Errorf("payload exceeds %d bytes", PayloadLen)
	}
	frame := make([]byte, FrameLen)
	copy(frame, token)
	frame[TokenLen] = frameType
	copy(frame[TokenLen+1:], payload)
	return frame, nil
}

// ParseFrame splits a wire frame back into its parts. Used by the worker
// side and by tests.
func ParseFrame(frame []byte) (token string, frameType byte, payload []byte, err error) {
	if len(frame) != FrameLen {
		return "", 0, nil, fmt.Errorf("frame must be %d bytes, got %d", FrameLen, len(frame))
	}
	return string(frame[:TokenLen]), frame[TokenLen], frame[TokenLen+1:], nil
}

// CancellationPayload derives the payload of a cancellation notice from a
// task id: the trailing PayloadLen bytes, zero-extended if the id is
// shorter.
func CancellationPayload(taskID string) []byte {
	payload := make([]byte, PayloadLen)
	if len(taskID) > PayloadLen {
		taskID = taskID[len(taskID)-PayloadLen:]
	}
	copy(payload, taskID)
	return payload
}
