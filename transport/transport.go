// Package transport defines the byte-oriented channel carrying encoded
// protocol messages between the pool side and worker processes, plus an
// in-process implementation for tests and embedded workers.
//
// Two cross-process implementations exist: transport/shm (shared-memory
// ring buffers) and transport/zmq (ZeroMQ PUSH/PULL over ipc paths). The
// codec stays in the proto package; transports move opaque byte slices.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed transport endpoint.
var ErrClosed = errors.New("transport: closed")

// ErrUnsupported is returned by PushTo on transports that cannot route a
// message to one specific worker (the shared-memory request ring has a
// single consumer group).
var ErrUnsupported = errors.New("transport: per-worker routing not supported")

// Worker is the worker-process side of a transport: a blocking inbound
// message source and an outbound message sink.
type Worker interface {
	// Recv blocks until the next inbound message. Returns ErrClosed once
	// the transport shuts down.
	Recv(ctx context.Context) ([]byte, error)

	// Send transmits an outbound message to the pool side.
	Send(ctx context.Context, msg []byte) error

	// Close releases the endpoint. Safe to call if the peer already exited.
	Close() error
}

// Server is the pool side of a transport.
type Server interface {
	// Push enqueues a message for whichever worker dequeues it first.
	Push(ctx context.Context, msg []byte) error

	// PushTo enqueues a message for one specific worker. Used for sticky
	// WebSocket event routing. Returns ErrUnsupported when the transport
	// has a single shared request queue.
	PushTo(ctx context.Context, worker int, msg []byte) error

	// Poll blocks until the next message from any worker.
	Poll(ctx context.Context) ([]byte, error)

	// Close releases the endpoint and any OS resources it owns.
	Close() error
}

// RequestEndpoint returns the ZeroMQ request-distribution endpoint for one
// worker under the given IPC path prefix.
func RequestEndpoint(prefix string, worker int) string {
	return fmt.Sprintf("ipc://%s-req-%d", prefix, worker)
}

// ResponseEndpoint returns the shared ZeroMQ response endpoint under the
// given IPC path prefix.
func ResponseEndpoint(prefix string) string {
	return fmt.Sprintf("ipc://%s-resp", prefix)
}
