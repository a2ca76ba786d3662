// Package zmq implements the ZeroMQ transport: one PUSH socket per worker
// for request distribution (which gives the pool per-worker routing for
// sticky WebSocket traffic) and one shared PULL socket collecting every
// worker's responses.
//
// Endpoints are ipc:// paths derived from a per-pool prefix, so the
// transport works without any network configuration and disappears with
// the filesystem entries.
package zmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"

	"github.com/justapithecus/kiln/transport"
)

// recvBuffer is the depth of the pump channel between the socket reader
// goroutine and Poll/Recv callers.
const recvBuffer = 256

// Server is the pool-side endpoint.
type Server struct {
	push []zmq4.Socket
	pull zmq4.Socket

	next   uint32
	inbox  chan []byte
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Server = (*Server)(nil)

// NewServer binds the request sockets and the response socket for a pool of
// the given size. Bind failures are fatal: a pool whose transport cannot
// come up has nothing to offer.
func NewServer(prefix string, workers int) (*Server, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("zmq: pool size must be positive, got %d", workers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		inbox:  make(chan []byte, recvBuffer),
		cancel: cancel,
		closed: make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		sock := zmq4.NewPush(ctx)
		ep := transport.RequestEndpoint(prefix, i)
		if err := sock.Listen(ep); err != nil {
			s.teardown()
			return nil, fmt.Errorf("zmq: bind request endpoint %s: %w", ep, err)
		}
		s.push = append(s.push, sock)
	}

	s.pull = zmq4.NewPull(ctx)
	ep := transport.ResponseEndpoint(prefix)
	if err := s.pull.Listen(ep); err != nil {
		s.teardown()
		return nil, fmt.Errorf("zmq: bind response endpoint %s: %w", ep, err)
	}

	go s.pump()
	return s, nil
}

// pump moves inbound messages from the PULL socket onto the inbox channel
// so Poll can honor its context.
func (s *Server) pump() {
	for {
		msg, err := s.pull.Recv()
		if err != nil {
			return
		}
		select {
		case s.inbox <- msg.Bytes():
		case <-s.closed:
			return
		}
	}
}

// Push distributes a message round-robin across the worker sockets.
func (s *Server) Push(ctx context.Context, msg []byte) error {
	n := atomic.AddUint32(&s.next, 1) - 1
	return s.PushTo(ctx, int(n)%len(s.push), msg)
}

// PushTo delivers a message to one specific worker.
func (s *Server) PushTo(_ context.Context, worker int, msg []byte) error {
	select {
	case <-s.closed:
		return transport.ErrClosed
	default:
	}
	if worker < 0 || worker >= len(s.push) {
		return fmt.Errorf("zmq: no worker %d in a pool of %d", worker, len(s.push))
	}
	if err := s.push[worker].Send(zmq4.NewMsg(msg)); err != nil {
		return fmt.Errorf("zmq: push to worker %d: %w", worker, err)
	}
	return nil
}

// Poll blocks until the next worker message.
func (s *Server) Poll(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-s.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) teardown() {
	s.cancel()
	for _, sock := range s.push {
		_ = sock.Close()
	}
	if s.pull != nil {
		_ = s.pull.Close()
	}
}

// Close shuts every socket down. The ipc files vanish with the sockets.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.teardown()
	})
	return nil
}

// Worker is the worker-process endpoint: a PULL socket dialed at this
// worker's request endpoint and a PUSH socket dialed at the shared response
// endpoint.
type Worker struct {
	pull zmq4.Socket
	push zmq4.Socket

	sendMu sync.Mutex
	inbox  chan []byte
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Worker = (*Worker)(nil)

// NewWorker dials the endpoints for worker id under prefix. Dial failures
// are fatal for the worker process.
func NewWorker(prefix string, id int) (*Worker, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		inbox:  make(chan []byte, recvBuffer),
		cancel: cancel,
		closed: make(chan struct{}),
	}

	w.pull = zmq4.NewPull(ctx)
	ep := transport.RequestEndpoint(prefix, id)
	if err := w.pull.Dial(ep); err != nil {
		cancel()
		return nil, fmt.Errorf("zmq: dial request endpoint %s: %w", ep, err)
	}

	w.push = zmq4.NewPush(ctx)
	ep = transport.ResponseEndpoint(prefix)
	if err := w.push.Dial(ep); err != nil {
		cancel()
		_ = w.pull.Close()
		return nil, fmt.Errorf("zmq: dial response endpoint %s: %w", ep, err)
	}

	go w.pump()
	return w, nil
}

func (w *Worker) pump() {
	for {
		msg, err := w.pull.Recv()
		if err != nil {
			return
		}
		select {
		case w.inbox <- msg.Bytes():
		case <-w.closed:
			return
		}
	}
}

// Recv blocks until the next request from the pool.
func (w *Worker) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-w.inbox:
		return msg, nil
	case <-w.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send publishes a message on the shared response socket. Dispatch
// goroutines share this endpoint, so sends are serialized.
func (w *Worker) Send(_ context.Context, msg []byte) error {
	select {
	case <-w.closed:
		return transport.ErrClosed
	default:
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if err := w.push.Send(zmq4.NewMsg(msg)); err != nil {
		return fmt.Errorf("zmq: send response: %w", err)
	}
	return nil
}

// Close shuts both sockets down.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.cancel()
		_ = w.pull.Close()
		_ = w.push.Close()
	})
	return nil
}
