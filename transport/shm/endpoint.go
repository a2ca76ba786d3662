package shm

import (
	"context"
	"sync"

	"github.com/justapithecus/kiln/transport"
)

// Server is the pool-side endpoint. It owns the segment files and removes
// them on Close.
type Server struct {
	seg *segment

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Server = (*Server)(nil)

// Create builds the segment under cfg.Dir and returns the pool-side
// endpoint. name must be unique per pool (a uuid-suffixed prefix).
func Create(name string, cfg Config) (*Server, error) {
	seg, err := create(name, cfg.withDefaults())
	if err != nil {
		return nil, err
	}
	return &Server{seg: seg, closed: make(chan struct{})}, nil
}

// Push enqueues an encoded message on the request ring. Blocks while the
// ring is full; a full ring applies backpressure rather than dropping.
func (s *Server) Push(ctx context.Context, msg []byte) error {
	select {
	case <-s.closed:
		return transport.ErrClosed
	default:
	}
	return s.seg.request.write(ctx, msg)
}

// PushTo is unsupported: the request ring is one shared consumer group and
// cannot target an individual worker. Pools needing sticky routing use the
// ZeroMQ transport.
func (s *Server) PushTo(_ context.Context, _ int, _ []byte) error {
	return transport.ErrUnsupported
}

// Poll blocks until a worker publishes a message on the response ring.
func (s *Server) Poll(ctx context.Context) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, transport.ErrClosed
	default:
	}
	return s.seg.response.read(ctx)
}

// DrainResponses returns any responses already queued without blocking.
// Used during shutdown to collect final worker reports.
func (s *Server) DrainResponses() [][]byte {
	var msgs [][]byte
	for {
		msg, ok := s.seg.response.tryRead()
		if !ok {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

// QueuedRequests reports the request ring depth. Diagnostic only.
func (s *Server) QueuedRequests() int {
	return int(s.seg.request.queued())
}

// Close unmaps the segment and unlinks its files.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.seg.unmap()
		s.seg.unlink()
	})
	return nil
}

// Worker is the worker-process endpoint attached to an existing segment.
type Worker struct {
	seg *segment

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Worker = (*Worker)(nil)

// Attach opens the segment created by the pool. dir empty means DefaultDir.
// Fails fast when the segment does not exist: the worker process cannot do
// anything useful without it.
func Attach(name string, dir string) (*Worker, error) {
	seg, err := attach(name, dir)
	if err != nil {
		return nil, err
	}
	return &Worker{seg: seg, closed: make(chan struct{})}, nil
}

// Recv blocks until the next request ring message.
func (w *Worker) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-w.closed:
		return nil, transport.ErrClosed
	default:
	}
	return w.seg.request.read(ctx)
}

// Send publishes an encoded message on the response ring.
func (w *Worker) Send(ctx context.Context, msg []byte) error {
	select {
	case <-w.closed:
		return transport.ErrClosed
	default:
	}
	return w.seg.response.write(ctx, msg)
}

// Close unmaps the segment. The files stay; the pool owns their lifetime.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.seg.unmap()
	})
	return nil
}
