package transport

import (
	"context"
	"sync"
)

// MemoryQueueSize is the buffer depth of each in-process queue.
const MemoryQueueSize = 1024

// Memory is an in-process transport pair: the Server and Worker views share
// two channels. Used by tests and by pools that embed their workers as
// goroutines instead of OS processes.
type Memory struct {
	requests  chan []byte
	responses chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemory creates an in-process transport.
func NewMemory() *Memory {
	return &Memory{
		requests:  make(chan []byte, MemoryQueueSize),
		responses: make(chan []byte, MemoryQueueSize),
		done:      make(chan struct{}),
	}
}

// ServerSide returns the pool-side view.
func (m *Memory) ServerSide() Server { return (*memoryServer)(m) }

// WorkerSide returns the worker-side view.
func (m *Memory) WorkerSide() Worker { return (*memoryWorker)(m) }

// Close releases both sides.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

type memoryServer Memory

func (s *memoryServer) Push(ctx context.Context, msg []byte) error {
	select {
	case s.requests <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushTo delivers to the shared queue: an in-process pair has exactly one
// worker view, so targeted and untargeted routing coincide.
func (s *memoryServer) PushTo(ctx context.Context, _ int, msg []byte) error {
	return s.Push(ctx, msg)
}

func (s *memoryServer) Poll(ctx context.Context) ([]byte, error) {
	// Drain queued messages before reporting closure so a worker's final
	// sends are not lost to the close race.
	select {
	case msg := <-s.responses:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.responses:
		return msg, nil
	case <-s.done:
		select {
		case msg := <-s.responses:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memoryServer) Close() error { return (*Memory)(s).Close() }

type memoryWorker Memory

func (w *memoryWorker) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-w.requests:
		return msg, nil
	default:
	}
	select {
	case msg := <-w.requests:
		return msg, nil
	case <-w.done:
		select {
		case msg := <-w.requests:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *memoryWorker) Send(ctx context.Context, msg []byte) error {
	select {
	case w.responses <- msg:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *memoryWorker) Close() error { return (*Memory)(w).Close() }
