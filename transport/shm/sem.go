package shm

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sem is a cross-process counting semaphore backed by a 4-byte mapped file.
// The count lives in shared memory; Wait decrements with a CAS loop and
// parks on the word when it reads zero, Post increments and wakes one
// waiter. Parking is futex-based on Linux and a bounded sleep elsewhere
// (see sem_linux.go / sem_other.go).
type sem struct {
	word *uint32
	data []byte
}

func mapSemFile(path string, flags int) (*sem, error) {
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open semaphore %s: %w", path, err)
	}
	defer f.Close()

	if flags&os.O_CREATE != 0 {
		if err := f.Truncate(4); err != nil {
			return nil, fmt.Errorf("shm: size semaphore %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, 4, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: map semaphore %s: %w", path, err)
	}
	return &sem{word: (*uint32)(unsafe.Pointer(&data[0])), data: data}, nil
}

// createSem creates the semaphore file with the given initial count.
func createSem(path string, initial uint32) (*sem, error) {
	s, err := mapSemFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint32(s.word, initial)
	return s, nil
}

// attachSem opens an existing semaphore file. Missing files are an error:
// the creating side must have finished setup before the peer attaches.
func attachSem(path string) (*sem, error) {
	return mapSemFile(path, os.O_RDWR)
}

// Wait decrements the count, blocking while it is zero. Returns the context
// error if ctx expires first.
func (s *sem) Wait(ctx context.Context) error {
	for {
		for {
			v := atomic.LoadUint32(s.word)
			if v == 0 {
				break
			}
			if atomic.CompareAndSwapUint32(s.word, v, v-1) {
				return nil
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// Bounded park so context cancellation is observed promptly even
		// when the peer never posts again.
		parkWord(s.word)
	}
}

// TryWait decrements the count without blocking. Reports whether a permit
// was taken.
func (s *sem) TryWait() bool {
	for {
		v := atomic.LoadUint32(s.word)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.word, v, v-1) {
			return true
		}
	}
}

// Post increments the count and wakes one parked waiter.
func (s *sem) Post() {
	atomic.AddUint32(s.word, 1)
	wakeWord(s.word)
}

// Value returns the current count. Diagnostic only.
func (s *sem) Value() uint32 {
	return atomic.LoadUint32(s.word)
}

func (s *sem) close() {
	if s.data != nil {
		_ = unix.Munmap(s.data)
		s.data = nil
		s.word = nil
	}
}
