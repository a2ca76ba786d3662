//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

// Without futexes the park degrades to a short sleep. Correctness is
// unchanged (the CAS loop in Wait owns the decrement); only wakeup latency
// suffers.

func parkWord(word *uint32) {
	if atomic.LoadUint32(word) != 0 {
		return
	}
	time.Sleep(500 * time.Microsecond)
}

func wakeWord(_ *uint32) {}
