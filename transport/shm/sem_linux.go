//go:build linux

package shm

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operation codes from <linux/futex.h>; x/sys/unix does not export them.
const (
	futexWait = 0
	futexWake = 1
)

// parkTimeout bounds each futex sleep so Wait can re-check its context.
var parkTimeout = unix.Timespec{Nsec: 50 * 1000 * 1000}

// parkWord sleeps until the word changes from zero or the timeout lapses.
// The kernel re-checks the value under the futex lock, so a Post racing
// with the park is never lost.
func parkWord(word *uint32) {
	if atomic.LoadUint32(word) != 0 {
		return
	}
	ts := parkTimeout
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(futexWait),
		0,
		uintptr(unsafe.Pointer(&ts)),
		0, 0,
	)
	// EAGAIN (value moved first), ETIMEDOUT, and EINTR all mean the same
	// thing to the caller: go around the CAS loop again.
}

// wakeWord wakes one process parked on the word.
func wakeWord(word *uint32) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(futexWake),
		1,
		0, 0, 0,
	)
}
