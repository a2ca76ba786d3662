package shm

import (
	"context"
	"runtime"
	"sync/atomic"
)

// ring is one direction of the segment: a fixed-slot circular buffer with
// monotonically increasing head (writer) and tail (reader) indexes. Slots
// are addressed index mod capacity; the indexes never wrap back to zero
// within a segment's lifetime at realistic message volumes.
//
// Writers and readers may both be plural (one pool, many workers), so a
// claim is a single atomic add on the index. The semaphores carry all
// blocking: writeSem counts free slots, readSem counts queued messages. The
// length word of each slot closes the narrow window where a claim has been
// handed out but the slot contents are not yet published: writers wait for
// the word to drop to zero, readers wait for it to become nonzero.
type ring struct {
	head     *uint32
	tail     *uint32
	capacity uint32
	slots    []byte

	writeSem *sem
	readSem  *sem
}

// write copies msg into the next free slot, blocking while the ring is
// full. A full ring never overwrites: the capacity+1-th write waits until a
// reader frees a slot.
func (r *ring) write(ctx context.Context, msg []byte) error {
	if len(msg) > MaxDataSize {
		return ErrMessageTooLarge
	}
	if err := r.writeSem.Wait(ctx); err != nil {
		return err
	}

	idx := atomic.AddUint32(r.head, 1) - 1
	slot := idx % r.capacity

	lenWord := r.slotLen(slot)
	for atomic.LoadUint32(lenWord) != 0 {
		runtime.Gosched()
	}

	copy(r.slotPayload(slot), msg)
	// Publishing the length last makes the slot visible to readers only
	// after the payload bytes have landed.
	atomic.StoreUint32(lenWord, uint32(len(msg)))

	r.readSem.Post()
	return nil
}

// read claims the next queued slot, blocking while the ring is empty, and
// returns a copy of the payload.
func (r *ring) read(ctx context.Context) ([]byte, error) {
	if err := r.readSem.Wait(ctx); err != nil {
		return nil, err
	}

	idx := atomic.AddUint32(r.tail, 1) - 1
	slot := idx % r.capacity

	lenWord := r.slotLen(slot)
	var n uint32
	for {
		if n = atomic.LoadUint32(lenWord); n != 0 {
			break
		}
		runtime.Gosched()
	}

	msg := make([]byte, n)
	copy(msg, r.slotPayload(slot)[:n])
	atomic.StoreUint32(lenWord, 0)

	r.writeSem.Post()
	return msg, nil
}

// tryRead is the non-blocking variant used during shutdown drains.
func (r *ring) tryRead() ([]byte, bool) {
	if !r.readSem.TryWait() {
		return nil, false
	}

	idx := atomic.AddUint32(r.tail, 1) - 1
	slot := idx % r.capacity

	lenWord := r.slotLen(slot)
	var n uint32
	for {
		if n = atomic.LoadUint32(lenWord); n != 0 {
			break
		}
		runtime.Gosched()
	}

	msg := make([]byte, n)
	copy(msg, r.slotPayload(slot)[:n])
	atomic.StoreUint32(lenWord, 0)

	r.writeSem.Post()
	return msg, true
}

// queued reports how many messages are claimed-or-published but not yet
// read. Diagnostic only; racy by nature.
func (r *ring) queued() uint32 {
	head := atomic.LoadUint32(r.head)
	tail := atomic.LoadUint32(r.tail)
	return head - tail
}
