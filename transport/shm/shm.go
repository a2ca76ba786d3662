// Package shm implements the shared-memory transport: two fixed-capacity
// ring buffers (request and response) laid out in one memory-mapped
// segment, with flow control carried entirely by four named counting
// semaphores.
//
// The segment lives under /dev/shm by default. Each ring has a 16-byte
// control block (head, tail, capacity, reserved) followed by fixed-size
// slots of 4 length bytes + 4096 payload bytes. A slot length of zero means
// empty. Messages above the slot payload size are rejected, not chunked.
//
// The request ring is consumed by every worker process, so slot claims use
// a single atomic add on the head/tail index; blocking and slot accounting
// are carried by the semaphores alone.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// MaxDataSize is the slot payload capacity. Messages longer than this
	// are rejected with ErrMessageTooLarge.
	MaxDataSize = 4096
	// slotSize is one slot: u32 length prefix + payload.
	slotSize = 4 + MaxDataSize
	// ctrlSize is one ring control block: head, tail, capacity, reserved.
	ctrlSize = 16

	// DefaultRequestSlots is the default request ring capacity.
	DefaultRequestSlots = 64
	// DefaultResponseSlots is the default response ring capacity.
	DefaultResponseSlots = 64

	// DefaultDir is where segments and semaphore words live.
	DefaultDir = "/dev/shm"
)

// ErrMessageTooLarge is returned for messages exceeding MaxDataSize.
var ErrMessageTooLarge = errors.New("shm: message exceeds slot capacity")

// Config controls segment creation.
type Config struct {
	// Dir is the directory holding the segment and semaphore files.
	// Empty means DefaultDir.
	Dir string
	// RequestSlots is the request ring capacity (default 64).
	RequestSlots int
	// ResponseSlots is the response ring capacity (default 64).
	ResponseSlots int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.RequestSlots <= 0 {
		cfg.RequestSlots = DefaultRequestSlots
	}
	if cfg.ResponseSlots <= 0 {
		cfg.ResponseSlots = DefaultResponseSlots
	}
	return cfg
}

// segment is the shared mapping plus the four semaphores, used by both the
// server and worker endpoints.
type segment struct {
	name string
	dir  string
	data []byte

	request  ring
	response ring

	reqWrite  *sem
	reqRead   *sem
	respWrite *sem
	respRead  *sem
}

func segmentPath(dir, name string) string {
	return filepath.Join(dir, name)
}

func segmentSize(reqSlots, respSlots int) int {
	return 2*ctrlSize + (reqSlots+respSlots)*slotSize
}

// create builds a fresh segment and its semaphores.
func create(name string, cfg Config) (*segment, error) {
	path := segmentPath(cfg.Dir, name)
	size := segmentSize(cfg.RequestSlots, cfg.ResponseSlots)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create segment %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("shm: size segment %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	_ = f.Close()
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("shm: map segment %s: %w", path, err)
	}

	// Control blocks: head and tail start at zero, capacity recorded for
	// the attaching side.
	binary.LittleEndian.PutUint32(data[8:12], uint32(cfg.RequestSlots))
	binary.LittleEndian.PutUint32(data[ctrlSize+8:ctrlSize+12], uint32(cfg.ResponseSlots))

	s := &segment{name: name, dir: cfg.Dir, data: data}
	s.layoutRings(cfg.RequestSlots, cfg.ResponseSlots)

	// Write semaphores start at ring capacity (all slots free), read
	// semaphores at zero (nothing queued).
	if err := s.createSems(uint32(cfg.RequestSlots), uint32(cfg.ResponseSlots)); err != nil {
		s.unmap()
		_ = os.Remove(path)
		return nil, err
	}
	return s, nil
}

// attach opens an existing segment. Fails fast if the segment or any
// semaphore is missing: a worker cannot run without its transport.
func attach(name string, dir string) (*segment, error) {
	if dir == "" {
		dir = DefaultDir
	}
	path := segmentPath(dir, name)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: attach segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: stat segment %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("shm: map segment %s: %w", path, err)
	}

	reqSlots := int(binary.LittleEndian.Uint32(data[8:12]))
	respSlots := int(binary.LittleEndian.Uint32(data[ctrlSize+8 : ctrlSize+12]))
	if reqSlots <= 0 || respSlots <= 0 || segmentSize(reqSlots, respSlots) > len(data) {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("shm: segment %s has invalid control blocks (req=%d resp=%d)", path, reqSlots, respSlots)
	}

	s := &segment{name: name, dir: dir, data: data}
	s.layoutRings(reqSlots, respSlots)

	if err := s.attachSems(); err != nil {
		s.unmap()
		return nil, err
	}
	return s, nil
}

// layoutRings wires the ring views over the mapped segment.
func (s *segment) layoutRings(reqSlots, respSlots int) {
	reqCtrl := s.data[0:ctrlSize]
	respCtrl := s.data[ctrlSize : 2*ctrlSize]
	reqData := s.data[2*ctrlSize : 2*ctrlSize+reqSlots*slotSize]
	respData := s.data[2*ctrlSize+reqSlots*slotSize:]

	s.request = ring{
		head:     (*uint32)(unsafe.Pointer(&reqCtrl[0])),
		tail:     (*uint32)(unsafe.Pointer(&reqCtrl[4])),
		capacity: uint32(reqSlots),
		slots:    reqData,
	}
	s.response = ring{
		head:     (*uint32)(unsafe.Pointer(&respCtrl[0])),
		tail:     (*uint32)(unsafe.Pointer(&respCtrl[4])),
		capacity: uint32(respSlots),
		slots:    respData,
	}
}

func (s *segment) semPath(suffix string) string {
	return segmentPath(s.dir, s.name+suffix)
}

func (s *segment) createSems(reqSlots, respSlots uint32) error {
	var err error
	if s.reqWrite, err = createSem(s.semPath("_req_write"), reqSlots); err != nil {
		return err
	}
	if s.reqRead, err = createSem(s.semPath("_req_read"), 0); err != nil {
		return err
	}
	if s.respWrite, err = createSem(s.semPath("_resp_write"), respSlots); err != nil {
		return err
	}
	if s.respRead, err = createSem(s.semPath("_resp_read"), 0); err != nil {
		return err
	}
	s.bindSems()
	return nil
}

func (s *segment) attachSems() error {
	var err error
	if s.reqWrite, err = attachSem(s.semPath("_req_write")); err != nil {
		return err
	}
	if s.reqRead, err = attachSem(s.semPath("_req_read")); err != nil {
		return err
	}
	if s.respWrite, err = attachSem(s.semPath("_resp_write")); err != nil {
		return err
	}
	if s.respRead, err = attachSem(s.semPath("_resp_read")); err != nil {
		return err
	}
	s.bindSems()
	return nil
}

func (s *segment) bindSems() {
	s.request.writeSem = s.reqWrite
	s.request.readSem = s.reqRead
	s.response.writeSem = s.respWrite
	s.response.readSem = s.respRead
}

// unmap releases the mapping and semaphore mappings. Safe to call even if
// the peer process has already exited.
func (s *segment) unmap() {
	if s.data != nil {
		_ = unix.Munmap(s.data)
		s.data = nil
	}
	for _, sm := range []*sem{s.reqWrite, s.reqRead, s.respWrite, s.respRead} {
		if sm != nil {
			sm.close()
		}
	}
	runtime.KeepAlive(s)
}

// unlink removes the segment and semaphore files. Server side only.
func (s *segment) unlink() {
	_ = os.Remove(segmentPath(s.dir, s.name))
	for _, suffix := range []string{"_req_write", "_req_read", "_resp_write", "_resp_read"} {
		_ = os.Remove(s.semPath(suffix))
	}
}

// slotLen returns a pointer to the length word of slot i.
func (r *ring) slotLen(i uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.slots[int(i)*slotSize]))
}

func (r *ring) slotPayload(i uint32) []byte {
	base := int(i)*slotSize + 4
	return r.slots[base : base+MaxDataSize]
}
