// Package ring implements the lock-free single-writer/single-reader transport
// used to stream per-batch samples out of the measuring goroutine.
//
// The region layout is fixed:
//
//	offset  0: uint32 version
//	offset  4: uint32 flags       (bit 0 = DONE)
//	offset  8: uint32 writeHead   (next sequence number to reserve)
//	offset 12: uint32 committed   (every sequence < committed is final)
//	offset 16: uint32 dropped     (writes refused because the ring was full)
//	offset 20: uint32 reserved
//	offset 24: uint32 reserved
//	offset 28: uint32 padding
//	offset 32: float64 slots[capacity]
//
// Invariant: committed <= writeHead and writeHead-committed <= capacity.
// committed only advances over a contiguous prefix of completed writes, so a
// reader never observes a slot whose write is still in flight.
package ring

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"
)

const (
	// Version is the layout version stored in the first header word.
	Version uint32 = 1

	// HeaderWords is the number of 32-bit header fields.
	HeaderWords = 8
	// HeaderBytes is the size of the control header; slots start here.
	HeaderBytes = HeaderWords * 4
	// SlotBytes is the size of one sample slot.
	SlotBytes = 8

	// FlagDone is set once by the writer after the last cell.
	FlagDone uint32 = 1 << 0
)

const (
	idxVersion = iota
	idxFlags
	idxWriteHead
	idxCommitted
	idxDropped
)

var (
	// ErrCapacity is returned when a capacity is not a positive power of two.
	ErrCapacity = errors.New("ring: capacity must be a positive power of two")
	// ErrRegion is returned when an attached region is too small or misaligned.
	ErrRegion = errors.New("ring: invalid region")
	// ErrVersion is returned when an attached region carries another layout.
	ErrVersion = errors.New("ring: unsupported layout version")
)

// Buffer is the shared region plus the writer's private completion stamps.
type Buffer struct {
	region   []byte
	header   *[HeaderWords]uint32
	slots    []uint64
	capacity uint32
	mask     uint32

	// published[i] holds seq+1 once the write for seq landed in slot i.
	// Only the writer side touches it.
	published []uint32
}

// RegionSize returns the number of bytes a region of the given capacity needs.
func RegionSize(capacity int) int {
	return HeaderBytes + capacity*SlotBytes
}

// New allocates an 8-byte aligned region with the given capacity.
func New(capacity int) (*Buffer, error) {
	if !isPow2(capacity) {
		return nil, fmt.Errorf("%w: got %d", ErrCapacity, capacity)
	}
	words := make([]uint64, RegionSize(capacity)/8)
	region := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	b := wrap(region, capacity)
	atomic.StoreUint32(&b.header[idxVersion], Version)
	return b, nil
}

// Attach wraps an existing region (for example a shared mapping) that was
// initialized by New or by another process using the same layout.
func Attach(region []byte) (*Buffer, error) {
	if len(region) < HeaderBytes+SlotBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrRegion, len(region))
	}
	if uintptr(unsafe.Pointer(&region[0]))%8 != 0 {
		return nil, fmt.Errorf("%w: region is not 8-byte aligned", ErrRegion)
	}
	dataBytes := len(region) - HeaderBytes
	if dataBytes%SlotBytes != 0 || !isPow2(dataBytes/SlotBytes) {
		return nil, fmt.Errorf("%w: data region of %d bytes", ErrCapacity, dataBytes)
	}
	b := wrap(region, dataBytes/SlotBytes)
	if v := atomic.LoadUint32(&b.header[idxVersion]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	return b, nil
}

func wrap(region []byte, capacity int) *Buffer {
	base := unsafe.Pointer(&region[0])
	return &Buffer{
		region:    region,
		header:    (*[HeaderWords]uint32)(base),
		slots:     unsafe.Slice((*uint64)(unsafe.Add(base, HeaderBytes)), capacity),
		capacity:  uint32(capacity),
		mask:      uint32(capacity - 1),
		published: make([]uint32, capacity),
	}
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0 && uint64(n) <= math.MaxUint32
}

// === Writer side ===

// Reserve claims the next sequence number. It returns false, and counts a
// drop, when accepting the write would put more than capacity reservations
// in flight. A refused write never consumes a sequence number, so committed
// can always catch up with writeHead.
func (b *Buffer) Reserve() (uint32, bool) {
	for {
		head := atomic.LoadUint32(&b.header[idxWriteHead])
		committed := atomic.LoadUint32(&b.header[idxCommitted])
		if head+1-committed > b.capacity {
			atomic.AddUint32(&b.header[idxDropped], 1)
			return 0, false
		}
		if atomic.CompareAndSwapUint32(&b.header[idxWriteHead], head, head+1) {
			return head, true
		}
	}
}

// Commit stores v in the slot for seq and publishes every contiguous
// completed reservation starting at committed.
func (b *Buffer) Commit(seq uint32, v float64) {
	slot := seq & b.mask
	atomic.StoreUint64(&b.slots[slot], math.Float64bits(v))
	atomic.StoreUint32(&b.published[slot], seq+1)
	b.advance()
}

func (b *Buffer) advance() {
	for {
		c := atomic.LoadUint32(&b.header[idxCommitted])
		if c == atomic.LoadUint32(&b.header[idxWriteHead]) {
			return
		}
		if atomic.LoadUint32(&b.published[c&b.mask]) != c+1 {
			return
		}
		atomic.CompareAndSwapUint32(&b.header[idxCommitted], c, c+1)
	}
}

// Push reserves and commits one sample. It reports false when the sample was
// dropped.
func (b *Buffer) Push(v float64) bool {
	seq, ok := b.Reserve()
	if !ok {
		return false
	}
	b.Commit(seq, v)
	return true
}

// MarkDone sets the DONE flag. Setting it again is a no-op.
func (b *Buffer) MarkDone() {
	atomic.OrUint32(&b.header[idxFlags], FlagDone)
}

// === Shared accessors ===

// Capacity returns the number of sample slots.
func (b *Buffer) Capacity() int { return int(b.capacity) }

// Bytes returns the raw region, header included.
func (b *Buffer) Bytes() []byte { return b.region }

// WriteHead returns the next sequence number the writer will reserve.
func (b *Buffer) WriteHead() uint32 { return atomic.LoadUint32(&b.header[idxWriteHead]) }

// Committed returns the number of sequence numbers that are final.
func (b *Buffer) Committed() uint32 { return atomic.LoadUint32(&b.header[idxCommitted]) }

// Dropped returns the number of refused writes.
func (b *Buffer) Dropped() uint32 { return atomic.LoadUint32(&b.header[idxDropped]) }

// Done reports whether the writer has finished the run.
func (b *Buffer) Done() bool {
	return atomic.LoadUint32(&b.header[idxFlags])&FlagDone != 0
}

// Header returns an atomic snapshot of the eight header words.
func (b *Buffer) Header() [HeaderWords]uint32 {
	var h [HeaderWords]uint32
	for i := range h {
		h[i] = atomic.LoadUint32(&b.header[i])
	}
	return h
}

// Load returns the value stored for seq. The caller must only ask for
// sequences below Committed(); older sequences may have been overwritten.
func (b *Buffer) Load(seq uint32) float64 {
	return math.Float64frombits(atomic.LoadUint64(&b.slots[seq&b.mask]))
}
