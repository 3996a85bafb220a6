package ring

// Reader is the observing side of a Buffer. It keeps its own cursor and never
// writes to the shared region.
//
// Thread-safety: NOT thread-safe. One Reader per observing goroutine.
type Reader struct {
	buf    *Buffer
	cursor uint32
	lagged uint64
}

// NewReader returns a reader positioned at sequence 0.
func NewReader(b *Buffer) *Reader {
	return &Reader{buf: b}
}

// Drain appends every committed sample the reader has not seen yet to dst and
// returns the extended slice.
//
// The writer only bounds in-flight reservations, not unread samples, so a
// reader that falls more than a capacity behind loses the overwritten
// samples. Those are skipped and counted in Lagged, never returned stale.
func (r *Reader) Drain(dst []float64) []float64 {
	b := r.buf
	committed := b.Committed()

	if behind := committed - r.cursor; behind > b.capacity {
		skip := behind - b.capacity
		r.lagged += uint64(skip)
		r.cursor += skip
	}

	start := len(dst)
	for seq := r.cursor; seq != committed; seq++ {
		dst = append(dst, b.Load(seq))
	}

	// Slots whose sequence is at least capacity behind the current write head
	// may have been rewritten while we copied them.
	if behind := b.WriteHead() - r.cursor; behind > b.capacity {
		stale := int(behind - b.capacity)
		if copied := len(dst) - start; stale > copied {
			stale = copied
		}
		dst = append(dst[:start], dst[start+stale:]...)
		r.lagged += uint64(stale)
	}

	r.cursor = committed
	return dst
}

// Cursor returns the next sequence number the reader will return.
func (r *Reader) Cursor() uint32 { return r.cursor }

// Lagged returns how many committed samples were overwritten before this
// reader got to them.
func (r *Reader) Lagged() uint64 { return r.lagged }

// Dropped returns the writer-side drop counter.
func (r *Reader) Dropped() uint32 { return r.buf.Dropped() }

// Done reports whether the writer has set the DONE flag.
func (r *Reader) Done() bool { return r.buf.Done() }
