package pollhttp

import (
	"github.com/bytedance/gopkg/lang/mcache"
)

const minBufferAlloc = 512

// ByteBuffer is a bounded byte window with independent read and write
// cursors.
//
// Bytes in [r, w) are unconsumed. Storage is allocated lazily and grows in
// size classes up to the capacity ceiling, never beyond it. A write that
// does not fit is reported as ErrBufferFull; no byte is ever dropped
// silently.
//
// ByteBuffer is not safe for concurrent use.
type ByteBuffer struct {
	b        []byte
	capacity int
	r, w     int
}

// NewByteBuffer returns an empty buffer that never holds more than capacity
// unconsumed bytes.
func NewByteBuffer(capacity int) *ByteBuffer {
	bb := &ByteBuffer{}
	bb.init(capacity)
	return bb
}

func (bb *ByteBuffer) init(capacity int) {
	if capacity <= 0 {
		capacity = minBufferAlloc
	}
	bb.capacity = capacity
	bb.r, bb.w = 0, 0
}

// Cap returns the capacity ceiling.
func (bb *ByteBuffer) Cap() int { return bb.capacity }

// Len returns the number of unconsumed bytes.
func (bb *ByteBuffer) Len() int { return bb.w - bb.r }

// Free returns how many more bytes the buffer accepts before reaching its
// ceiling.
func (bb *ByteBuffer) Free() int { return bb.capacity - (bb.w - bb.r) }

// Full reports whether the unconsumed bytes reached the ceiling.
func (bb *ByteBuffer) Full() bool { return bb.Free() == 0 }

// Bytes returns the unconsumed bytes. The slice is valid until the next
// mutating call.
func (bb *ByteBuffer) Bytes() []byte { return bb.b[bb.r:bb.w] }

// WriteSpace returns a writable slice of at most max bytes located right
// after the unconsumed bytes. It compacts or grows storage as needed. The
// returned slice is shorter than max when the ceiling is close and is nil
// when the buffer is full. Bytes written into it become visible after
// Commit.
func (bb *ByteBuffer) WriteSpace(max int) []byte {
	if max > bb.Free() {
		max = bb.Free()
	}
	if max <= 0 {
		return nil
	}
	if bb.w+max > len(bb.b) {
		bb.ensure(bb.w - bb.r + max)
	}
	return bb.b[bb.w : bb.w+max]
}

// Commit marks n bytes of the last WriteSpace slice as written.
func (bb *ByteBuffer) Commit(n int) {
	if n <= 0 {
		return
	}
	if bb.w+n > len(bb.b) {
		// developer sanity-check
		panic("BUG: ByteBuffer.Commit past the write space")
	}
	bb.w += n
}

// Write appends p. It returns ErrBufferFull together with the number of
// bytes that fit when p exceeds the remaining capacity.
func (bb *ByteBuffer) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		s := bb.WriteSpace(len(p))
		if len(s) == 0 {
			return n, ErrBufferFull
		}
		m := copy(s, p)
		bb.Commit(m)
		n += m
		p = p[m:]
	}
	return n, nil
}

// WriteString is Write for strings.
func (bb *ByteBuffer) WriteString(s string) (n int, err error) {
	for len(s) > 0 {
		ws := bb.WriteSpace(len(s))
		if len(ws) == 0 {
			return n, ErrBufferFull
		}
		m := copy(ws, s)
		bb.Commit(m)
		n += m
		s = s[m:]
	}
	return n, nil
}

// WriteByte appends c, or returns ErrBufferFull.
func (bb *ByteBuffer) WriteByte(c byte) error {
	s := bb.WriteSpace(1)
	if len(s) == 0 {
		return ErrBufferFull
	}
	s[0] = c
	bb.Commit(1)
	return nil
}

// Consume discards up to n unconsumed bytes and returns how many were
// discarded. Counts outside [0, Len()] are clamped.
func (bb *ByteBuffer) Consume(n int) int {
	if n <= 0 {
		return 0
	}
	if l := bb.Len(); n > l {
		n = l
	}
	bb.r += n
	if bb.r == bb.w {
		bb.r, bb.w = 0, 0
	}
	return n
}

// Reset drops every byte but keeps the storage.
func (bb *ByteBuffer) Reset() {
	bb.r, bb.w = 0, 0
}

// Release drops every byte and hands the storage back to the cache.
func (bb *ByteBuffer) Release() {
	if bb.b != nil {
		mcache.Free(bb.b)
		bb.b = nil
	}
	bb.r, bb.w = 0, 0
}

// cut removes n unconsumed bytes starting at offset off from the read
// cursor, closing the gap by shifting the tail left.
func (bb *ByteBuffer) cut(off, n int) {
	if off < 0 || n <= 0 {
		return
	}
	start := bb.r + off
	if start >= bb.w {
		return
	}
	if start+n > bb.w {
		n = bb.w - start
	}
	copy(bb.b[start:], bb.b[start+n:bb.w])
	bb.w -= n
}

// ensure makes room for need unconsumed bytes starting at index zero.
func (bb *ByteBuffer) ensure(need int) {
	if need > bb.capacity {
		need = bb.capacity
	}
	if need <= len(bb.b) {
		bb.compact()
		return
	}
	size := len(bb.b)
	if size < minBufferAlloc {
		size = minBufferAlloc
	}
	for size < need {
		size <<= 1
	}
	if size > bb.capacity {
		size = bb.capacity
	}
	nb := mcache.Malloc(size)
	n := copy(nb, bb.b[bb.r:bb.w])
	if bb.b != nil {
		mcache.Free(bb.b)
	}
	bb.b = nb
	bb.r, bb.w = 0, n
}

func (bb *ByteBuffer) compact() {
	if bb.r == 0 {
		return
	}
	n := copy(bb.b, bb.b[bb.r:bb.w])
	bb.r, bb.w = 0, n
}
