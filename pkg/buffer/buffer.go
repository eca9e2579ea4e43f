// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package buffer provides the reference-counted packet buffers that carry all
// wire data, and the fixed-size pools they are recycled through.
//
// A Buffer is a byte region with a movable head and tail. Headers are
// prepended into the headroom reserved ahead of the payload. A Buffer may be
// shared by several owners (for example, one inbound frame queued to several
// receivers) and must not be modified while shared; use View.Duplicate to
// obtain a private copy first.
package buffer

import (
	"fmt"
	"sync/atomic"
)

// Buffer is a reference-counted byte region.
//
// The zero value is not usable; buffers are obtained from Pool.Acquire or
// NewBuffer with a reference count of one.
type Buffer struct {
	refs atomic.Int32

	// pool is the pool the buffer returns to when the last reference is
	// dropped, or nil for unpooled buffers.
	pool *Pool

	data []byte

	// head and tail delimit the used region data[head:tail].
	head int
	tail int
}

// NewBuffer returns an unpooled buffer holding data, with a reference count of
// one. The buffer takes ownership of data.
func NewBuffer(data []byte) *Buffer {
	b := &Buffer{data: data, tail: len(data)}
	b.refs.Store(1)
	return b
}

// newBuffer returns an empty buffer of the given capacity owned by pool.
func newBuffer(pool *Pool, size int) *Buffer {
	b := &Buffer{pool: pool, data: make([]byte, size)}
	b.refs.Store(1)
	return b
}

// IncRef adds a reference.
func (b *Buffer) IncRef() {
	if v := b.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("buffer: IncRef on released buffer (refs %d)", v-1))
	}
}

// DecRef drops a reference. Dropping the last reference trims the used length
// to zero and returns the buffer to its pool.
func (b *Buffer) DecRef() {
	switch v := b.refs.Add(-1); {
	case v > 0:
	case v == 0:
		b.head, b.tail = 0, 0
		if b.pool != nil {
			b.pool.release(b)
		}
	default:
		panic(fmt.Sprintf("buffer: DecRef on released buffer (refs %d)", v))
	}
}

// ReadRefs returns the current reference count.
func (b *Buffer) ReadRefs() int32 {
	return b.refs.Load()
}

// Shared returns whether more than one owner holds the buffer.
func (b *Buffer) Shared() bool {
	return b.refs.Load() > 1
}

// Cap returns the size of the underlying region.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Size returns the length of the used region.
func (b *Buffer) Size() int {
	return b.tail - b.head
}

// Headroom returns the number of bytes that can be prepended.
func (b *Buffer) Headroom() int {
	return b.head
}

// Tailroom returns the number of bytes that can be appended.
func (b *Buffer) Tailroom() int {
	return len(b.data) - b.tail
}

// Bytes returns the used region. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[b.head:b.tail]
}

// Reserve sets aside n bytes of headroom in an empty buffer.
//
// Precondition: b.Size() == 0 and n <= b.Cap().
func (b *Buffer) Reserve(n int) {
	if b.Size() != 0 || n > len(b.data) || n < 0 {
		panic(fmt.Sprintf("buffer: Reserve(%d) on buffer with size %d cap %d", n, b.Size(), len(b.data)))
	}
	b.head, b.tail = n, n
}

// Append extends the used region by n bytes at the tail and returns the new
// bytes. Their contents are unspecified.
func (b *Buffer) Append(n int) []byte {
	if n < 0 || n > b.Tailroom() {
		panic(fmt.Sprintf("buffer: Append(%d) with tailroom %d", n, b.Tailroom()))
	}
	b.checkWritable()
	b.tail += n
	return b.data[b.tail-n : b.tail]
}

// AppendBytes appends a copy of v.
func (b *Buffer) AppendBytes(v []byte) {
	copy(b.Append(len(v)), v)
}

// Prepend extends the used region by n bytes at the head and returns the new
// bytes. Their contents are unspecified.
func (b *Buffer) Prepend(n int) []byte {
	if n < 0 || n > b.head {
		panic(fmt.Sprintf("buffer: Prepend(%d) with headroom %d", n, b.head))
	}
	b.checkWritable()
	b.head -= n
	return b.data[b.head : b.head+n]
}

// TrimFront removes n bytes from the head of the used region.
func (b *Buffer) TrimFront(n int) {
	if n > b.Size() {
		n = b.Size()
	}
	b.head += n
}

// CapLength limits the used region to at most n bytes.
func (b *Buffer) CapLength(n int) {
	if n < b.Size() {
		b.tail = b.head + n
	}
}

func (b *Buffer) checkWritable() {
	if b.Shared() {
		panic("buffer: write to shared buffer")
	}
}

// View returns a window over the buffer's used region holding a new
// reference.
func (b *Buffer) View() View {
	b.IncRef()
	return View{buf: b, start: b.head, end: b.tail}
}

// TakeView returns a window over the buffer's used region, transferring the
// caller's reference to the view.
func (b *Buffer) TakeView() View {
	return View{buf: b, start: b.head, end: b.tail}
}
