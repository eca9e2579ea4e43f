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

package buffer

import (
	"sync"

	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
)

// Pool is a free list of fixed-size buffers.
//
// The pool grows by a fixed increment when the free list is empty, up to a
// maximum number of allocated buffers. It never shrinks: released buffers are
// recycled until the pool is closed.
type Pool struct {
	bufSize   int
	increment int
	max       int

	mu sync.Mutex
	// +checklocks:mu
	free []*Buffer
	// allocated is the number of buffers created by the pool, whether free
	// or outstanding.
	// +checklocks:mu
	allocated int
	// +checklocks:mu
	closed bool
}

// NewPool returns a pool of buffers of bufSize bytes, preallocating initial
// buffers, growing by increment and never holding more than max.
func NewPool(bufSize, initial, increment, max int) (*Pool, tcpip.Error) {
	if bufSize <= 0 || increment <= 0 || max <= 0 || initial < 0 || initial > max {
		return nil, &tcpip.ErrInvalidParameter{}
	}
	p := &Pool{
		bufSize:   bufSize,
		increment: increment,
		max:       max,
	}
	p.mu.Lock()
	p.growLocked(initial)
	p.mu.Unlock()
	return p, nil
}

// BufferSize returns the capacity of each buffer.
func (p *Pool) BufferSize() int {
	return p.bufSize
}

// +checklocks:p.mu
func (p *Pool) growLocked(n int) int {
	if room := p.max - p.allocated; n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		b := newBuffer(p, p.bufSize)
		b.refs.Store(0)
		p.free = append(p.free, b)
	}
	p.allocated += n
	return n
}

// Acquire returns an empty buffer able to hold at least size bytes, with a
// reference count of one.
//
// It returns ErrInvalidParameter if size exceeds the pool's buffer size and
// ErrOutOfResources if the pool is at its maximum with no free buffers.
func (p *Pool) Acquire(size int) (*Buffer, tcpip.Error) {
	if size > p.bufSize {
		return nil, &tcpip.ErrInvalidParameter{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, &tcpip.ErrNotStarted{}
	}
	if len(p.free) == 0 {
		if p.growLocked(p.increment) == 0 {
			log.Warningf("buffer: pool exhausted, %d buffers of %d bytes outstanding", p.allocated, p.bufSize)
			return nil, &tcpip.ErrOutOfResources{}
		}
	}
	n := len(p.free) - 1
	b := p.free[n]
	p.free[n] = nil
	p.free = p.free[:n]
	b.refs.Store(1)
	return b, nil
}

func (p *Pool) release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.allocated--
		b.pool = nil
		return
	}
	p.free = append(p.free, b)
}

// Allocated returns the number of buffers created by the pool.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Free returns the number of buffers on the free list.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Outstanding returns the number of buffers handed out and not yet released.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated - len(p.free)
}

// Close drops the free list. Buffers still outstanding are discarded when
// their last reference is dropped, and Acquire fails with ErrNotStarted.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.allocated -= len(p.free)
	p.free = nil
}
