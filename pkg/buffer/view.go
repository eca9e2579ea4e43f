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
	"fwnet.dev/fwnet/pkg/tcpip"
)

// View is a window over part of a Buffer holding one reference to it. Views
// are values; adjusting a view's window never touches the bytes or other views
// of the same buffer.
//
// The zero View is empty and holds nothing.
type View struct {
	buf   *Buffer
	start int
	end   int
}

// Buffer returns the underlying buffer.
func (v View) Buffer() *Buffer {
	return v.buf
}

// Bytes returns the viewed bytes. The slice aliases the buffer and must be
// treated as read-only while the buffer is shared.
func (v View) Bytes() []byte {
	if v.buf == nil {
		return nil
	}
	return v.buf.data[v.start:v.end]
}

// Size returns the length of the view.
func (v View) Size() int {
	return v.end - v.start
}

// IsEmpty returns whether v holds no buffer.
func (v View) IsEmpty() bool {
	return v.buf == nil
}

// Shared returns whether the underlying buffer has other owners.
func (v View) Shared() bool {
	return v.buf != nil && v.buf.Shared()
}

// TrimFront removes the first n bytes from the view.
func (v *View) TrimFront(n int) {
	if n > v.Size() {
		n = v.Size()
	}
	v.start += n
}

// CapLength limits the view to at most n bytes.
func (v *View) CapLength(n int) {
	if n < v.Size() {
		v.end = v.start + n
	}
}

// Clone returns a second view of the same window, adding a reference.
func (v View) Clone() View {
	if v.buf != nil {
		v.buf.IncRef()
	}
	return v
}

// Release drops the view's reference and empties the view.
func (v *View) Release() {
	if v.buf != nil {
		v.buf.DecRef()
	}
	*v = View{}
}

// Duplicate copies the viewed bytes into a buffer owned solely by the returned
// view. The buffer comes from pool, or from the heap if pool is nil or the
// bytes do not fit its buffer size. The receiver is not released.
func (v View) Duplicate(pool *Pool) (View, tcpip.Error) {
	var b *Buffer
	if pool != nil && v.Size() <= pool.BufferSize() {
		var err tcpip.Error
		if b, err = pool.Acquire(v.Size()); err != nil {
			return View{}, err
		}
	} else {
		b = newBuffer(nil, v.Size())
	}
	b.AppendBytes(v.Bytes())
	return b.TakeView(), nil
}
