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
	"bytes"
	"testing"
)

func TestBufferHeadroom(t *testing.T) {
	b := newBuffer(nil, 32)
	b.Reserve(8)
	b.AppendBytes([]byte("payload"))
	copy(b.Prepend(4), "hdr:")
	if got, want := string(b.Bytes()), "hdr:payload"; got != want {
		t.Errorf("Bytes() = %q, want %q", got, want)
	}
	if got, want := b.Headroom(), 4; got != want {
		t.Errorf("Headroom() = %d, want %d", got, want)
	}
	if got, want := b.Tailroom(), 32-8-7; got != want {
		t.Errorf("Tailroom() = %d, want %d", got, want)
	}
	b.TrimFront(4)
	b.CapLength(3)
	if got, want := string(b.Bytes()), "pay"; got != want {
		t.Errorf("Bytes() after trim = %q, want %q", got, want)
	}
}

func TestBufferPanics(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   func(b *Buffer)
	}{
		{"prepend without headroom", func(b *Buffer) { b.Prepend(1) }},
		{"append past capacity", func(b *Buffer) { b.Append(b.Cap() + 1) }},
		{"reserve non-empty", func(b *Buffer) { b.Append(1); b.Reserve(1) }},
		{"write shared", func(b *Buffer) { b.IncRef(); b.Append(1) }},
		{"release twice", func(b *Buffer) { b.DecRef(); b.DecRef() }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("no panic")
				}
			}()
			tc.fn(newBuffer(nil, 4))
		})
	}
}

func TestViewWindow(t *testing.T) {
	b := NewBuffer([]byte("0123456789"))
	v := b.TakeView()
	w := v.Clone()
	if !v.Shared() {
		t.Errorf("Shared() = false with two views")
	}
	w.TrimFront(2)
	w.CapLength(3)
	if got, want := string(w.Bytes()), "234"; got != want {
		t.Errorf("w.Bytes() = %q, want %q", got, want)
	}
	if got, want := string(v.Bytes()), "0123456789"; got != want {
		t.Errorf("v.Bytes() = %q, want %q", got, want)
	}
	w.Release()
	if !w.IsEmpty() || w.Size() != 0 {
		t.Errorf("released view is not empty")
	}
	if v.Shared() {
		t.Errorf("Shared() = true after releasing the clone")
	}
	v.Release()
	if got := b.ReadRefs(); got != 0 {
		t.Errorf("ReadRefs() = %d, want 0", got)
	}
}

func TestViewDuplicate(t *testing.T) {
	p, err := NewPool(16, 1, 1, 2)
	if err != nil {
		t.Fatalf("NewPool: %s", err)
	}
	b, _ := p.Acquire(8)
	b.AppendBytes([]byte("abcdefgh"))
	v := b.TakeView()
	v.TrimFront(2)
	shared := v.Clone()

	dup, err := v.Duplicate(p)
	if err != nil {
		t.Fatalf("Duplicate: %s", err)
	}
	if dup.Shared() {
		t.Errorf("duplicate is shared")
	}
	if dup.Buffer() == v.Buffer() {
		t.Errorf("duplicate aliases the original buffer")
	}
	if !bytes.Equal(dup.Bytes(), v.Bytes()) {
		t.Errorf("dup.Bytes() = %q, want %q", dup.Bytes(), v.Bytes())
	}
	if got, want := p.Outstanding(), 2; got != want {
		t.Errorf("Outstanding() = %d, want %d", got, want)
	}

	// Too large for the pool comes from the heap.
	big := NewBuffer(make([]byte, 64)).TakeView()
	heap, err := big.Duplicate(p)
	if err != nil {
		t.Fatalf("Duplicate of large view: %s", err)
	}
	if heap.Size() != 64 {
		t.Errorf("heap duplicate size = %d, want 64", heap.Size())
	}

	for _, view := range []*View{&v, &shared, &dup, &big, &heap} {
		view.Release()
	}
	if got := p.Outstanding(); got != 0 {
		t.Errorf("Outstanding() after release = %d, want 0", got)
	}
}
