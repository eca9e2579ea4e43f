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
	"math/rand"
	"testing"

	"fwnet.dev/fwnet/pkg/tcpip"
)

func TestAcquireSize(t *testing.T) {
	p, err := NewPool(100, 2, 2, 8)
	if err != nil {
		t.Fatalf("NewPool: %s", err)
	}
	b, err := p.Acquire(100)
	if err != nil {
		t.Fatalf("Acquire(100): %s", err)
	}
	if got, want := b.Cap(), 100; got != want {
		t.Errorf("Cap() = %d, want %d", got, want)
	}
	if got := b.Size(); got != 0 {
		t.Errorf("Size() = %d, want 0", got)
	}
	if _, err := p.Acquire(101); err == nil {
		t.Errorf("Acquire(101) succeeded")
	} else if _, ok := err.(*tcpip.ErrInvalidParameter); !ok {
		t.Errorf("Acquire(101) = %s, want %s", err, &tcpip.ErrInvalidParameter{})
	}
}

func TestPoolGrowth(t *testing.T) {
	p, err := NewPool(64, 2, 3, 7)
	if err != nil {
		t.Fatalf("NewPool: %s", err)
	}
	if got, want := p.Allocated(), 2; got != want {
		t.Fatalf("initial Allocated() = %d, want %d", got, want)
	}

	var held []*Buffer
	for i, wantAllocated := range []int{2, 2, 5, 5, 5, 7, 7} {
		b, err := p.Acquire(1)
		if err != nil {
			t.Fatalf("#%d Acquire: %s", i, err)
		}
		held = append(held, b)
		if got := p.Allocated(); got != wantAllocated {
			t.Errorf("#%d Allocated() = %d, want %d", i, got, wantAllocated)
		}
	}
	if _, err := p.Acquire(1); err == nil {
		t.Fatalf("Acquire beyond maximum succeeded")
	} else if _, ok := err.(*tcpip.ErrOutOfResources); !ok {
		t.Fatalf("Acquire beyond maximum = %s, want %s", err, &tcpip.ErrOutOfResources{})
	}

	held[0].DecRef()
	if got, want := p.Free(), 1; got != want {
		t.Errorf("Free() = %d, want %d", got, want)
	}
	b, err := p.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire after release: %s", err)
	}
	if b != held[0] {
		t.Errorf("Acquire did not recycle the released buffer")
	}
}

func TestReleaseResetsBuffer(t *testing.T) {
	p, err := NewPool(64, 1, 1, 1)
	if err != nil {
		t.Fatalf("NewPool: %s", err)
	}
	b, _ := p.Acquire(10)
	b.Reserve(8)
	b.AppendBytes([]byte("data"))
	b.Prepend(2)
	b.DecRef()

	b, err = p.Acquire(10)
	if err != nil {
		t.Fatalf("Acquire: %s", err)
	}
	if b.Size() != 0 || b.Headroom() != 0 {
		t.Errorf("recycled buffer has size %d headroom %d, want 0 and 0", b.Size(), b.Headroom())
	}
}

// TestConservation checks that random acquire and release sequences never
// exceed the maximum and that releasing everything returns every buffer.
func TestConservation(t *testing.T) {
	const max = 16
	p, err := NewPool(32, 4, 5, max)
	if err != nil {
		t.Fatalf("NewPool: %s", err)
	}
	rng := rand.New(rand.NewSource(1))
	var held []*Buffer
	for i := 0; i < 2000; i++ {
		switch {
		case rng.Intn(2) == 0 && len(held) > 0:
			j := rng.Intn(len(held))
			b := held[j]
			held[j] = held[len(held)-1]
			held = held[:len(held)-1]
			if rng.Intn(3) == 0 {
				// Share then release both references.
				b.IncRef()
				b.DecRef()
			}
			b.DecRef()
		default:
			b, err := p.Acquire(rng.Intn(33))
			if err != nil {
				if _, ok := err.(*tcpip.ErrOutOfResources); !ok || len(held) != max {
					t.Fatalf("#%d Acquire with %d held: %s", i, len(held), err)
				}
				continue
			}
			held = append(held, b)
		}
		if got := p.Outstanding(); got != len(held) || got > max {
			t.Fatalf("#%d Outstanding() = %d, holding %d (max %d)", i, got, len(held), max)
		}
	}
	for _, b := range held {
		b.DecRef()
	}
	if got := p.Outstanding(); got != 0 {
		t.Errorf("Outstanding() after releasing all = %d, want 0", got)
	}
}

func TestClose(t *testing.T) {
	p, err := NewPool(32, 4, 4, 8)
	if err != nil {
		t.Fatalf("NewPool: %s", err)
	}
	b, _ := p.Acquire(1)
	p.Close()
	if got, want := p.Allocated(), 1; got != want {
		t.Errorf("Allocated() after Close = %d, want %d", got, want)
	}
	b.DecRef()
	if got := p.Allocated(); got != 0 {
		t.Errorf("Allocated() after last release = %d, want 0", got)
	}
	if _, err := p.Acquire(1); err == nil {
		t.Errorf("Acquire after Close succeeded")
	}
}

func TestNewPoolInvalid(t *testing.T) {
	for _, tc := range []struct {
		name                          string
		size, initial, increment, max int
	}{
		{"zero size", 0, 1, 1, 1},
		{"zero increment", 1, 1, 0, 1},
		{"initial above max", 1, 2, 1, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPool(tc.size, tc.initial, tc.increment, tc.max); err == nil {
				t.Errorf("NewPool(%d, %d, %d, %d) succeeded", tc.size, tc.initial, tc.increment, tc.max)
			}
		})
	}
}
