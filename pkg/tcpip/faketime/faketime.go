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

// Package faketime provides a fake clock that implements tcpip.Clock interface.
package faketime

import (
	"container/heap"
	"sync"
	"time"

	"fwnet.dev/fwnet/pkg/tcpip"
)

// NullClock implements a clock that never advances.
type NullClock struct{}

var _ tcpip.Clock = (*NullClock)(nil)

// NowNanoseconds implements tcpip.Clock.NowNanoseconds.
func (*NullClock) NowNanoseconds() int64 {
	return 0
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (*NullClock) NowMonotonic() tcpip.MonotonicTime {
	return tcpip.MonotonicTime{}
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (*NullClock) AfterFunc(time.Duration, func()) tcpip.Timer {
	return nullTimer{}
}

type nullTimer struct{}

func (nullTimer) Stop() bool          { return false }
func (nullTimer) Reset(time.Duration) {}

// ManualClock implements tcpip.Clock and only advances manually with Advance
// method.
//
// Functions scheduled with AfterFunc run on the goroutine calling Advance, in
// deadline order, with the clock set to their deadline.
type ManualClock struct {
	// mu protects the fields below.
	mu sync.Mutex

	// now is the current (fake) time of the clock.
	now time.Time

	// timers is a min-heap of pending timers ordered by deadline.
	timers timerHeap

	// seq orders timers scheduled for the same instant.
	seq uint64
}

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	return &ManualClock{
		// Pick a fixed date so that logs and timestamps in tests are stable.
		now: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

var _ tcpip.Clock = (*ManualClock)(nil)

// NowNanoseconds implements tcpip.Clock.NowNanoseconds.
func (mc *ManualClock) NowNanoseconds() int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now.UnixNano()
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (mc *ManualClock) NowMonotonic() tcpip.MonotonicTime {
	return tcpip.MonotonicTimeFromNanoseconds(mc.NowNanoseconds())
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (mc *ManualClock) AfterFunc(d time.Duration, f func()) tcpip.Timer {
	t := &manualTimer{clock: mc, fn: f, index: -1}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.scheduleLocked(t, d)
	return t
}

// +checklocks:mc.mu
func (mc *ManualClock) scheduleLocked(t *manualTimer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	mc.seq++
	t.until = mc.now.Add(d)
	t.seq = mc.seq
	heap.Push(&mc.timers, t)
}

// Pending returns the number of timers that have not fired or been stopped.
func (mc *ManualClock) Pending() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.timers.Len()
}

// Advance executes all work that have been scheduled to execute within d from
// the current time. Timers scheduled by the executed work are also run if
// their deadline falls within the window.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	until := mc.now.Add(d)
	for mc.timers.Len() > 0 {
		t := mc.timers[0]
		if t.until.After(until) {
			break
		}
		heap.Pop(&mc.timers)
		if t.until.After(mc.now) {
			mc.now = t.until
		}
		fn := t.fn
		mc.mu.Unlock()
		fn()
		mc.mu.Lock()
	}
	if until.After(mc.now) {
		mc.now = until
	}
	mc.mu.Unlock()
}

type manualTimer struct {
	clock *ManualClock
	fn    func()

	// The fields below are protected by clock.mu.
	until time.Time
	seq   uint64
	index int
}

var _ tcpip.Timer = (*manualTimer)(nil)

// Reset implements tcpip.Timer.Reset.
func (t *manualTimer) Reset(d time.Duration) {
	mc := t.clock
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&mc.timers, t.index)
	}
	mc.scheduleLocked(t, d)
}

// Stop implements tcpip.Timer.Stop.
func (t *manualTimer) Stop() bool {
	mc := t.clock
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&mc.timers, t.index)
	return true
}

type timerHeap []*manualTimer

var _ heap.Interface = (*timerHeap)(nil)

// Len implements heap.Interface.Len.
func (h timerHeap) Len() int {
	return len(h)
}

// Less implements heap.Interface.Less.
func (h timerHeap) Less(i, j int) bool {
	if h[i].until.Equal(h[j].until) {
		return h[i].seq < h[j].seq
	}
	return h[i].until.Before(h[j].until)
}

// Swap implements heap.Interface.Swap.
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push implements heap.Interface.Push.
func (h *timerHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

// Pop implements heap.Interface.Pop.
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
