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

package stack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/faketime"
)

func TestDispatcherDrainOrder(t *testing.T) {
	d := NewDispatcher()
	var got []int
	d.Post(func() {
		got = append(got, 1)
		d.Post(func() { got = append(got, 3) })
	})
	d.Post(func() { got = append(got, 2) })
	if n := d.Drain(); n != 3 {
		t.Errorf("Drain() = %d, want 3", n)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, got); diff != "" {
		t.Errorf("job order mismatch (-want +got):\n%s", diff)
	}
	if n := d.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestDispatcherRun(t *testing.T) {
	d := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go d.Post(func() {
			mu.Lock()
			count++
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	cancel()
	if err := <-errc; err != context.Canceled {
		t.Errorf("Run() = %v, want %v", err, context.Canceled)
	}
	if count != 10 {
		t.Errorf("ran %d jobs, want 10", count)
	}
}

func TestCompletion(t *testing.T) {
	var notified []tcpip.Error
	c := NewCompletion(func(err tcpip.Error) { notified = append(notified, err) })
	if _, ok := c.Status().(*tcpip.ErrNotReady); !ok {
		t.Errorf("Status() before Signal = %v, want %s", c.Status(), &tcpip.ErrNotReady{})
	}
	select {
	case <-c.Done():
		t.Fatalf("Done() closed before Signal")
	default:
	}
	c.Signal(&tcpip.ErrAborted{})
	if !c.Signaled() {
		t.Errorf("Signaled() = false")
	}
	if _, ok := c.Status().(*tcpip.ErrAborted); !ok {
		t.Errorf("Status() = %v, want %s", c.Status(), &tcpip.ErrAborted{})
	}
	if len(notified) != 1 {
		t.Errorf("notify called %d times, want 1", len(notified))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Wait(ctx); err == nil {
		t.Errorf("Wait() = nil, want an aborted error")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("second Signal did not panic")
		}
	}()
	c.Signal(nil)
}

func TestCompletionWaitCanceled(t *testing.T) {
	c := NewCompletion(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait() = %v, want %v", err, context.Canceled)
	}
}

func TestTokenMap(t *testing.T) {
	type token struct{ id int }
	var m TokenMap[*token, string]
	a, b, c := &token{1}, &token{2}, &token{3}
	ca, cb := NewCompletion(nil), NewCompletion(nil)

	if err := m.Insert(a, ca, "a"); err != nil {
		t.Fatalf("Insert(a): %s", err)
	}
	if err := m.Insert(b, cb, "b"); err != nil {
		t.Fatalf("Insert(b): %s", err)
	}
	for _, tc := range []struct {
		name string
		tok  *token
		c    *Completion
	}{
		{"same token", a, NewCompletion(nil)},
		{"same completion", c, cb},
	} {
		if err := m.Insert(tc.tok, tc.c, "dup"); err == nil {
			t.Errorf("%s: Insert succeeded", tc.name)
		} else if _, ok := err.(*tcpip.ErrAccessDenied); !ok {
			t.Errorf("%s: Insert = %s, want %s", tc.name, err, &tcpip.ErrAccessDenied{})
		}
	}
	if !m.ContainsCompletion(ca) || m.ContainsCompletion(NewCompletion(nil)) {
		t.Errorf("ContainsCompletion mismatch")
	}
	if v, ok := m.Lookup(b); !ok || v != "b" {
		t.Errorf("Lookup(b) = %q, %t", v, ok)
	}
	if err := m.Insert(c, nil, "c"); err != nil {
		t.Fatalf("Insert(c): %s", err)
	}
	if v, ok := m.Remove(b); !ok || v != "b" {
		t.Errorf("Remove(b) = %q, %t", v, ok)
	}
	if _, ok := m.Remove(b); ok {
		t.Errorf("second Remove(b) succeeded")
	}
	var order []string
	m.RemoveAll(func(_ *token, v string) { order = append(order, v) })
	if diff := cmp.Diff([]string{"a", "c"}, order); diff != "" {
		t.Errorf("RemoveAll order mismatch (-want +got):\n%s", diff)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after RemoveAll", m.Len())
	}
}

func TestReceiveFilterString(t *testing.T) {
	for f, want := range map[ReceiveFilter]string{
		0:                                              "none",
		ReceiveFilterUnicast | ReceiveFilterBroadcast:  "unicast|broadcast",
		ReceiveFilterPromiscuousMulticast:              "promiscuous-multicast",
		ReceiveFilterMulticast | ReceiveFilter(0x100): "multicast|0x100",
	} {
		if got := f.String(); got != want {
			t.Errorf("ReceiveFilter(%#x).String() = %q, want %q", uint32(f), got, want)
		}
	}
}

func TestPeriodicJob(t *testing.T) {
	d := NewDispatcher()
	clock := faketime.NewManualClock()
	ticks := 0
	j := NewPeriodicJob(d, clock, 10*time.Millisecond, func() { ticks++ })

	step := func(n int) {
		for i := 0; i < n; i++ {
			clock.Advance(10 * time.Millisecond)
			d.Drain()
		}
	}

	step(2)
	if ticks != 0 {
		t.Fatalf("stopped job ticked %d times", ticks)
	}

	d.Lock()
	j.Start()
	d.Unlock()
	step(3)
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}

	// A tick posted before Stop is discarded.
	clock.Advance(10 * time.Millisecond)
	d.Lock()
	j.Stop()
	d.Unlock()
	d.Drain()
	step(2)
	if ticks != 3 {
		t.Errorf("ticks after Stop = %d, want 3", ticks)
	}

	d.Lock()
	j.Start()
	running := j.Running()
	d.Unlock()
	if !running {
		t.Errorf("Running() = false after Start")
	}
	step(1)
	if ticks != 4 {
		t.Errorf("ticks after restart = %d, want 4", ticks)
	}
}
