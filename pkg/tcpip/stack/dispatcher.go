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

// Package stack provides the execution model shared by the protocol layers:
// a single-threaded Dispatcher, exactly-once Completions, ordered token maps
// and the contracts for link devices and address resolvers.
package stack

import (
	"context"
	"sync"
)

// Dispatcher serializes all protocol processing for one stack.
//
// Protocol code runs either inside a job posted with Post, or inside a
// critical section entered with Lock by a public API call. In both cases the
// dispatcher's mutex is held, so protocol state needs no further locking.
// Timer callbacks and device notifications arrive on arbitrary goroutines and
// must Post their work instead of touching protocol state.
type Dispatcher struct {
	// mu is the critical section. It is held while a job runs.
	mu sync.Mutex

	// qmu protects queue.
	qmu sync.Mutex
	// +checklocks:qmu
	queue []func()

	// wake is signaled when the queue becomes non-empty.
	wake chan struct{}
}

// NewDispatcher returns an idle dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{wake: make(chan struct{}, 1)}
}

// Lock enters the critical section.
func (d *Dispatcher) Lock() {
	d.mu.Lock()
}

// Unlock leaves the critical section.
func (d *Dispatcher) Unlock() {
	d.mu.Unlock()
}

// Post queues fn to run in the critical section. It is safe to call from any
// goroutine, including from a running job.
func (d *Dispatcher) Post(fn func()) {
	d.qmu.Lock()
	d.queue = append(d.queue, fn)
	d.qmu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued jobs.
func (d *Dispatcher) Pending() int {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) pop() (func(), bool) {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	if len(d.queue) == 0 {
		return nil, false
	}
	fn := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return fn, true
}

// Drain runs queued jobs, including jobs they post, until the queue is empty.
// It returns the number of jobs run.
//
// Drain must not be called from within the critical section.
func (d *Dispatcher) Drain() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for {
		fn, ok := d.pop()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

// Run drains the queue whenever jobs are posted until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
			d.Drain()
		}
	}
}
