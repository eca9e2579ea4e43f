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
	"time"

	"fwnet.dev/fwnet/pkg/tcpip"
)

// PeriodicJob runs a function in the dispatcher's critical section at a fixed
// interval while it is started.
//
// The timer callback only posts the tick, so fn always runs with the
// dispatcher lock held. Start, Stop and Running must be called with the lock
// held as well.
type PeriodicJob struct {
	disp     *Dispatcher
	clock    tcpip.Clock
	interval time.Duration
	fn       func()

	timer   tcpip.Timer
	running bool
}

// NewPeriodicJob returns a stopped job.
func NewPeriodicJob(disp *Dispatcher, clock tcpip.Clock, interval time.Duration, fn func()) *PeriodicJob {
	return &PeriodicJob{
		disp:     disp,
		clock:    clock,
		interval: interval,
		fn:       fn,
	}
}

// Interval returns the tick period.
func (j *PeriodicJob) Interval() time.Duration {
	return j.interval
}

// Running returns whether the job is started.
func (j *PeriodicJob) Running() bool {
	return j.running
}

// Start arms the timer. Starting a running job is a no-op.
func (j *PeriodicJob) Start() {
	if j.running {
		return
	}
	j.running = true
	if j.timer == nil {
		j.timer = j.clock.AfterFunc(j.interval, j.fire)
		return
	}
	j.timer.Reset(j.interval)
}

// Stop disarms the timer. A tick already posted to the dispatcher is
// discarded.
func (j *PeriodicJob) Stop() {
	if !j.running {
		return
	}
	j.running = false
	j.timer.Stop()
}

func (j *PeriodicJob) fire() {
	j.disp.Post(j.tick)
}

func (j *PeriodicJob) tick() {
	if !j.running {
		return
	}
	j.fn()
	if j.running {
		j.timer.Reset(j.interval)
	}
}
