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

package arp

import (
	"container/list"
	"fmt"
	"slices"

	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

// entryState controls the state of a single entry in the cache.
type entryState int

const (
	// incomplete means that there is an outstanding request to resolve the
	// address. This is the initial state.
	incomplete entryState = iota
	// ready means that the address has been resolved and can be used.
	ready
)

// String implements fmt.Stringer.
func (s entryState) String() string {
	switch s {
	case incomplete:
		return "incomplete"
	case ready:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type entry struct {
	elem *list.Element

	addr       tcpip.Address
	linkAddr   tcpip.LinkAddress
	expiration tcpip.MonotonicTime
	state      entryState

	// attempts is the number of requests sent for the current resolution.
	attempts int

	// timer is non-nil while a resolution is in progress.
	timer tcpip.Timer

	waiters []stack.ResolutionWaiter
}

// reset returns an expired entry to incomplete.
func (e *entry) reset() {
	e.state = incomplete
	e.linkAddr = ""
	e.attempts = 0
}

func (e *entry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *entry) hasWaiter(w stack.ResolutionWaiter) bool {
	return slices.Contains(e.waiters, w)
}

func (e *entry) removeWaiter(w stack.ResolutionWaiter) bool {
	i := slices.Index(e.waiters, w)
	if i < 0 {
		return false
	}
	e.waiters = slices.Delete(e.waiters, i, i+1)
	return true
}
