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

	"fwnet.dev/fwnet/pkg/tcpip"
)

// Completion is the result of an asynchronous operation. It is signaled
// exactly once.
type Completion struct {
	notify func(tcpip.Error)
	done   chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	signaled bool
	// +checklocks:mu
	status tcpip.Error
}

// NewCompletion returns an unsignaled completion. If notify is non-nil it is
// called synchronously by Signal with the final status.
func NewCompletion(notify func(tcpip.Error)) *Completion {
	return &Completion{
		notify: notify,
		done:   make(chan struct{}),
	}
}

// Signal records the final status and wakes waiters. Signaling a completion
// twice panics.
func (c *Completion) Signal(status tcpip.Error) {
	c.mu.Lock()
	if c.signaled {
		c.mu.Unlock()
		panic("stack: completion signaled twice")
	}
	c.signaled = true
	c.status = status
	c.mu.Unlock()
	close(c.done)
	if c.notify != nil {
		c.notify(status)
	}
}

// Done returns a channel that is closed when the completion is signaled.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Signaled returns whether Signal has been called.
func (c *Completion) Signaled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaled
}

// Status returns the final status, or ErrNotReady if the completion has not
// been signaled.
func (c *Completion) Status() tcpip.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.signaled {
		return &tcpip.ErrNotReady{}
	}
	return c.status
}

// Wait blocks until the completion is signaled or ctx is done. It returns
// ctx.Err() in the latter case, and otherwise the status as an error.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return tcpip.AsError(c.Status())
	}
}
