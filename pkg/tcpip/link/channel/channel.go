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

// Package channel provides the implementation of channel-based link devices.
// Such devices allow injection of inbound frames and store outbound frames in
// a channel, or hand them straight to a linked peer.
package channel

import (
	"context"
	"sync"

	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

// DefaultMaxMCastFilterCount is the size of the exact multicast filter table of
// a new endpoint.
const DefaultMaxMCastFilterCount = 16

const allFilters = stack.ReceiveFilterUnicast | stack.ReceiveFilterMulticast | stack.ReceiveFilterBroadcast |
	stack.ReceiveFilterPromiscuous | stack.ReceiveFilterPromiscuousMulticast

// Notification is the interface for receiving notification from the packet
// queue.
type Notification interface {
	// WriteNotify will be called when a write happens to the queue.
	WriteNotify()
}

// NotificationHandle is an opaque handle to the registered notification target.
// It can be used to unregister the notification when no longer interested.
type NotificationHandle struct {
	n Notification
}

type queue struct {
	// c is the frame channel.
	c chan []byte
	// mu protects fields below.
	mu     sync.RWMutex
	notify []*NotificationHandle
}

func (q *queue) Read() ([]byte, bool) {
	select {
	case p := <-q.c:
		return p, true
	default:
		return nil, false
	}
}

func (q *queue) ReadContext(ctx context.Context) ([]byte, bool) {
	select {
	case p := <-q.c:
		return p, true
	case <-ctx.Done():
		return nil, false
	}
}

func (q *queue) Write(p []byte) bool {
	wrote := false
	select {
	case q.c <- p:
		wrote = true
	default:
	}
	q.mu.RLock()
	notify := q.notify
	q.mu.RUnlock()

	if wrote {
		// Send notification outside of lock.
		for _, h := range notify {
			h.n.WriteNotify()
		}
	}
	return wrote
}

func (q *queue) Num() int {
	return len(q.c)
}

func (q *queue) AddNotify(notify Notification) *NotificationHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := &NotificationHandle{n: notify}
	q.notify = append(q.notify, h)
	return h
}

func (q *queue) RemoveNotify(handle *NotificationHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Make a copy, since we reads the array outside of lock when notifying.
	notify := make([]*NotificationHandle, 0, len(q.notify))
	for _, h := range q.notify {
		if h != handle {
			notify = append(notify, h)
		}
	}
	q.notify = notify
}

// Endpoint is an Ethernet-like link device that stores outbound frames in a
// channel and allows injection of inbound frames. Inbound frames are filtered
// the way a NIC would, according to the programmed receive filters.
type Endpoint struct {
	// Outbound and inbound frame queues.
	out *queue
	in  *queue

	mu sync.Mutex
	// +checklocks:mu
	mode stack.LinkMode
	// +checklocks:mu
	peer *Endpoint
	// +checklocks:mu
	txErr tcpip.Error
	// +checklocks:mu
	filterCalls int
}

var _ stack.LinkDevice = (*Endpoint)(nil)

// New creates a new channel endpoint with queues of size frames.
func New(size int, mtu uint32, linkAddr tcpip.LinkAddress) *Endpoint {
	return &Endpoint{
		out: &queue{c: make(chan []byte, size)},
		in:  &queue{c: make(chan []byte, size)},
		mode: stack.LinkMode{
			MTU:                 mtu,
			MediaHeaderSize:     header.EthernetMinimumSize,
			CurrentAddress:      linkAddr,
			BroadcastAddress:    header.EthernetBroadcastAddress,
			ReceiveFilterMask:   allFilters,
			MaxMCastFilterCount: DefaultMaxMCastFilterCount,
			MediaPresent:        true,
		},
	}
}

// Link connects a and b so that frames transmitted by one are received by the
// other.
func Link(a, b *Endpoint) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// SetCapabilities restricts the receive filters the endpoint supports and the
// size of its multicast filter table.
func (e *Endpoint) SetCapabilities(mask stack.ReceiveFilter, maxMCast int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode.ReceiveFilterMask = mask
	e.mode.MaxMCastFilterCount = maxMCast
}

// SetTransmitError makes subsequent transmits fail with err. A nil err
// restores normal operation.
func (e *Endpoint) SetTransmitError(err tcpip.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.txErr = err
}

// ReceiveFilterCalls returns the number of ReceiveFilters calls made.
func (e *Endpoint) ReceiveFilterCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filterCalls
}

// Mode implements stack.LinkDevice.Mode.
func (e *Endpoint) Mode() stack.LinkMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.mode
	m.MCastFilter = append([]tcpip.LinkAddress(nil), e.mode.MCastFilter...)
	return m
}

// Start implements stack.LinkDevice.Start.
func (e *Endpoint) Start() tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode.Started {
		return &tcpip.ErrAlreadyStarted{}
	}
	e.mode.Started = true
	return nil
}

// Stop implements stack.LinkDevice.Stop.
func (e *Endpoint) Stop() tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.mode.Started {
		return &tcpip.ErrNotStarted{}
	}
	e.mode.Started = false
	e.mode.ReceiveFilterSetting = 0
	e.mode.MCastFilter = nil
	return nil
}

// ReceiveFilters implements stack.LinkDevice.ReceiveFilters.
func (e *Endpoint) ReceiveFilters(enable, disable stack.ReceiveFilter, resetMCast bool, mcast []tcpip.LinkAddress) tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filterCalls++
	if !e.mode.Started {
		return &tcpip.ErrNotStarted{}
	}
	if (enable|disable)&^e.mode.ReceiveFilterMask != 0 {
		return &tcpip.ErrInvalidParameter{}
	}
	if !resetMCast && len(mcast) > e.mode.MaxMCastFilterCount {
		return &tcpip.ErrInvalidParameter{}
	}
	e.mode.ReceiveFilterSetting = (e.mode.ReceiveFilterSetting | enable) &^ disable
	if resetMCast {
		e.mode.MCastFilter = nil
	} else if mcast != nil {
		e.mode.MCastFilter = append([]tcpip.LinkAddress(nil), mcast...)
	}
	return nil
}

// Transmit implements stack.LinkDevice.Transmit.
func (e *Endpoint) Transmit(frame []byte) tcpip.Error {
	e.mu.Lock()
	started, err, peer := e.mode.Started, e.txErr, e.peer
	e.mu.Unlock()
	if !started {
		return &tcpip.ErrNotStarted{}
	}
	if err != nil {
		return err
	}
	p := append([]byte(nil), frame...)
	if peer != nil {
		peer.InjectInbound(p)
		return nil
	}
	if !e.out.Write(p) {
		return &tcpip.ErrOutOfResources{}
	}
	return nil
}

// Receive implements stack.LinkDevice.Receive.
func (e *Endpoint) Receive(b []byte) (int, tcpip.Error) {
	e.mu.Lock()
	started := e.mode.Started
	e.mu.Unlock()
	if !started {
		return 0, &tcpip.ErrNotStarted{}
	}
	p, ok := e.in.Read()
	if !ok {
		return 0, &tcpip.ErrWouldBlock{}
	}
	if len(p) > len(b) {
		return 0, &tcpip.ErrBadBufferSize{}
	}
	return copy(b, p), nil
}

// accepts reports whether the programmed filters admit a frame for dst.
//
// +checklocks:e.mu
func (e *Endpoint) acceptsLocked(dst tcpip.LinkAddress) bool {
	f := e.mode.ReceiveFilterSetting
	switch {
	case !e.mode.Started:
		return false
	case f&stack.ReceiveFilterPromiscuous != 0:
		return true
	case dst == e.mode.BroadcastAddress:
		return f&stack.ReceiveFilterBroadcast != 0
	case header.IsMulticastEthernetAddress(dst):
		if f&stack.ReceiveFilterPromiscuousMulticast != 0 {
			return true
		}
		if f&stack.ReceiveFilterMulticast == 0 {
			return false
		}
		for _, a := range e.mode.MCastFilter {
			if a == dst {
				return true
			}
		}
		return false
	default:
		return dst == e.mode.CurrentAddress && f&stack.ReceiveFilterUnicast != 0
	}
}

// InjectInbound queues an inbound frame if the receive filters admit it, and
// returns whether it was queued.
func (e *Endpoint) InjectInbound(frame []byte) bool {
	if len(frame) < header.EthernetMinimumSize {
		return false
	}
	e.mu.Lock()
	ok := e.acceptsLocked(header.Ethernet(frame).DestinationAddress())
	e.mu.Unlock()
	return ok && e.in.Write(frame)
}

// Read does non-blocking read one frame from the outbound queue.
func (e *Endpoint) Read() ([]byte, bool) {
	return e.out.Read()
}

// ReadContext does blocking read for one frame from the outbound queue. It
// can be cancelled by ctx, and in this case, it returns false.
func (e *Endpoint) ReadContext(ctx context.Context) ([]byte, bool) {
	return e.out.ReadContext(ctx)
}

// Drain removes all outbound frames from the channel and counts them.
func (e *Endpoint) Drain() int {
	c := 0
	for {
		if _, ok := e.Read(); !ok {
			return c
		}
		c++
	}
}

// NumQueued returns the number of frames queued for outbound.
func (e *Endpoint) NumQueued() int {
	return e.out.Num()
}

// NumInbound returns the number of frames waiting to be received.
func (e *Endpoint) NumInbound() int {
	return e.in.Num()
}

// AddNotify adds a notification target for receiving event about inbound
// frames.
func (e *Endpoint) AddNotify(notify Notification) *NotificationHandle {
	return e.in.AddNotify(notify)
}

// RemoveNotify removes handle from the list of notification targets.
func (e *Endpoint) RemoveNotify(handle *NotificationHandle) {
	e.in.RemoveNotify(handle)
}
