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

package ipv4

import (
	"slices"

	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

// arpQueue holds the frames for one next hop while its link address is
// resolved. A queue is created by the first frame that misses the resolver
// cache; later frames to the same next hop join it, so one resolution serves
// all of them. The queue is disposed of when the resolution concludes or when
// its last frame is canceled.
type arpQueue struct {
	ifc  *Interface
	addr tcpip.Address

	// frames are flushed or failed in submission order.
	frames []*Frame
}

var _ stack.ResolutionWaiter = (*arpQueue)(nil)

// OnResolved implements stack.ResolutionWaiter.OnResolved.
func (q *arpQueue) OnResolved(addr tcpip.Address, linkAddr tcpip.LinkAddress) {
	ifc := q.ifc
	if !ifc.removeQueue(q) {
		return
	}
	frames := q.frames
	q.frames = nil
	if linkAddr.Zero() {
		log.Debugf("ipv4: failing %d frames to unresolved next hop %s", len(frames), addr)
		for _, f := range frames {
			ifc.stats.ResolutionFailures.Increment()
			ifc.stats.OutgoingPacketErrors.Increment()
			f.done(f, &tcpip.ErrNoMapping{})
		}
		return
	}
	for _, f := range frames {
		f.linkAddr = linkAddr
		if err := ifc.transmit(f); err != nil {
			f.done(f, err)
		}
	}
}

// cancel completes the frames matched by match with status. A queue left
// empty withdraws its resolution.
func (q *arpQueue) cancel(status tcpip.Error, match func(*Frame) bool) {
	var canceled []*Frame
	q.frames = slices.DeleteFunc(q.frames, func(f *Frame) bool {
		if match == nil || match(f) {
			canceled = append(canceled, f)
			return true
		}
		return false
	})
	if len(q.frames) == 0 {
		q.ifc.removeQueue(q)
		if err := q.ifc.resolver.Cancel(q.addr, q); err != nil {
			log.Debugf("ipv4: canceling resolution of %s: %s", q.addr, err)
		}
	}
	for _, f := range canceled {
		f.done(f, status)
	}
}

func (ifc *Interface) findQueue(addr tcpip.Address) *arpQueue {
	for _, q := range ifc.arpQueues {
		if q.addr == addr {
			return q
		}
	}
	return nil
}

func (ifc *Interface) removeQueue(q *arpQueue) bool {
	i := slices.Index(ifc.arpQueues, q)
	if i < 0 {
		return false
	}
	ifc.arpQueues = slices.Delete(ifc.arpQueues, i, i+1)
	return true
}
