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
	"fmt"
	"strings"

	"fwnet.dev/fwnet/pkg/tcpip"
)

// ReceiveFilter is a set of link-layer receive filter bits.
type ReceiveFilter uint32

// Receive filter bits understood by link devices.
const (
	ReceiveFilterUnicast ReceiveFilter = 1 << iota
	ReceiveFilterMulticast
	ReceiveFilterBroadcast
	ReceiveFilterPromiscuous
	ReceiveFilterPromiscuousMulticast
)

// String implements fmt.Stringer.
func (f ReceiveFilter) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, b := range []struct {
		bit  ReceiveFilter
		name string
	}{
		{ReceiveFilterUnicast, "unicast"},
		{ReceiveFilterMulticast, "multicast"},
		{ReceiveFilterBroadcast, "broadcast"},
		{ReceiveFilterPromiscuous, "promiscuous"},
		{ReceiveFilterPromiscuousMulticast, "promiscuous-multicast"},
	} {
		if f&b.bit != 0 {
			names = append(names, b.name)
			f &^= b.bit
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(f)))
	}
	return strings.Join(names, "|")
}

// LinkMode describes the current state of a link device.
type LinkMode struct {
	// MTU is the largest payload the link carries, excluding the media
	// header.
	MTU uint32

	// MediaHeaderSize is the size of the link-layer header.
	MediaHeaderSize int

	// CurrentAddress is the station's link address.
	CurrentAddress tcpip.LinkAddress

	// BroadcastAddress is the link's broadcast address.
	BroadcastAddress tcpip.LinkAddress

	// ReceiveFilterMask is the set of filters the device supports.
	ReceiveFilterMask ReceiveFilter

	// ReceiveFilterSetting is the set of filters currently enabled.
	ReceiveFilterSetting ReceiveFilter

	// MaxMCastFilterCount is the size of the device's exact multicast filter
	// table.
	MaxMCastFilterCount int

	// MCastFilter is the current multicast filter table.
	MCastFilter []tcpip.LinkAddress

	// Started is true between successful Start and Stop calls.
	Started bool

	// MediaPresent reports link carrier.
	MediaPresent bool
}

// LinkDevice is the interface implemented by link-layer devices.
//
// Calls are made from within the dispatcher's critical section and must not
// block.
type LinkDevice interface {
	// Mode returns the device's current state.
	Mode() LinkMode

	// Start brings the device up.
	Start() tcpip.Error

	// Stop brings the device down.
	Stop() tcpip.Error

	// ReceiveFilters enables and disables receive filter bits. If resetMCast
	// is true the multicast filter table is cleared, otherwise it is replaced
	// with mcast.
	ReceiveFilters(enable, disable ReceiveFilter, resetMCast bool, mcast []tcpip.LinkAddress) tcpip.Error

	// Transmit queues a complete frame, media header included. The device
	// copies frame before returning.
	Transmit(frame []byte) tcpip.Error

	// Receive copies the next received frame into b and returns its length.
	// It returns ErrWouldBlock if no frame is available.
	Receive(b []byte) (int, tcpip.Error)
}

// ResolutionWaiter is notified when a pending link address resolution
// concludes. A zero link address means resolution failed.
type ResolutionWaiter interface {
	OnResolved(addr tcpip.Address, linkAddr tcpip.LinkAddress)
}

// LinkAddressResolver resolves IPv4 next hops to link addresses.
type LinkAddressResolver interface {
	// Request returns the link address for addr if it is known. Otherwise
	// it starts or joins a resolution, returns ErrWouldBlock and later calls
	// w.OnResolved exactly once from within the critical section.
	Request(addr tcpip.Address, w ResolutionWaiter) (tcpip.LinkAddress, tcpip.Error)

	// Cancel withdraws w from the pending resolution of addr. It returns
	// ErrNotFound if w is not waiting.
	Cancel(addr tcpip.Address, w ResolutionWaiter) tcpip.Error
}
