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

//go:build linux
// +build linux

package rawfile

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

// maxMCastFilterCount is the number of exact multicast memberships the device
// programs before the stack falls back to all-multicast.
const maxMCastFilterCount = 32

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// Device is a stack.LinkDevice bound to one host interface through a
// non-blocking AF_PACKET socket.
//
// Host NICs deliver every frame reaching the host to packet sockets, so the
// programmed receive filters are applied again in software on receive.
type Device struct {
	fd      int
	ifindex int

	mu sync.Mutex
	// +checklocks:mu
	mode stack.LinkMode
	// +checklocks:mu
	memberships map[tcpip.LinkAddress]struct{}
	// +checklocks:mu
	closed bool
}

var _ stack.LinkDevice = (*Device)(nil)

// Open opens a packet socket on the named interface. It requires
// CAP_NET_RAW.
func Open(name string) (*Device, error) {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	if len(ifc.HardwareAddr) != header.EthernetAddressSize {
		return nil, fmt.Errorf("interface %q is not an ethernet device", name)
	}
	mtu, err := GetMTU(name)
	if err != nil {
		return nil, fmt.Errorf("reading MTU of %q: %w", name, err)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("opening packet socket: %w", err)
	}
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifc.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding packet socket to %q: %w", name, err)
	}
	log.Infof("rawfile: opened %s (index %d, mtu %d, %s)", name, ifc.Index, mtu, ifc.HardwareAddr)
	return &Device{
		fd:      fd,
		ifindex: ifc.Index,
		mode: stack.LinkMode{
			MTU:                 mtu,
			MediaHeaderSize:     header.EthernetMinimumSize,
			CurrentAddress:      tcpip.LinkAddress(ifc.HardwareAddr),
			BroadcastAddress:    header.EthernetBroadcastAddress,
			ReceiveFilterMask:   stack.ReceiveFilterUnicast | stack.ReceiveFilterMulticast | stack.ReceiveFilterBroadcast | stack.ReceiveFilterPromiscuous | stack.ReceiveFilterPromiscuousMulticast,
			MaxMCastFilterCount: maxMCastFilterCount,
			MediaPresent:        ifc.Flags&net.FlagUp != 0,
		},
		memberships: make(map[tcpip.LinkAddress]struct{}),
	}, nil
}

// Close closes the socket.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}

// Mode implements stack.LinkDevice.Mode.
func (d *Device) Mode() stack.LinkMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.mode
	m.MCastFilter = append([]tcpip.LinkAddress(nil), d.mode.MCastFilter...)
	return m
}

// Start implements stack.LinkDevice.Start.
func (d *Device) Start() tcpip.Error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode.Started {
		return &tcpip.ErrAlreadyStarted{}
	}
	// Discard frames that queued up while the device was stopped.
	buf := make([]byte, int(d.mode.MTU)+header.EthernetMinimumSize)
	for {
		if _, _, err := unix.Recvfrom(d.fd, buf, unix.MSG_DONTWAIT); err != nil {
			break
		}
	}
	d.mode.Started = true
	return nil
}

// Stop implements stack.LinkDevice.Stop.
func (d *Device) Stop() tcpip.Error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.mode.Started {
		return &tcpip.ErrNotStarted{}
	}
	d.mode.Started = false
	err := d.setFiltersLocked(0, d.mode.ReceiveFilterSetting, true, nil)
	return err
}

func (d *Device) membership(typ int, addr tcpip.LinkAddress, add bool) tcpip.Error {
	mreq := &unix.PacketMreq{
		Ifindex: int32(d.ifindex),
		Type:    uint16(typ),
	}
	if addr != "" {
		mreq.Alen = header.EthernetAddressSize
		copy(mreq.Address[:], addr)
	}
	opt := unix.PACKET_ADD_MEMBERSHIP
	if !add {
		opt = unix.PACKET_DROP_MEMBERSHIP
	}
	if err := unix.SetsockoptPacketMreq(d.fd, unix.SOL_PACKET, opt, mreq); err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return TranslateErrno(errno)
		}
		return &tcpip.ErrDeviceError{}
	}
	return nil
}

// ReceiveFilters implements stack.LinkDevice.ReceiveFilters.
func (d *Device) ReceiveFilters(enable, disable stack.ReceiveFilter, resetMCast bool, mcast []tcpip.LinkAddress) tcpip.Error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.mode.Started {
		return &tcpip.ErrNotStarted{}
	}
	if (enable|disable)&^d.mode.ReceiveFilterMask != 0 {
		return &tcpip.ErrInvalidParameter{}
	}
	if !resetMCast && len(mcast) > d.mode.MaxMCastFilterCount {
		return &tcpip.ErrInvalidParameter{}
	}
	return d.setFiltersLocked(enable, disable, resetMCast, mcast)
}

// +checklocks:d.mu
func (d *Device) setFiltersLocked(enable, disable stack.ReceiveFilter, resetMCast bool, mcast []tcpip.LinkAddress) tcpip.Error {
	old := d.mode.ReceiveFilterSetting
	next := (old | enable) &^ disable
	for _, m := range []struct {
		bit stack.ReceiveFilter
		typ int
	}{
		{stack.ReceiveFilterPromiscuous, unix.PACKET_MR_PROMISC},
		{stack.ReceiveFilterPromiscuousMulticast, unix.PACKET_MR_ALLMULTI},
	} {
		if (old^next)&m.bit == 0 {
			continue
		}
		if err := d.membership(m.typ, "", next&m.bit != 0); err != nil {
			return err
		}
	}
	d.mode.ReceiveFilterSetting = next

	if resetMCast {
		mcast = nil
	} else if mcast == nil {
		return nil
	}
	want := make(map[tcpip.LinkAddress]struct{}, len(mcast))
	for _, a := range mcast {
		want[a] = struct{}{}
	}
	for a := range d.memberships {
		if _, ok := want[a]; !ok {
			if err := d.membership(unix.PACKET_MR_MULTICAST, a, false); err != nil {
				log.Warningf("rawfile: dropping membership %s: %s", a, err)
			}
			delete(d.memberships, a)
		}
	}
	for a := range want {
		if _, ok := d.memberships[a]; ok {
			continue
		}
		if err := d.membership(unix.PACKET_MR_MULTICAST, a, true); err != nil {
			return err
		}
		d.memberships[a] = struct{}{}
	}
	d.mode.MCastFilter = append([]tcpip.LinkAddress(nil), mcast...)
	return nil
}

// Transmit implements stack.LinkDevice.Transmit.
func (d *Device) Transmit(frame []byte) tcpip.Error {
	d.mu.Lock()
	started := d.mode.Started
	d.mu.Unlock()
	if !started {
		return &tcpip.ErrNotStarted{}
	}
	return NonBlockingWrite(d.fd, frame)
}

// Receive implements stack.LinkDevice.Receive.
func (d *Device) Receive(b []byte) (int, tcpip.Error) {
	for {
		n, from, err := unix.Recvfrom(d.fd, b, unix.MSG_DONTWAIT|unix.MSG_TRUNC)
		if err != nil {
			if errno, ok := err.(unix.Errno); ok {
				return 0, TranslateErrno(errno)
			}
			return 0, &tcpip.ErrDeviceError{}
		}
		if n > len(b) {
			// The frame was truncated.
			return 0, &tcpip.ErrBadBufferSize{}
		}
		if sa, ok := from.(*unix.SockaddrLinklayer); ok && sa.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		if n < header.EthernetMinimumSize {
			continue
		}
		d.mu.Lock()
		ok := d.acceptsLocked(header.Ethernet(b[:n]).DestinationAddress())
		d.mu.Unlock()
		if ok {
			return n, nil
		}
	}
}

// +checklocks:d.mu
func (d *Device) acceptsLocked(dst tcpip.LinkAddress) bool {
	f := d.mode.ReceiveFilterSetting
	switch {
	case !d.mode.Started:
		return false
	case f&stack.ReceiveFilterPromiscuous != 0:
		return true
	case dst == d.mode.BroadcastAddress:
		return f&stack.ReceiveFilterBroadcast != 0
	case header.IsMulticastEthernetAddress(dst):
		if f&stack.ReceiveFilterPromiscuousMulticast != 0 {
			return true
		}
		_, ok := d.memberships[dst]
		return ok && f&stack.ReceiveFilterMulticast != 0
	default:
		return dst == d.mode.CurrentAddress && f&stack.ReceiveFilterUnicast != 0
	}
}
