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

// Package ipv4 contains the link frame transport of an IPv4 link and the IP
// I/O layer transports use on top of it.
//
// The Interface resolves next hops to link addresses, holding frames in one
// queue per unresolved next hop so a single resolution serves them all. The
// Endpoint builds and validates IPv4 headers, routes outbound packets,
// dispatches inbound packets to transport handlers and handles ICMP.
//
// All methods must be called within the dispatcher's critical section.
package ipv4

import (
	"fwnet.dev/fwnet/pkg/buffer"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/link/mnp"
)

const (
	// ProtocolNumber is the ipv4 protocol number.
	ProtocolNumber = header.IPv4ProtocolNumber

	// DefaultTTL is the TTL of packets sent without an explicit one.
	DefaultTTL = header.IPv4DefaultTTL

	// icmpErrorTTL is the TTL of ICMP error messages.
	icmpErrorTTL = 255
)

// Session describes the addressing of an inbound packet.
type Session struct {
	Source      tcpip.Address
	Destination tcpip.Address

	// Header is a copy of the packet's IP header.
	Header header.IPv4

	// LinkBroadcast, LinkMulticast and LinkPromiscuous report how the
	// carrying frame was addressed.
	LinkBroadcast   bool
	LinkMulticast   bool
	LinkPromiscuous bool
}

// TransportHandler receives the packets of one transport protocol.
type TransportHandler interface {
	// HandlePacket is called with the transport payload of an inbound
	// packet. The handler owns payload.
	HandlePacket(s *Session, payload buffer.View)

	// HandleError reports an ICMP error caused by a packet this host sent.
	// s describes the offending packet as if it had been received from its
	// destination, and transport holds the quoted start of its transport
	// header.
	HandleError(s *Session, err tcpip.Error, transport []byte)
}

// SendOptions controls how Send builds a packet.
type SendOptions struct {
	// Source defaults to the station address.
	Source      tcpip.Address
	Destination tcpip.Address

	// Gateway overrides the route lookup.
	Gateway tcpip.Address

	Protocol tcpip.TransportProtocolNumber

	// TTL defaults to DefaultTTL.
	TTL          uint8
	TOS          uint8
	DontFragment bool
}

// Endpoint is the IP I/O layer of one interface.
type Endpoint struct {
	ifc   *Interface
	stats *tcpip.Stats

	routes   routeTable
	handlers map[tcpip.TransportProtocolNumber]TransportHandler

	// groups counts joins per multicast group.
	groups map[tcpip.Address]int

	id        uint16
	receiving bool
	closed    bool
}

// NewEndpoint creates an IP endpoint over ifc, taking a reference to it.
// stats must have its IP and ICMP counters filled in; stats.IP should be the
// set ifc was created with.
func NewEndpoint(ifc *Interface, stats *tcpip.Stats) *Endpoint {
	if stats == nil {
		s := tcpip.Stats{}.FillIn()
		s.IP = *ifc.Stats()
		stats = &s
	}
	ifc.Acquire()
	return &Endpoint{
		ifc:      ifc,
		stats:    stats,
		handlers: make(map[tcpip.TransportProtocolNumber]TransportHandler),
		groups:   make(map[tcpip.Address]int),
	}
}

// Interface returns the interface the endpoint sends on.
func (e *Endpoint) Interface() *Interface {
	return e.ifc
}

// Stats returns the endpoint's counters.
func (e *Endpoint) Stats() *tcpip.Stats {
	return e.stats
}

// RegisterTransport installs the handler of a transport protocol. A nil
// handler removes it.
func (e *Endpoint) RegisterTransport(proto tcpip.TransportProtocolNumber, h TransportHandler) {
	if h == nil {
		delete(e.handlers, proto)
		return
	}
	e.handlers[proto] = h
}

// Configure sets the station address, replaces the on-link route and, when
// gateway is set, installs a default route through it. The endpoint starts
// receiving on its first configuration.
func (e *Endpoint) Configure(addr tcpip.Address, mask tcpip.AddressMask, gateway tcpip.Address) tcpip.Error {
	if e.closed {
		return &tcpip.ErrNotStarted{}
	}
	if err := e.ifc.SetAddress(addr, mask); err != nil {
		return err
	}
	e.routes.removeOnLink()
	if !addr.Unspecified() {
		e.routes.add(Route{Subnet: e.ifc.Subnet()})
	}
	if !gateway.Unspecified() {
		if err := e.Routes(false, tcpip.Address{}, tcpip.AddressMask{}, gateway); err != nil {
			if _, ok := err.(*tcpip.ErrAccessDenied); !ok {
				return err
			}
		}
	}
	if !e.receiving {
		return e.armReceive()
	}
	return nil
}

// Close aborts outstanding frames, leaves all groups and releases the
// interface.
func (e *Endpoint) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.ifc.CancelFrames(&tcpip.ErrAborted{}, nil)
	for addr, n := range e.groups {
		for ; n > 0; n-- {
			e.ifc.LeaveGroup(addr)
		}
	}
	e.groups = nil
	e.ifc.CancelReceive()
	e.receiving = false
	e.ifc.Release()
}

// JoinGroup joins the multicast group addr. Joins are counted; each must be
// balanced by LeaveGroup.
func (e *Endpoint) JoinGroup(addr tcpip.Address) tcpip.Error {
	if !header.IsV4MulticastAddress(addr) {
		return &tcpip.ErrInvalidParameter{}
	}
	if e.groups[addr] == 0 {
		if err := e.ifc.JoinGroup(addr); err != nil {
			return err
		}
	}
	e.groups[addr]++
	return nil
}

// LeaveGroup undoes one JoinGroup.
func (e *Endpoint) LeaveGroup(addr tcpip.Address) tcpip.Error {
	n := e.groups[addr]
	if n == 0 {
		return &tcpip.ErrNotFound{}
	}
	if n > 1 {
		e.groups[addr]--
		return nil
	}
	delete(e.groups, addr)
	return e.ifc.LeaveGroup(addr)
}

// InGroup reports whether addr has been joined.
func (e *Endpoint) InGroup(addr tcpip.Address) bool {
	return e.groups[addr] > 0
}

// Send builds an IPv4 header for payload and sends the packet. done is
// called as described by Interface.SendFrame.
func (e *Endpoint) Send(owner, context any, opts *SendOptions, payload [][]byte, done FrameDone) (*Frame, tcpip.Error) {
	if e.closed || !e.ifc.Configured() {
		return nil, &tcpip.ErrNotStarted{}
	}
	size := 0
	for _, p := range payload {
		size += len(p)
	}
	if header.IPv4MinimumSize+size > e.ifc.MTU() {
		return nil, &tcpip.ErrBadBufferSize{}
	}
	src := opts.Source
	if src.Unspecified() {
		src = e.ifc.Address()
	}
	hop, err := e.nextHop(opts.Destination, opts.Gateway)
	if err != nil {
		return nil, err
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	var flags uint8
	if opts.DontFragment {
		flags = header.IPv4FlagDontFragment
	}
	hdr := make(header.IPv4, header.IPv4MinimumSize)
	hdr.Encode(&header.IPv4Fields{
		TOS:         opts.TOS,
		TotalLength: uint16(header.IPv4MinimumSize + size),
		ID:          e.id,
		Flags:       flags,
		TTL:         ttl,
		Protocol:    uint8(opts.Protocol),
		SrcAddr:     src,
		DstAddr:     opts.Destination,
	})
	hdr.SetChecksum(^hdr.CalculateChecksum())
	e.id++

	packet := make([][]byte, 0, len(payload)+1)
	packet = append(packet, hdr)
	for _, p := range payload {
		if len(p) != 0 {
			packet = append(packet, p)
		}
	}
	return e.ifc.SendFrame(owner, context, packet, hop, done)
}

// CancelFrames cancels the outbound frames matched by match.
func (e *Endpoint) CancelFrames(status tcpip.Error, match func(*Frame) bool) {
	e.ifc.CancelFrames(status, match)
}

func (e *Endpoint) armReceive() tcpip.Error {
	if err := e.ifc.ReceiveFrame(e.onFrame); err != nil {
		return err
	}
	e.receiving = true
	return nil
}

func (e *Endpoint) onFrame(d *mnp.ReceiveData, err tcpip.Error) {
	e.receiving = false
	if err != nil {
		if _, ok := err.(*tcpip.ErrAborted); !ok && !e.closed {
			log.Warningf("ipv4: receive on %s: %s", e.ifc.Service().LinkAddress(), err)
			e.armReceive()
		}
		return
	}
	e.handleFrame(d)
	if !e.closed && !e.receiving {
		if err := e.armReceive(); err != nil {
			log.Warningf("ipv4: rearming receive: %s", err)
		}
	}
}

// accepts reports whether a packet for dst is for this host.
func (e *Endpoint) accepts(dst tcpip.Address, d *mnp.ReceiveData) bool {
	switch {
	case e.ifc.Promiscuous():
		return true
	case header.IsV4MulticastAddress(dst):
		return e.InGroup(dst)
	case e.ifc.IsBroadcast(dst):
		return true
	case e.ifc.Address().Unspecified():
		// Without an address, accept unicast so that configuration
		// protocols can receive their answers.
		return !d.BroadcastFlag
	default:
		return dst == e.ifc.Address()
	}
}

func (e *Endpoint) handleFrame(d *mnp.ReceiveData) {
	stats := &e.stats.IP
	stats.PacketsReceived.Increment()
	v := d.Packet.Clone()
	d.Recycle()

	h := header.IPv4(v.Bytes())
	if !h.IsValid(len(h)) || !h.IsChecksumValid() {
		stats.MalformedPacketsReceived.Increment()
		v.Release()
		return
	}
	if h.More() || h.FragmentOffset() != 0 {
		stats.FragmentsDropped.Increment()
		v.Release()
		return
	}
	dst := h.DestinationAddress()
	if !e.accepts(dst, d) {
		stats.InvalidDestinationAddressesReceived.Increment()
		v.Release()
		return
	}
	hlen := int(h.HeaderLength())
	s := &Session{
		Source:          h.SourceAddress(),
		Destination:     dst,
		Header:          append(header.IPv4(nil), h[:hlen]...),
		LinkBroadcast:   d.BroadcastFlag,
		LinkMulticast:   d.MulticastFlag,
		LinkPromiscuous: d.PromiscuousFlag,
	}
	proto := tcpip.TransportProtocolNumber(h.Protocol())
	v.CapLength(int(h.TotalLength()))
	v.TrimFront(hlen)

	if proto == header.ICMPv4ProtocolNumber {
		stats.PacketsDelivered.Increment()
		e.handleICMP(s, v)
		return
	}
	handler, ok := e.handlers[proto]
	if !ok {
		stats.UnknownProtocolReceived.Increment()
		v.Release()
		return
	}
	stats.PacketsDelivered.Increment()
	handler.HandlePacket(s, v)
}
