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
	"fwnet.dev/fwnet/pkg/buffer"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
)

func (e *Endpoint) handleICMP(s *Session, v buffer.View) {
	defer v.Release()
	stats := &e.stats.ICMP
	h := header.ICMPv4(v.Bytes())
	if len(h) < header.ICMPv4MinimumSize || !h.IsChecksumValid() {
		stats.Invalid.Increment()
		return
	}
	switch h.Type() {
	case header.ICMPv4Echo:
		stats.EchoRequestReceived.Increment()
		e.sendEchoReply(s, h)
	case header.ICMPv4DstUnreachable:
		stats.DstUnreachableReceived.Increment()
		e.handleDstUnreachable(h)
	}
}

// sendEchoReply answers an echo request addressed to this host.
func (e *Endpoint) sendEchoReply(s *Session, req header.ICMPv4) {
	if s.Destination != e.ifc.Address() || s.Destination.Unspecified() {
		return
	}
	reply := append(header.ICMPv4(nil), req...)
	reply.SetType(header.ICMPv4EchoReply)
	reply.CalculateChecksum()
	_, err := e.Send(nil, nil, &SendOptions{
		Source:      s.Destination,
		Destination: s.Source,
		Protocol:    header.ICMPv4ProtocolNumber,
	}, [][]byte{reply}, func(*Frame, tcpip.Error) {})
	if err != nil {
		log.Debugf("ipv4: echo reply to %s: %s", s.Source, err)
		return
	}
	e.stats.ICMP.EchoReplySent.Increment()
}

// icmpError maps a destination unreachable code to an error. Codes beyond
// port unreachable are reported as a generic ICMP error.
func icmpError(code header.ICMPv4Code) tcpip.Error {
	switch code {
	case header.ICMPv4NetUnreachable:
		return &tcpip.ErrNetworkUnreachable{}
	case header.ICMPv4HostUnreachable:
		return &tcpip.ErrHostUnreachable{}
	case header.ICMPv4ProtoUnreachable:
		return &tcpip.ErrProtocolUnreachable{}
	case header.ICMPv4PortUnreachable:
		return &tcpip.ErrPortUnreachable{}
	default:
		return &tcpip.ErrICMPError{}
	}
}

// handleDstUnreachable delivers the error to the transport that sent the
// quoted packet.
func (e *Endpoint) handleDstUnreachable(h header.ICMPv4) {
	quoted := header.IPv4(h.Payload())
	// The quote is usually truncated, so IsValid does not apply.
	if len(quoted) < header.IPv4MinimumSize || header.IPVersion(quoted) != header.IPv4Version {
		e.stats.ICMP.Invalid.Increment()
		return
	}
	hlen := int(quoted.HeaderLength())
	if hlen < header.IPv4MinimumSize || len(quoted) < hlen+header.ICMPv4MinimumErrorPayloadSize || quoted.FragmentOffset() != 0 {
		e.stats.ICMP.Invalid.Increment()
		return
	}
	if quoted.SourceAddress() != e.ifc.Address() {
		return
	}
	handler, ok := e.handlers[tcpip.TransportProtocolNumber(quoted.Protocol())]
	if !ok {
		return
	}
	s := &Session{
		Source:      quoted.DestinationAddress(),
		Destination: quoted.SourceAddress(),
		Header:      append(header.IPv4(nil), quoted[:hlen]...),
	}
	handler.HandleError(s, icmpError(h.Code()), quoted[hlen:])
}

// SendPortUnreachable reports to the sender of the packet described by s that
// nothing listens on its destination port. transport is the start of the
// offending packet's transport header; its first 8 bytes are quoted. Packets
// not addressed to this host's unicast address get no answer.
func (e *Endpoint) SendPortUnreachable(s *Session, transport []byte) tcpip.Error {
	addr := e.ifc.Address()
	if addr.Unspecified() || s.Destination != addr || s.LinkBroadcast || s.LinkMulticast {
		return &tcpip.ErrInvalidParameter{}
	}
	if !header.IsV4UnicastAddress(s.Source, tcpip.AddressMask{}) || e.ifc.IsBroadcast(s.Source) {
		return &tcpip.ErrInvalidParameter{}
	}
	n := header.ICMPv4MinimumErrorPayloadSize
	if len(transport) < n {
		n = len(transport)
	}
	msg := make(header.ICMPv4, header.ICMPv4MinimumSize+len(s.Header)+n)
	msg.SetType(header.ICMPv4DstUnreachable)
	msg.SetCode(header.ICMPv4PortUnreachable)
	copy(msg[header.ICMPv4MinimumSize:], s.Header)
	copy(msg[header.ICMPv4MinimumSize+len(s.Header):], transport[:n])
	msg.CalculateChecksum()
	_, err := e.Send(nil, nil, &SendOptions{
		Source:      addr,
		Destination: s.Source,
		Protocol:    header.ICMPv4ProtocolNumber,
		TTL:         icmpErrorTTL,
	}, [][]byte{msg}, func(*Frame, tcpip.Error) {})
	if err != nil {
		return err
	}
	e.stats.ICMP.DstUnreachableSent.Increment()
	return nil
}
