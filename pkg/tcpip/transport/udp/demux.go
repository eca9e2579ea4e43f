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

package udp

import (
	"time"

	"fwnet.dev/fwnet/pkg/buffer"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/network/ipv4"
)

// isBroadcast reports whether addr is the limited broadcast or the directed
// broadcast of the instance's subnet.
func (inst *Instance) isBroadcast(addr tcpip.Address) bool {
	if addr == header.IPv4Broadcast {
		return true
	}
	c := &inst.config
	if c.StationAddress.Unspecified() {
		return false
	}
	hostMask := ^c.SubnetMask.Uint32()
	return hostMask != 0 && addr.Uint32() == c.StationAddress.Uint32()|hostMask
}

// match reports whether the instance accepts a datagram for id.
func (inst *Instance) match(id *SessionData) bool {
	c := &inst.config
	if c.AcceptPromiscuous {
		return true
	}
	if (!c.AcceptAnyPort && id.DestinationPort != c.StationPort) ||
		(c.RemotePort != 0 && id.SourcePort != c.RemotePort) {
		return false
	}
	if !c.RemoteAddress.Unspecified() && id.SourceAddress != c.RemoteAddress {
		return false
	}
	dst := id.DestinationAddress
	switch {
	case c.StationAddress.Unspecified() || dst == c.StationAddress:
		return true
	case inst.isBroadcast(dst):
		return c.AcceptBroadcast
	case header.IsV4MulticastAddress(dst):
		return inst.groupIndex(dst) >= 0
	default:
		return false
	}
}

// demultiplex queues a reference to v on every instance that accepts it and
// answers with a port unreachable when none does. It consumes v.
func (s *Service) demultiplex(session *ipv4.Session, v buffer.View) {
	hdr := header.UDP(v.Bytes())
	id := SessionData{
		SourceAddress:      session.Source,
		SourcePort:         hdr.SourcePort(),
		DestinationAddress: session.Destination,
		DestinationPort:    hdr.DestinationPort(),
	}
	udpHdr := append([]byte(nil), hdr[:header.UDPMinimumSize]...)
	v.TrimFront(header.UDPMinimumSize)

	now := time.Unix(0, s.clock.NowNanoseconds())
	matched := 0
	for _, inst := range s.instances {
		if !inst.configured || !inst.match(&id) {
			continue
		}
		inst.enqueue(&ReceiveData{
			Session:    id,
			Packet:     v.Clone(),
			TimeStamp:  now,
			DataLength: v.Size(),
			inst:       inst,
		})
		matched++
	}
	v.Release()
	if matched == 0 {
		s.stats.UDP.UnknownPortErrors.Increment()
		if log.IsLogging(log.Debug) {
			log.Debugf("udp: no instance for %s:%d -> %s:%d", id.SourceAddress, id.SourcePort, id.DestinationAddress, id.DestinationPort)
		}
		s.sendUnreachable(session, udpHdr)
		return
	}
	for _, inst := range s.instances {
		if inst.configured {
			inst.deliver()
		}
	}
}

// sendUnreachable answers a datagram nobody accepted. Broadcast and multicast
// datagrams, and datagrams without a specified source, are not answered.
func (s *Service) sendUnreachable(session *ipv4.Session, udpHdr []byte) {
	dst := session.Destination
	if s.limiter == nil || session.LinkBroadcast || session.LinkMulticast ||
		header.IsV4MulticastAddress(dst) || s.ep.Interface().IsBroadcast(dst) ||
		session.Source.Unspecified() {
		return
	}
	if !s.limiter.AllowN(time.Unix(0, s.clock.NowNanoseconds()), 1) {
		s.stats.ICMP.RateLimited.Increment()
		return
	}
	// Best effort; the sender is not told about failures.
	if err := s.ep.SendPortUnreachable(session, udpHdr); err != nil && log.IsLogging(log.Debug) {
		log.Debugf("udp: port unreachable to %s: %s", session.Source, err)
	}
}

// enqueue appends a datagram to the receive queue, evicting the oldest
// datagram if the queue is full.
func (inst *Instance) enqueue(d *ReceiveData) {
	s := inst.s
	if len(inst.rxQueue) >= s.opts.ReceiveQueueLimit {
		inst.rxQueue[0].data.Recycle()
		inst.rxQueue[0] = rxWrap{}
		inst.rxQueue = inst.rxQueue[1:]
		s.stats.UDP.ReceiveBufferErrors.Increment()
		s.drops.Warningf("udp: receive queue full on port %d, dropping oldest datagram", inst.config.StationPort)
	}
	inst.rxQueue = append(inst.rxQueue, rxWrap{
		data:      d,
		remaining: inst.config.ReceiveTimeout,
	})
}

// deliver hands queued datagrams to outstanding receive tokens in order.
func (inst *Instance) deliver() {
	s := inst.s
	pool := s.ep.Interface().Service().Pool()
	for len(inst.rxQueue) > 0 && inst.rxTokens.Len() > 0 {
		d := inst.rxQueue[0].data
		if d.Packet.Shared() {
			v, err := d.Packet.Duplicate(pool)
			if err != nil {
				s.drops.Warningf("udp: no buffer to deliver datagram: %s", err)
				return
			}
			d.Packet.Release()
			d.Packet = v
		}
		inst.rxQueue[0] = rxWrap{}
		inst.rxQueue = inst.rxQueue[1:]
		tok, _, _ := inst.rxTokens.PopFront()
		if inst.delivered == nil {
			inst.delivered = make(map[*ReceiveData]struct{})
		}
		inst.delivered[d] = struct{}{}
		tok.RxData = d
		s.stats.UDP.PacketsDelivered.Increment()
		tok.Completion.Signal(nil)
	}
}

// reportICMPError fails the oldest receive token with the pending ICMP
// error, if any.
func (inst *Instance) reportICMPError() {
	if inst.icmpError == nil {
		return
	}
	tok, _, ok := inst.rxTokens.PopFront()
	if !ok {
		return
	}
	err := inst.icmpError
	inst.icmpError = nil
	inst.s.stats.UDP.ICMPErrorsReported.Increment()
	tok.Completion.Signal(err)
}

// checkTimeout ages queued datagrams and discards the ones that waited
// longer than their instance's ReceiveTimeout.
func (s *Service) checkTimeout() {
	interval := s.sweeper.Interval()
	for _, inst := range s.instances {
		if !inst.configured || inst.config.ReceiveTimeout == 0 {
			continue
		}
		kept := inst.rxQueue[:0]
		for _, w := range inst.rxQueue {
			if w.remaining <= interval {
				w.data.Recycle()
				s.stats.UDP.ReceiveTimeouts.Increment()
				continue
			}
			w.remaining -= interval
			kept = append(kept, w)
		}
		for i := len(kept); i < len(inst.rxQueue); i++ {
			inst.rxQueue[i] = rxWrap{}
		}
		inst.rxQueue = kept
	}
}

// updatePromiscuous turns promiscuous reception off when no instance needs
// it.
func (s *Service) updatePromiscuous() {
	for _, inst := range s.instances {
		if inst.configured && inst.config.AcceptPromiscuous {
			return
		}
	}
	if err := s.ep.Interface().SetPromiscuous(false); err != nil {
		log.Warningf("udp: disabling promiscuous receive: %s", err)
	}
}
