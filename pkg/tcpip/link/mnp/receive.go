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

package mnp

import (
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
)

// frameClass is how a received frame was addressed.
type frameClass int

const (
	classUnicast frameClass = iota
	classBroadcast
	classMulticast
	classPromiscuous
)

func (s *Service) classify(dst tcpip.LinkAddress) frameClass {
	switch {
	case dst == s.mode.BroadcastAddress:
		return classBroadcast
	case header.IsMulticastEthernetAddress(dst):
		return classMulticast
	case dst == s.mode.CurrentAddress:
		return classUnicast
	default:
		return classPromiscuous
	}
}

// matches reports whether the instance accepts a frame.
func (inst *Instance) matches(proto tcpip.NetworkProtocolNumber, class frameClass, dst tcpip.LinkAddress) bool {
	c := &inst.config
	if c.ProtocolTypeFilter != 0 && c.ProtocolTypeFilter != proto {
		return false
	}
	if c.EnablePromiscuousReceive {
		return true
	}
	switch class {
	case classBroadcast:
		return c.EnableBroadcastReceive
	case classMulticast:
		return c.EnableMulticastReceive && inst.joined(dst)
	case classUnicast:
		return c.EnableUnicastReceive
	default:
		return false
	}
}

// Poll reads up to a fixed budget of frames from the device and delivers
// each to every instance that accepts it.
func (s *Service) Poll() tcpip.Error {
	if !s.started {
		return &tcpip.ErrNotStarted{}
	}
	for i := 0; i < pollBudget; i++ {
		if err := s.receiveOne(); err != nil {
			if _, ok := err.(*tcpip.ErrWouldBlock); ok {
				return nil
			}
			return err
		}
	}
	return nil
}

// receiveOne reads and dispatches one frame.
func (s *Service) receiveOne() tcpip.Error {
	if s.rxCache == nil {
		b, err := s.pool.Acquire(s.bufferLen)
		if err != nil {
			s.stats.BufferExhausted.Increment()
			return err
		}
		s.rxCache = b
	}
	b := s.rxCache
	n, err := s.dev.Receive(b.Append(b.Tailroom()))
	if err != nil {
		b.CapLength(0)
		switch err.(type) {
		case *tcpip.ErrWouldBlock:
			return err
		case *tcpip.ErrBadBufferSize:
			s.stats.ReceiveErrors.Increment()
			s.drops.Warningf("mnp: dropping oversized frame on %s", s.mode.CurrentAddress)
			return nil
		default:
			s.stats.ReceiveErrors.Increment()
			s.drops.Warningf("mnp: receive on %s: %s", s.mode.CurrentAddress, err)
			return &tcpip.ErrDeviceError{}
		}
	}
	b.CapLength(n)
	s.stats.FramesReceived.Increment()

	if n < s.mode.MediaHeaderSize {
		s.stats.FramesDropped.Increment()
		b.CapLength(0)
		return nil
	}
	eth := header.Ethernet(b.Bytes())
	dst, src, proto := eth.DestinationAddress(), eth.SourceAddress(), eth.Type()
	class := s.classify(dst)

	matched := 0
	for _, inst := range s.instances {
		if !inst.configured || !inst.matches(proto, class, dst) {
			continue
		}
		v := b.View()
		v.TrimFront(s.mode.MediaHeaderSize)
		inst.enqueue(&ReceiveData{
			Packet:             v,
			DestinationAddress: dst,
			SourceAddress:      src,
			ProtocolType:       proto,
			BroadcastFlag:      class == classBroadcast,
			MulticastFlag:      class == classMulticast,
			PromiscuousFlag:    class == classPromiscuous,
		})
		matched++
	}
	if matched == 0 {
		s.stats.FramesDropped.Increment()
		if log.IsLogging(log.Debug) {
			log.Debugf("mnp: no instance accepts frame %s -> %s type %#04x", src, dst, uint16(proto))
		}
	}

	if b.Shared() {
		// Instances still reference the frame; receive the next one into a
		// fresh buffer.
		b.DecRef()
		s.rxCache = nil
	} else {
		b.CapLength(0)
	}
	for _, inst := range s.instances {
		if inst.configured {
			inst.deliver()
		}
	}
	return nil
}

// enqueue appends a frame to the receive queue, evicting the oldest frame if
// the queue is full.
func (inst *Instance) enqueue(d *ReceiveData) {
	s := inst.s
	if len(inst.rxQueue) >= s.opts.ReceiveQueueLimit {
		inst.rxQueue[0].data.Recycle()
		inst.rxQueue[0] = rxWrap{}
		inst.rxQueue = inst.rxQueue[1:]
		s.stats.QueueOverflows.Increment()
		s.drops.Warningf("mnp: receive queue full on %s, dropping oldest frame", s.mode.CurrentAddress)
	}
	inst.rxQueue = append(inst.rxQueue, rxWrap{
		data:      d,
		remaining: inst.config.ReceivedQueueTimeout,
	})
}

// deliver hands queued frames to outstanding receive tokens in order.
func (inst *Instance) deliver() {
	s := inst.s
	for len(inst.rxQueue) > 0 && inst.rxTokens.Len() > 0 {
		d := inst.rxQueue[0].data
		if d.Packet.Shared() {
			v, err := d.Packet.Duplicate(s.pool)
			if err != nil {
				s.stats.BufferExhausted.Increment()
				return
			}
			d.Packet.Release()
			d.Packet = v
		}
		inst.rxQueue[0] = rxWrap{}
		inst.rxQueue = inst.rxQueue[1:]
		tok, _, _ := inst.rxTokens.PopFront()
		tok.RxData = d
		s.stats.FramesDelivered.Increment()
		tok.Completion.Signal(nil)
	}
}

// checkTimeout ages queued frames and discards the ones that waited longer
// than their instance's ReceivedQueueTimeout.
func (s *Service) checkTimeout() {
	interval := s.timeoutJob.Interval()
	for _, inst := range s.instances {
		if !inst.configured || inst.config.ReceivedQueueTimeout == 0 {
			continue
		}
		kept := inst.rxQueue[:0]
		for _, w := range inst.rxQueue {
			if w.remaining <= interval {
				w.data.Recycle()
				s.stats.QueueTimeouts.Increment()
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
