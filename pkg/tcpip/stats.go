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

package tcpip

import (
	"reflect"
	"strconv"
	"sync/atomic"
)

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Decrement minuses one to the counter.
func (s *StatCounter) Decrement() {
	s.IncrementBy(^uint64(0))
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// MNPStats collects managed network protocol statistics.
type MNPStats struct {
	// FramesReceived is the number of frames read from the link device.
	FramesReceived *StatCounter

	// FramesDelivered is the number of frames handed to instance receive
	// tokens.
	FramesDelivered *StatCounter

	// FramesTransmitted is the number of frames written to the link device.
	FramesTransmitted *StatCounter

	// FramesDropped is the number of received frames no instance accepted.
	FramesDropped *StatCounter

	// QueueOverflows is the number of queued frames evicted because an
	// instance's receive queue was full.
	QueueOverflows *StatCounter

	// QueueTimeouts is the number of queued frames evicted by the receive
	// queue timeout.
	QueueTimeouts *StatCounter

	// FilterUpdates is the number of times the device receive filters were
	// reprogrammed.
	FilterUpdates *StatCounter

	// TransmitErrors is the number of device transmit failures.
	TransmitErrors *StatCounter

	// ReceiveErrors is the number of device receive failures.
	ReceiveErrors *StatCounter

	// BufferExhausted is the number of times the buffer pool could not
	// supply a receive buffer.
	BufferExhausted *StatCounter
}

// ARPStats collects address resolution statistics.
type ARPStats struct {
	// RequestsSent is the number of ARP requests transmitted, retries
	// included.
	RequestsSent *StatCounter

	// RequestsReceived is the number of ARP requests received.
	RequestsReceived *StatCounter

	// RepliesSent is the number of ARP replies transmitted.
	RepliesSent *StatCounter

	// RepliesReceived is the number of ARP replies received.
	RepliesReceived *StatCounter

	// MalformedPacketsReceived is the number of ARP packets dropped for
	// being malformed.
	MalformedPacketsReceived *StatCounter

	// ResolutionFailures is the number of resolutions that exhausted their
	// retries.
	ResolutionFailures *StatCounter
}

// IPStats collects IPv4 statistics.
type IPStats struct {
	// PacketsReceived is the number of IP packets received from the link
	// layer.
	PacketsReceived *StatCounter

	// PacketsDelivered is the number of IP packets handed to a transport
	// protocol.
	PacketsDelivered *StatCounter

	// PacketsSent is the number of IP packets handed to the link layer.
	PacketsSent *StatCounter

	// OutgoingPacketErrors is the number of IP packets that failed to be
	// sent.
	OutgoingPacketErrors *StatCounter

	// MalformedPacketsReceived is the number of IP packets dropped due to a
	// bad header.
	MalformedPacketsReceived *StatCounter

	// FragmentsDropped is the number of fragmented packets dropped.
	FragmentsDropped *StatCounter

	// InvalidDestinationAddressesReceived is the number of IP packets
	// addressed to somebody else.
	InvalidDestinationAddressesReceived *StatCounter

	// UnknownProtocolReceived is the number of IP packets carrying a protocol
	// no handler is registered for.
	UnknownProtocolReceived *StatCounter

	// PendingResolutions is the number of frames queued waiting for
	// address resolution.
	PendingResolutions *StatCounter

	// ResolutionFailures is the number of frames failed because their next
	// hop could not be resolved.
	ResolutionFailures *StatCounter
}

// ICMPStats collects ICMPv4 statistics.
type ICMPStats struct {
	// DstUnreachableSent is the number of destination unreachable messages
	// sent.
	DstUnreachableSent *StatCounter

	// DstUnreachableReceived is the number of destination unreachable
	// messages received.
	DstUnreachableReceived *StatCounter

	// EchoRequestReceived is the number of echo requests received.
	EchoRequestReceived *StatCounter

	// EchoReplySent is the number of echo replies sent.
	EchoReplySent *StatCounter

	// RateLimited is the number of error messages suppressed by the rate
	// limiter.
	RateLimited *StatCounter

	// Invalid is the number of ICMP packets dropped for being malformed.
	Invalid *StatCounter
}

// UDPStats collects UDP-specific stats.
type UDPStats struct {
	// PacketsReceived is the number of UDP datagrams received.
	PacketsReceived *StatCounter

	// PacketsDelivered is the number of datagrams delivered to receive
	// tokens.
	PacketsDelivered *StatCounter

	// UnknownPortErrors is the number of incoming UDP datagrams dropped
	// because they did not match any instance.
	UnknownPortErrors *StatCounter

	// ReceiveBufferErrors is the number of queued datagrams evicted because an
	// instance receive queue was full.
	ReceiveBufferErrors *StatCounter

	// MalformedPacketsReceived is the number of incoming UDP datagrams dropped
	// due to the UDP header being in a malformed state.
	MalformedPacketsReceived *StatCounter

	// ChecksumErrors is the number of datagrams dropped due to bad checksums.
	ChecksumErrors *StatCounter

	// ReceiveTimeouts is the number of queued datagrams evicted by the
	// timeout sweeper.
	ReceiveTimeouts *StatCounter

	// PacketsSent is the number of UDP datagrams sent.
	PacketsSent *StatCounter

	// PacketSendErrors is the number of datagrams that failed to be sent.
	PacketSendErrors *StatCounter

	// ICMPErrorsReported is the number of ICMP errors delivered to receive
	// tokens.
	ICMPErrorsReported *StatCounter
}

// Stats holds statistics for one link's protocol engine.
type Stats struct {
	MNP  MNPStats
	ARP  ARPStats
	IP   IPStats
	ICMP ICMPStats
	UDP  UDPStats
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		if s, ok := v.Addr().Interface().(**StatCounter); ok {
			if *s == nil {
				*s = new(StatCounter)
			}
		} else {
			fillIn(v)
		}
	}
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}

// NewStats returns a Stats with every counter allocated.
func NewStats() *Stats {
	s := Stats{}.FillIn()
	return &s
}

// Walk calls fn for every counter in s with the names of the group and
// field that hold it.
func (s *Stats) Walk(fn func(group, name string, c *StatCounter)) {
	v := reflect.ValueOf(s).Elem()
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		g := v.Field(i)
		gt := g.Type()
		for j := 0; j < g.NumField(); j++ {
			if c, ok := g.Field(j).Interface().(*StatCounter); ok && c != nil {
				fn(t.Field(i).Name, gt.Field(j).Name, c)
			}
		}
	}
}
