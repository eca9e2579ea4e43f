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

// Package udp implements UDP over IPv4 for the instances sharing one link.
//
// A Service registers with an ipv4.Endpoint as the handler for the UDP
// protocol number. Callers open Instances on it; each configured instance
// binds a local (address, port), filters inbound datagrams, and sends and
// receives through completion tokens. Every inbound datagram is offered to
// every configured instance, and each one that matches gets its own queued
// reference. Datagrams nobody accepts trigger an ICMP port unreachable.
//
// All Service and Instance methods must be called from within the
// dispatcher's critical section.
package udp

import (
	"math/rand"
	"slices"
	"time"

	"golang.org/x/time/rate"
	"fwnet.dev/fwnet/pkg/buffer"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/network/ipv4"
	"fwnet.dev/fwnet/pkg/tcpip/ports"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
	"fwnet.dev/fwnet/pkg/varstore"
)

const (
	// ProtocolNumber is the udp protocol number.
	ProtocolNumber = header.UDPProtocolNumber

	// MaxDataSize is the largest payload a datagram can carry.
	MaxDataSize = 65507

	// DefaultTimeoutInterval is the period of the receive queue sweep.
	DefaultTimeoutInterval = 50 * time.Millisecond

	// DefaultReceiveQueueLimit is the number of datagrams an instance
	// queues before dropping the oldest.
	DefaultReceiveQueueLimit = 256

	// DefaultUnreachableRate is the sustained rate of ICMP port unreachable
	// messages per second.
	DefaultUnreachableRate = 100

	// DefaultUnreachableBurst is the burst allowed above the rate.
	DefaultUnreachableBurst = 100

	// DefaultDriverHandle identifies the service in its variable snapshot.
	DefaultDriverHandle = "fwnet-udp4"
)

// Options configures a Service. Zero fields take their defaults.
type Options struct {
	TimeoutInterval   time.Duration
	ReceiveQueueLimit int

	// UnreachableRate limits port unreachable messages; a negative value
	// disables them.
	UnreachableRate  rate.Limit
	UnreachableBurst int

	// Store receives the snapshot of configured instances. If nil, no
	// snapshot is published.
	Store        varstore.Store
	DriverHandle string

	// Rand seeds the ephemeral port cursor. If nil, the global source is
	// used.
	Rand *rand.Rand
}

func (o *Options) setDefaults() {
	if o.TimeoutInterval == 0 {
		o.TimeoutInterval = DefaultTimeoutInterval
	}
	if o.ReceiveQueueLimit == 0 {
		o.ReceiveQueueLimit = DefaultReceiveQueueLimit
	}
	if o.UnreachableRate == 0 {
		o.UnreachableRate = DefaultUnreachableRate
	}
	if o.UnreachableBurst == 0 {
		o.UnreachableBurst = DefaultUnreachableBurst
	}
	if o.DriverHandle == "" {
		o.DriverHandle = DefaultDriverHandle
	}
}

// Service is the UDP layer of one link.
type Service struct {
	disp  *stack.Dispatcher
	clock tcpip.Clock
	ep    *ipv4.Endpoint
	opts  Options
	stats *tcpip.Stats
	drops log.Logger

	ports     *ports.Manager
	instances []*Instance

	// sweeper ages queued datagrams. It runs for the life of the service.
	sweeper *stack.PeriodicJob
	limiter *rate.Limiter

	// varName is the name the snapshot was last published under.
	varName    string
	nextHandle uint64
	closed     bool
}

var _ ipv4.TransportHandler = (*Service)(nil)

// NewService creates the UDP service on ep and registers it for inbound
// datagrams.
func NewService(disp *stack.Dispatcher, clock tcpip.Clock, ep *ipv4.Endpoint, opts Options) *Service {
	opts.setDefaults()
	s := &Service{
		disp:  disp,
		clock: clock,
		ep:    ep,
		opts:  opts,
		stats: ep.Stats(),
		drops: log.BasicRateLimitedLogger(time.Second),
		ports: ports.NewManager(opts.Rand),
	}
	if opts.UnreachableRate > 0 {
		s.limiter = rate.NewLimiter(opts.UnreachableRate, opts.UnreachableBurst)
	}
	s.sweeper = stack.NewPeriodicJob(disp, clock, opts.TimeoutInterval, s.checkTimeout)
	s.sweeper.Start()
	ep.RegisterTransport(ProtocolNumber, s)
	return s
}

// Endpoint returns the IP endpoint the service runs on.
func (s *Service) Endpoint() *ipv4.Endpoint {
	return s.ep
}

// Stats returns the counters the service updates.
func (s *Service) Stats() *tcpip.Stats {
	return s.stats
}

// Ports returns the service's port reservations.
func (s *Service) Ports() *ports.Manager {
	return s.ports
}

// NewInstance opens an unconfigured instance.
func (s *Service) NewInstance() (*Instance, tcpip.Error) {
	if s.closed {
		return nil, &tcpip.ErrNotStarted{}
	}
	s.nextHandle++
	inst := &Instance{
		s:      s,
		handle: s.nextHandle,
		config: DefaultConfig(),
	}
	s.instances = append(s.instances, inst)
	return inst, nil
}

// DestroyInstance resets inst and removes it from the service.
func (s *Service) DestroyInstance(inst *Instance) tcpip.Error {
	i := slices.Index(s.instances, inst)
	if i < 0 {
		return &tcpip.ErrNotFound{}
	}
	if inst.configured {
		inst.Configure(nil)
	}
	inst.recycleDelivered()
	inst.destroyed = true
	s.instances = slices.Delete(s.instances, i, i+1)
	return nil
}

// NumInstances returns the number of open instances.
func (s *Service) NumInstances() int {
	return len(s.instances)
}

// Close destroys every instance, stops the sweeper and withdraws the
// snapshot.
func (s *Service) Close() {
	if s.closed {
		return
	}
	for len(s.instances) > 0 {
		s.DestroyInstance(s.instances[len(s.instances)-1])
	}
	s.sweeper.Stop()
	s.clearVariable()
	s.ep.RegisterTransport(ProtocolNumber, nil)
	s.closed = true
}

// HandlePacket implements ipv4.TransportHandler.HandlePacket.
func (s *Service) HandlePacket(session *ipv4.Session, v buffer.View) {
	stats := &s.stats.UDP

	hdr := header.UDP(v.Bytes())
	if len(hdr) < header.UDPMinimumSize || int(hdr.Length()) < header.UDPMinimumSize || int(hdr.Length()) > len(hdr) {
		stats.MalformedPacketsReceived.Increment()
		v.Release()
		return
	}
	v.CapLength(int(hdr.Length()))
	hdr = hdr[:hdr.Length()]
	if !hdr.IsChecksumValid(session.Source, session.Destination) {
		stats.ChecksumErrors.Increment()
		s.drops.Warningf("udp: bad checksum from %s:%d", session.Source, hdr.SourcePort())
		v.Release()
		return
	}
	stats.PacketsReceived.Increment()
	s.demultiplex(session, v)
}

// HandleError implements ipv4.TransportHandler.HandleError.
//
// transport starts with the UDP header of a datagram this host sent; the
// session is addressed as if the quoted datagram's reply had arrived.
func (s *Service) HandleError(session *ipv4.Session, err tcpip.Error, transport []byte) {
	if len(transport) < header.UDPMinimumSize {
		return
	}
	hdr := header.UDP(transport)
	id := SessionData{
		SourceAddress:      session.Source,
		SourcePort:         hdr.DestinationPort(),
		DestinationAddress: session.Destination,
		DestinationPort:    hdr.SourcePort(),
	}
	for _, inst := range s.instances {
		c := &inst.config
		if !inst.configured || c.AcceptPromiscuous || c.AcceptAnyPort || c.StationAddress.Unspecified() {
			continue
		}
		if !inst.match(&id) {
			continue
		}
		inst.icmpError = err
		inst.reportICMPError()
		return
	}
}
