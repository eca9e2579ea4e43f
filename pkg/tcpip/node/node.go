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

// Package node assembles the protocol layers of one link into a usable
// stack: an MNP service over the device, an ARP resolver, an IPv4 interface
// with its IP endpoint and the UDP4 service.
package node

import (
	"context"

	"fwnet.dev/fwnet/pkg/cleanup"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/link/mnp"
	"fwnet.dev/fwnet/pkg/tcpip/network/arp"
	"fwnet.dev/fwnet/pkg/tcpip/network/ipv4"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
	"fwnet.dev/fwnet/pkg/tcpip/transport/udp"
)

// Options configures a Node.
type Options struct {
	// Device is the link the node runs on. It is required.
	Device stack.LinkDevice

	// Clock drives every timer of the stack. If nil, the wall clock is used.
	Clock tcpip.Clock

	// Stats receives all counters. If nil, a private set is allocated.
	Stats *tcpip.Stats

	// Address, Mask and Gateway statically configure the interface. If
	// Address is unspecified the interface stays unconfigured until a UDP
	// instance binds an explicit station address.
	Address tcpip.Address
	Mask    tcpip.AddressMask
	Gateway tcpip.Address

	// Neighbors are static ARP entries.
	Neighbors map[tcpip.Address]tcpip.LinkAddress

	MNP mnp.Options
	ARP arp.Options
	UDP udp.Options
}

// Node is the protocol stack of one link.
//
// Methods of Node enter the dispatcher's critical section themselves. Calls on
// the objects it hands out (instances, the endpoint) must be made through Do.
type Node struct {
	disp  *stack.Dispatcher
	clock tcpip.Clock
	stats *tcpip.Stats

	svc      *mnp.Service
	resolver *arp.Resolver
	ep       *ipv4.Endpoint
	udp      *udp.Service

	closed bool
}

// New builds a node over opts.Device. On failure every layer created so far
// is torn down again.
func New(opts Options) (*Node, tcpip.Error) {
	if opts.Device == nil {
		return nil, &tcpip.ErrInvalidParameter{}
	}
	if opts.Clock == nil {
		opts.Clock = tcpip.NewStdClock()
	}
	if opts.Stats == nil {
		opts.Stats = tcpip.NewStats()
	}
	opts.MNP.Stats = &opts.Stats.MNP
	opts.ARP.Stats = &opts.Stats.ARP

	n := &Node{
		disp:  stack.NewDispatcher(),
		clock: opts.Clock,
		stats: opts.Stats,
	}
	svc, err := mnp.NewService(n.disp, n.clock, opts.Device, opts.MNP)
	if err != nil {
		return nil, err
	}
	n.svc = svc

	n.disp.Lock()
	defer n.disp.Unlock()
	cu := cleanup.Make(svc.Close)
	defer cu.Clean()

	if n.resolver, err = arp.New(n.disp, n.clock, svc, opts.ARP); err != nil {
		return nil, err
	}
	cu.Add(n.resolver.Close)

	ifc, err := ipv4.NewInterface(n.disp, svc, n.resolver, &n.stats.IP)
	if err != nil {
		return nil, err
	}
	n.ep = ipv4.NewEndpoint(ifc, n.stats)
	ifc.Release()
	cu.Add(n.ep.Close)

	if !opts.Address.Unspecified() {
		if err := n.ep.Configure(opts.Address, opts.Mask, opts.Gateway); err != nil {
			return nil, err
		}
	}
	for addr, linkAddr := range opts.Neighbors {
		if err := n.resolver.Add(addr, linkAddr); err != nil {
			return nil, err
		}
	}

	n.udp = udp.NewService(n.disp, n.clock, n.ep, opts.UDP)
	cu.Release()
	log.Infof("node: %s up", svc.LinkAddress())
	return n, nil
}

// Do runs fn in the dispatcher's critical section.
func (n *Node) Do(fn func()) {
	n.disp.Lock()
	defer n.disp.Unlock()
	fn()
}

// Dispatcher returns the node's dispatcher.
func (n *Node) Dispatcher() *stack.Dispatcher {
	return n.disp
}

// Run processes timer and device work until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	return n.disp.Run(ctx)
}

// Poll reads pending frames from the device and delivers them.
func (n *Node) Poll() tcpip.Error {
	n.disp.Lock()
	defer n.disp.Unlock()
	if n.closed {
		return &tcpip.ErrNotStarted{}
	}
	return n.svc.Poll()
}

// LinkAddress returns the device's current link address.
func (n *Node) LinkAddress() tcpip.LinkAddress {
	return n.svc.LinkAddress()
}

// Stats returns the counters of every layer.
func (n *Node) Stats() *tcpip.Stats {
	return n.stats
}

// MNP returns the node's MNP service.
func (n *Node) MNP() *mnp.Service {
	return n.svc
}

// Resolver returns the node's ARP resolver.
func (n *Node) Resolver() *arp.Resolver {
	return n.resolver
}

// IP returns the node's IP endpoint.
func (n *Node) IP() *ipv4.Endpoint {
	return n.ep
}

// UDP returns the node's UDP4 service.
func (n *Node) UDP() *udp.Service {
	return n.udp
}

// NewUDPInstance creates a UDP4 instance and, if config is not nil,
// configures it. An instance that fails to configure is destroyed.
func (n *Node) NewUDPInstance(config *udp.ConfigData) (*udp.Instance, tcpip.Error) {
	n.disp.Lock()
	defer n.disp.Unlock()
	if n.closed {
		return nil, &tcpip.ErrNotStarted{}
	}
	inst, err := n.udp.NewInstance()
	if err != nil {
		return nil, err
	}
	if config == nil {
		return inst, nil
	}
	if err := inst.Configure(config); err != nil {
		n.udp.DestroyInstance(inst)
		return nil, err
	}
	return inst, nil
}

// DestroyUDPInstance resets and removes inst.
func (n *Node) DestroyUDPInstance(inst *udp.Instance) tcpip.Error {
	n.disp.Lock()
	defer n.disp.Unlock()
	if n.closed {
		return &tcpip.ErrNotStarted{}
	}
	return n.udp.DestroyInstance(inst)
}

// Close tears the stack down from the top. Outstanding tokens complete with
// ErrAborted.
func (n *Node) Close() {
	n.disp.Lock()
	defer n.disp.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	n.udp.Close()
	n.ep.Close()
	n.resolver.Close()
	n.svc.Close()
	log.Infof("node: %s down", n.svc.LinkAddress())
}
