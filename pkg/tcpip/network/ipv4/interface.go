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
	"fmt"
	"slices"

	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/link/mnp"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

// AddressResolver is a link address resolver that needs to know the
// station address it resolves from.
type AddressResolver interface {
	stack.LinkAddressResolver

	// SetStationAddress configures the resolver's own address. The
	// unspecified address disables it.
	SetStationAddress(addr tcpip.Address) tcpip.Error
}

// FrameDone is called when a frame sent with SendFrame completes.
type FrameDone func(f *Frame, err tcpip.Error)

// Frame is an outbound IPv4 packet owned by an Interface until its FrameDone
// runs.
type Frame struct {
	// Owner identifies the sender, for CancelInstanceFrames.
	Owner any

	// Context is opaque caller state used by cancel predicates.
	Context any

	// Packet holds the IP header followed by the payload.
	Packet [][]byte

	NextHop tcpip.Address

	ifc      *Interface
	done     FrameDone
	linkAddr tcpip.LinkAddress
	tok      *mnp.CompletionToken

	// cancelStatus overrides the link status of a canceled submitted frame.
	cancelStatus tcpip.Error
}

// LinkAddress returns the destination the frame was or will be sent to. It is
// empty while the next hop is being resolved.
func (f *Frame) LinkAddress() tcpip.LinkAddress {
	return f.linkAddr
}

func (f *Frame) size() int {
	n := 0
	for _, b := range f.Packet {
		n += len(b)
	}
	return n
}

// FrameHandler receives the result of ReceiveFrame. On success the handler
// owns d and must Recycle it.
type FrameHandler func(d *mnp.ReceiveData, err tcpip.Error)

// Interface is the link frame transport of one link. It resolves next hops,
// queues frames that wait for resolution and tracks frames submitted to the
// link until they complete.
//
// An Interface is reference counted; users share it through Acquire and
// Release. All methods must be called within the dispatcher's critical
// section.
type Interface struct {
	disp     *stack.Dispatcher
	svc      *mnp.Service
	inst     *mnp.Instance
	resolver AddressResolver
	stats    *tcpip.IPStats

	refs int

	configured bool
	addr       tcpip.Address
	subnet     tcpip.Subnet

	// subnetBroadcast and netBroadcast are the directed broadcast
	// addresses of the configured subnet and of its classful network.
	subnetBroadcast tcpip.Address
	netBroadcast    tcpip.Address

	promiscuous bool

	// groupRefs counts the multicast groups joined per link address, since
	// several groups share each address.
	groupRefs map[tcpip.LinkAddress]int

	// arpQueues holds frames waiting for resolution, in creation order.
	arpQueues []*arpQueue

	// sent holds frames submitted to the link, in submission order.
	sent []*Frame

	recv        *mnp.CompletionToken
	recvHandler FrameHandler
}

// NewInterface creates an interface over a new instance of svc. resolver may
// be nil on links without address resolution, in which case unicast next
// hops cannot be reached.
func NewInterface(disp *stack.Dispatcher, svc *mnp.Service, resolver AddressResolver, stats *tcpip.IPStats) (*Interface, tcpip.Error) {
	inst, err := svc.NewInstance()
	if err != nil {
		return nil, err
	}
	if stats == nil {
		s := tcpip.Stats{}.FillIn()
		stats = &s.IP
	}
	return &Interface{
		disp:      disp,
		svc:       svc,
		inst:      inst,
		resolver:  resolver,
		stats:     stats,
		refs:      1,
		groupRefs: make(map[tcpip.LinkAddress]int),
	}, nil
}

// Acquire adds a reference.
func (ifc *Interface) Acquire() {
	if ifc.refs <= 0 {
		panic("ipv4: Acquire on released interface")
	}
	ifc.refs++
}

// Release drops a reference. The last one aborts every outstanding frame and
// receive and releases the MNP instance.
func (ifc *Interface) Release() {
	ifc.refs--
	if ifc.refs > 0 {
		return
	}
	if ifc.refs < 0 {
		panic("ipv4: interface released too many times")
	}
	ifc.CancelFrames(&tcpip.ErrAborted{}, nil)
	ifc.CancelReceive()
	if len(ifc.arpQueues) != 0 || len(ifc.sent) != 0 {
		panic(fmt.Sprintf("ipv4: interface released with %d resolution queues and %d sent frames", len(ifc.arpQueues), len(ifc.sent)))
	}
	if ifc.resolver != nil && ifc.configured && !ifc.addr.Unspecified() {
		ifc.resolver.SetStationAddress(tcpip.Address{})
	}
	ifc.configured = false
	if err := ifc.svc.DestroyInstance(ifc.inst); err != nil {
		log.Warningf("ipv4: destroying instance: %s", err)
	}
}

// Configured reports whether SetAddress has been called.
func (ifc *Interface) Configured() bool {
	return ifc.configured
}

// Address returns the station address.
func (ifc *Interface) Address() tcpip.Address {
	return ifc.addr
}

// Subnet returns the station's subnet.
func (ifc *Interface) Subnet() tcpip.Subnet {
	return ifc.subnet
}

// MTU returns the largest IP packet the link carries.
func (ifc *Interface) MTU() int {
	return int(ifc.svc.MTU())
}

// Service returns the MNP service the interface runs on.
func (ifc *Interface) Service() *mnp.Service {
	return ifc.svc
}

// Stats returns the IP counters the interface updates.
func (ifc *Interface) Stats() *tcpip.IPStats {
	return ifc.stats
}

func (ifc *Interface) mnpConfig() mnp.ConfigData {
	config := mnp.DefaultConfig()
	config.ProtocolTypeFilter = header.IPv4ProtocolNumber
	config.EnableUnicastReceive = true
	config.EnableMulticastReceive = true
	config.EnableBroadcastReceive = true
	config.EnablePromiscuousReceive = ifc.promiscuous
	return config
}

// SetAddress configures the station address and subnet mask. The address may
// be unspecified, in which case only broadcast and multicast next hops can be
// reached. Address resolution is enabled only for a real station address.
func (ifc *Interface) SetAddress(addr tcpip.Address, mask tcpip.AddressMask) tcpip.Error {
	if !mask.Valid() {
		return &tcpip.ErrInvalidParameter{}
	}
	if !addr.Unspecified() && !header.IsV4UnicastAddress(addr, mask) {
		return &tcpip.ErrInvalidParameter{}
	}
	subnet, err := tcpip.NewSubnet(addr.Mask(mask), mask)
	if err != nil {
		return &tcpip.ErrInvalidParameter{}
	}
	if !ifc.configured {
		config := ifc.mnpConfig()
		if err := ifc.inst.Configure(&config); err != nil {
			return err
		}
	}
	if ifc.resolver != nil {
		if err := ifc.resolver.SetStationAddress(addr); err != nil {
			return err
		}
	}
	ifc.configured = true
	ifc.addr = addr
	ifc.subnet = subnet
	ifc.subnetBroadcast = subnet.Broadcast()
	classful := header.IPv4ClassfulMask(addr)
	ifc.netBroadcast = tcpip.Address{}
	if classful.Prefix() < 32 {
		net, _ := tcpip.NewSubnet(addr.Mask(classful), classful)
		ifc.netBroadcast = net.Broadcast()
	}
	log.Infof("ipv4: %s/%d on %s", addr, mask.Prefix(), ifc.svc.LinkAddress())
	return nil
}

// SetPromiscuous turns reception of frames for other stations on or off.
func (ifc *Interface) SetPromiscuous(enable bool) tcpip.Error {
	if ifc.promiscuous == enable {
		return nil
	}
	ifc.promiscuous = enable
	if !ifc.configured {
		return nil
	}
	config := ifc.mnpConfig()
	return ifc.inst.Configure(&config)
}

// Promiscuous reports whether promiscuous reception is enabled.
func (ifc *Interface) Promiscuous() bool {
	return ifc.promiscuous
}

// IsBroadcast reports whether addr is a broadcast address on this interface:
// the limited broadcast or the subnet or classful network broadcast.
func (ifc *Interface) IsBroadcast(addr tcpip.Address) bool {
	if addr == header.IPv4Broadcast {
		return true
	}
	if !ifc.configured || ifc.addr.Unspecified() {
		return false
	}
	return (ifc.subnet.Prefix() < 32 && addr == ifc.subnetBroadcast) ||
		(!ifc.netBroadcast.Unspecified() && addr == ifc.netBroadcast)
}

// JoinGroup adds the link address of the multicast group addr to the
// receive filters. Each call must be balanced by LeaveGroup.
func (ifc *Interface) JoinGroup(addr tcpip.Address) tcpip.Error {
	mac, err := ifc.inst.MulticastIPToMAC(addr)
	if err != nil {
		return err
	}
	if ifc.groupRefs[mac] == 0 {
		if err := ifc.inst.Groups(true, mac); err != nil {
			return err
		}
	}
	ifc.groupRefs[mac]++
	return nil
}

// LeaveGroup undoes one JoinGroup for addr.
func (ifc *Interface) LeaveGroup(addr tcpip.Address) tcpip.Error {
	mac, err := ifc.inst.MulticastIPToMAC(addr)
	if err != nil {
		return err
	}
	switch ifc.groupRefs[mac] {
	case 0:
		return &tcpip.ErrNotFound{}
	case 1:
		delete(ifc.groupRefs, mac)
		return ifc.inst.Groups(false, mac)
	default:
		ifc.groupRefs[mac]--
		return nil
	}
}

// SendFrame sends packet to nextHop on behalf of owner. done is called once
// with the link's status, or with ErrNoMapping if the next hop cannot be
// resolved, or with the cancel status. Errors returned directly mean the
// frame was not accepted and done will not be called.
func (ifc *Interface) SendFrame(owner, context any, packet [][]byte, nextHop tcpip.Address, done FrameDone) (*Frame, tcpip.Error) {
	if !ifc.configured {
		return nil, &tcpip.ErrNotStarted{}
	}
	f := &Frame{
		Owner:   owner,
		Context: context,
		Packet:  packet,
		NextHop: nextHop,
		ifc:     ifc,
		done:    done,
	}
	switch {
	case ifc.IsBroadcast(nextHop):
		f.linkAddr = ifc.svc.BroadcastAddress()
	case header.IsV4MulticastAddress(nextHop):
		mac, err := ifc.inst.MulticastIPToMAC(nextHop)
		if err != nil {
			return nil, err
		}
		f.linkAddr = mac
	default:
		if ifc.resolver == nil || ifc.addr.Unspecified() {
			return nil, &tcpip.ErrNoMapping{}
		}
		if q := ifc.findQueue(nextHop); q != nil {
			q.frames = append(q.frames, f)
			ifc.stats.PendingResolutions.Increment()
			return f, nil
		}
		q := &arpQueue{ifc: ifc, addr: nextHop}
		mac, err := ifc.resolver.Request(nextHop, q)
		switch err.(type) {
		case nil:
			f.linkAddr = mac
		case *tcpip.ErrWouldBlock:
			q.frames = append(q.frames, f)
			ifc.arpQueues = append(ifc.arpQueues, q)
			ifc.stats.PendingResolutions.Increment()
			return f, nil
		default:
			return nil, err
		}
	}
	if err := ifc.transmit(f); err != nil {
		return nil, err
	}
	return f, nil
}

// transmit submits f to the link. On success f is tracked in ifc.sent until
// its completion runs.
func (ifc *Interface) transmit(f *Frame) tcpip.Error {
	f.tok = &mnp.CompletionToken{
		TxData: &mnp.TransmitData{
			DestinationAddress: f.linkAddr,
			ProtocolType:       header.IPv4ProtocolNumber,
			DataLength:         f.size(),
			Fragments:          f.Packet,
		},
	}
	f.tok.Completion = stack.NewCompletion(func(err tcpip.Error) {
		ifc.onFrameSent(f, err)
	})
	if err := ifc.inst.Transmit(f.tok); err != nil {
		ifc.stats.OutgoingPacketErrors.Increment()
		return err
	}
	ifc.sent = append(ifc.sent, f)
	ifc.stats.PacketsSent.Increment()
	return nil
}

func (ifc *Interface) onFrameSent(f *Frame, err tcpip.Error) {
	if i := slices.Index(ifc.sent, f); i >= 0 {
		ifc.sent = slices.Delete(ifc.sent, i, i+1)
	}
	if f.cancelStatus != nil {
		err = f.cancelStatus
	}
	if err != nil {
		ifc.stats.OutgoingPacketErrors.Increment()
	}
	f.done(f, err)
}

// CancelFrames completes every frame for which match returns true with
// status. A nil match cancels all frames. Resolutions left without frames are
// withdrawn from the resolver.
func (ifc *Interface) CancelFrames(status tcpip.Error, match func(*Frame) bool) {
	for _, q := range slices.Clone(ifc.arpQueues) {
		q.cancel(status, match)
	}
	for _, f := range slices.Clone(ifc.sent) {
		if match != nil && !match(f) {
			continue
		}
		f.cancelStatus = status
		if err := ifc.inst.Cancel(f.tok); err != nil {
			// Already completed; the completion removed it.
			f.cancelStatus = nil
		}
	}
}

// CancelInstanceFrames cancels every frame sent by owner.
func (ifc *Interface) CancelInstanceFrames(owner any, status tcpip.Error) {
	ifc.CancelFrames(status, func(f *Frame) bool { return f.Owner == owner })
}

// PendingFrames returns the number of frames waiting for resolution and the
// number submitted to the link.
func (ifc *Interface) PendingFrames() (resolving, sent int) {
	for _, q := range ifc.arpQueues {
		resolving += len(q.frames)
	}
	return resolving, len(ifc.sent)
}

// ReceiveFrame posts the single outstanding receive request of the
// interface. h runs from a dispatcher job once a frame arrives or the request
// is aborted.
func (ifc *Interface) ReceiveFrame(h FrameHandler) tcpip.Error {
	if ifc.recv != nil {
		return &tcpip.ErrAlreadyStarted{}
	}
	if !ifc.configured {
		return &tcpip.ErrNotStarted{}
	}
	tok := &mnp.CompletionToken{}
	tok.Completion = stack.NewCompletion(func(tcpip.Error) {
		ifc.disp.Post(func() { ifc.onFrameReceived(tok) })
	})
	ifc.recv = tok
	ifc.recvHandler = h
	if err := ifc.inst.Receive(tok); err != nil {
		ifc.recv = nil
		ifc.recvHandler = nil
		return err
	}
	return nil
}

func (ifc *Interface) onFrameReceived(tok *mnp.CompletionToken) {
	if tok != ifc.recv {
		// Canceled with CancelReceive.
		if tok.RxData != nil {
			tok.RxData.Recycle()
		}
		return
	}
	h := ifc.recvHandler
	ifc.recv = nil
	ifc.recvHandler = nil
	if err := tok.Completion.Status(); err != nil {
		h(nil, err)
		return
	}
	h(tok.RxData, nil)
}

// CancelReceive drops the outstanding receive request without calling its
// handler.
func (ifc *Interface) CancelReceive() {
	tok := ifc.recv
	if tok == nil {
		return
	}
	ifc.recv = nil
	ifc.recvHandler = nil
	ifc.inst.Cancel(tok)
}

// Poll drives the link once.
func (ifc *Interface) Poll() tcpip.Error {
	return ifc.inst.Poll()
}
