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
	"sync/atomic"
	"time"

	"github.com/mohae/deepcopy"
	"fwnet.dev/fwnet/pkg/buffer"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/network/ipv4"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

// ConfigData is an instance's configuration.
type ConfigData struct {
	AcceptBroadcast    bool
	AcceptPromiscuous  bool
	AcceptAnyPort      bool
	AllowDuplicatePort bool

	TypeOfService uint8
	TimeToLive    uint8
	DoNotFragment bool

	// ReceiveTimeout is how long a datagram waits in the receive queue for a
	// token. Zero disables the timeout.
	ReceiveTimeout time.Duration

	// TransmitTimeout is recorded for callers; the link reports every
	// transmit's completion.
	TransmitTimeout time.Duration

	// UseDefaultAddress takes StationAddress and SubnetMask from the
	// interface, which must already be configured.
	UseDefaultAddress bool
	StationAddress    tcpip.Address
	SubnetMask        tcpip.AddressMask

	// StationPort is the local port. Zero picks an ephemeral port.
	StationPort uint16

	// RemoteAddress and RemotePort restrict the peer. Zero accepts any.
	RemoteAddress tcpip.Address
	RemotePort    uint16
}

// DefaultConfig returns the configuration of an unconfigured instance.
func DefaultConfig() ConfigData {
	return ConfigData{
		TimeToLive: ipv4.DefaultTTL,
	}
}

// SessionData identifies the two ends of a datagram.
type SessionData struct {
	SourceAddress      tcpip.Address
	SourcePort         uint16
	DestinationAddress tcpip.Address
	DestinationPort    uint16
}

// TransmitData describes an outbound datagram.
type TransmitData struct {
	// Session overrides the configured addresses. If nil, the datagram goes
	// to the configured remote address and port.
	Session *SessionData

	// Gateway overrides the route table's next hop.
	Gateway tcpip.Address

	DataLength int
	Fragments  [][]byte
}

// ReceiveData is a datagram delivered to a receive token.
type ReceiveData struct {
	Session SessionData

	// Packet is the datagram's payload. It is not shared with any other
	// instance.
	Packet buffer.View

	TimeStamp  time.Time
	DataLength int

	inst     *Instance
	recycled atomic.Bool
}

// Recycle returns the datagram's buffer. Calls after the first are no-ops.
//
// Recycle must be called within the dispatcher's critical section, for
// example through Node.Do.
func (d *ReceiveData) Recycle() {
	if !d.recycled.CompareAndSwap(false, true) {
		return
	}
	if d.inst != nil {
		delete(d.inst.delivered, d)
	}
	d.Packet.Release()
}

// CompletionToken correlates an asynchronous transmit or receive with its
// result.
type CompletionToken struct {
	Completion *stack.Completion

	// TxData is the datagram to send. It must stay valid until the
	// completion is signaled.
	TxData *TransmitData

	// RxData is set before a receive token's completion is signaled
	// successfully.
	RxData *ReceiveData
}

// ModeData is a snapshot of an instance.
type ModeData struct {
	Config     ConfigData
	Configured bool
	Groups     []tcpip.Address
	Routes     []ipv4.Route
	Queued     int
}

type rxWrap struct {
	data *ReceiveData

	// remaining is the time left before the datagram times out.
	remaining time.Duration
}

// Instance is one bound UDP endpoint.
type Instance struct {
	s      *Service
	handle uint64

	config     ConfigData
	configured bool
	destroyed  bool

	// reserved is set while the instance holds a port reservation.
	reserved bool

	// groups are the multicast groups this instance joined.
	groups []tcpip.Address

	rxTokens stack.TokenMap[*CompletionToken, struct{}]
	txTokens stack.TokenMap[*CompletionToken, struct{}]
	rxQueue  []rxWrap

	// delivered holds datagrams handed to callers and not yet recycled.
	delivered map[*ReceiveData]struct{}

	// icmpError is reported to the next receive token.
	icmpError tcpip.Error
}

// Handle returns the instance's identifier within its service.
func (inst *Instance) Handle() uint64 {
	return inst.handle
}

// Service returns the instance's service.
func (inst *Instance) Service() *Service {
	return inst.s
}

// Configured returns whether the instance is configured.
func (inst *Instance) Configured() bool {
	return inst.configured
}

// Config returns the current configuration. Once configured, StationAddress
// and StationPort hold the bound values.
func (inst *Instance) Config() ConfigData {
	return inst.config
}

// ModeData returns a snapshot of the instance.
func (inst *Instance) ModeData() ModeData {
	md := ModeData{
		Config:     inst.config,
		Configured: inst.configured,
		Groups:     inst.groups,
		Queued:     len(inst.rxQueue),
	}
	md = deepcopy.Copy(md).(ModeData)
	// Routes carry unexported fields that deepcopy skips.
	if inst.configured {
		md.Routes = inst.s.ep.RouteTable()
	}
	return md
}

func validConfig(c *ConfigData) bool {
	if !c.UseDefaultAddress {
		if !c.SubnetMask.Valid() {
			return false
		}
		if !c.StationAddress.Unspecified() && !header.IsV4UnicastAddress(c.StationAddress, c.SubnetMask) {
			return false
		}
	}
	return c.RemoteAddress.Unspecified() || header.IsV4UnicastAddress(c.RemoteAddress, tcpip.AddressMask{})
}

// reconfigurable reports whether the bound instance can move from old to
// new without being reset.
func reconfigurable(old, new *ConfigData) bool {
	if old.AcceptAnyPort != new.AcceptAnyPort ||
		old.AcceptBroadcast != new.AcceptBroadcast ||
		old.AcceptPromiscuous != new.AcceptPromiscuous ||
		old.AllowDuplicatePort != new.AllowDuplicatePort {
		return false
	}
	if !old.AcceptAnyPort && old.StationPort != new.StationPort {
		return false
	}
	if !old.AcceptPromiscuous {
		if old.UseDefaultAddress != new.UseDefaultAddress {
			return false
		}
		if !old.UseDefaultAddress && (old.StationAddress != new.StationAddress || old.SubnetMask != new.SubnetMask) {
			return false
		}
	}
	if old.RemoteAddress != new.RemoteAddress {
		return false
	}
	return old.RemoteAddress.Unspecified() || old.RemotePort == new.RemotePort
}

// Configure binds the instance, changes the settings of a bound instance,
// or resets it if config is nil.
//
// A reset aborts every outstanding token, discards queued datagrams, leaves
// all groups and releases the port. A bound instance can only change fields
// that do not affect which datagrams it matches; other changes fail with
// ErrAlreadyStarted.
func (inst *Instance) Configure(config *ConfigData) tcpip.Error {
	if inst.destroyed {
		return &tcpip.ErrNotFound{}
	}
	if config == nil {
		if inst.configured {
			inst.reset()
		}
		return nil
	}
	if !validConfig(config) {
		return &tcpip.ErrInvalidParameter{}
	}
	if inst.configured {
		newConfig := *config
		if !reconfigurable(&inst.config, &newConfig) {
			return &tcpip.ErrAlreadyStarted{}
		}
		// The binding keeps its resolved address and port.
		newConfig.StationAddress = inst.config.StationAddress
		newConfig.SubnetMask = inst.config.SubnetMask
		newConfig.StationPort = inst.config.StationPort
		inst.config = newConfig
		inst.s.publishVariable()
		return nil
	}
	return inst.bind(*config)
}

func (inst *Instance) bind(c ConfigData) tcpip.Error {
	s := inst.s
	ifc := s.ep.Interface()
	switch {
	case c.UseDefaultAddress:
		if !ifc.Configured() || ifc.Address().Unspecified() {
			return &tcpip.ErrNoMapping{}
		}
		c.StationAddress = ifc.Address()
		c.SubnetMask = ifc.Subnet().Mask()
	case !ifc.Configured():
		if err := s.ep.Configure(c.StationAddress, c.SubnetMask, tcpip.Address{}); err != nil {
			return err
		}
	case !c.StationAddress.Unspecified() && c.StationAddress != ifc.Address():
		return &tcpip.ErrAccessDenied{}
	}

	if !c.AcceptAnyPort {
		port, err := s.ports.Reserve(c.StationAddress, c.StationPort, c.AllowDuplicatePort)
		if err != nil {
			return err
		}
		c.StationPort = port
		inst.reserved = true
	}
	if c.AcceptPromiscuous {
		if err := ifc.SetPromiscuous(true); err != nil {
			inst.releasePort(&c)
			return err
		}
	}
	inst.config = c
	inst.configured = true
	if log.IsLogging(log.Debug) {
		log.Debugf("udp: instance %d bound to %s:%d", inst.handle, c.StationAddress, c.StationPort)
	}
	s.publishVariable()
	return nil
}

func (inst *Instance) releasePort(c *ConfigData) {
	if !inst.reserved {
		return
	}
	inst.reserved = false
	if err := inst.s.ports.Release(c.StationAddress, c.StationPort); err != nil {
		log.Warningf("udp: releasing %s:%d: %s", c.StationAddress, c.StationPort, err)
	}
}

// reset returns a bound instance to the unconfigured state.
func (inst *Instance) reset() {
	s := inst.s
	inst.leaveAllGroups()
	inst.cancelAll(&tcpip.ErrAborted{})
	inst.flushQueue()
	inst.icmpError = nil
	inst.releasePort(&inst.config)
	wasPromiscuous := inst.config.AcceptPromiscuous
	inst.config = DefaultConfig()
	inst.configured = false
	if wasPromiscuous {
		s.updatePromiscuous()
	}
	s.publishVariable()
}

// flushQueue discards every queued datagram.
func (inst *Instance) flushQueue() {
	for i := range inst.rxQueue {
		inst.rxQueue[i].data.Recycle()
		inst.rxQueue[i] = rxWrap{}
	}
	inst.rxQueue = inst.rxQueue[:0]
}

// recycleDelivered returns the buffers of datagrams the caller still holds.
func (inst *Instance) recycleDelivered() {
	for d := range inst.delivered {
		d.Recycle()
	}
}

func (inst *Instance) cancelAll(status tcpip.Error) {
	// Transmit tokens are removed by their frame's completion.
	if inst.txTokens.Len() > 0 {
		inst.s.ep.Interface().CancelInstanceFrames(inst, status)
	}
	inst.txTokens.RemoveAll(func(tok *CompletionToken, _ struct{}) {
		tok.Completion.Signal(status)
	})
	inst.rxTokens.RemoveAll(func(tok *CompletionToken, _ struct{}) {
		tok.Completion.Signal(status)
	})
}

// Cancel aborts tok, or every outstanding token if tok is nil. It returns
// ErrNotFound if tok is not outstanding.
func (inst *Instance) Cancel(tok *CompletionToken) tcpip.Error {
	if !inst.configured {
		return &tcpip.ErrNotStarted{}
	}
	if tok == nil {
		inst.cancelAll(&tcpip.ErrAborted{})
		if n, m := inst.txTokens.Len(), inst.rxTokens.Len(); n != 0 || m != 0 {
			panic("udp: tokens outstanding after cancel")
		}
		return nil
	}
	if inst.txTokens.Contains(tok) {
		inst.s.ep.CancelFrames(&tcpip.ErrAborted{}, func(f *ipv4.Frame) bool {
			return f.Context == tok
		})
		// The frame may already be gone from the link.
		if _, ok := inst.txTokens.Remove(tok); ok {
			tok.Completion.Signal(&tcpip.ErrAborted{})
		}
		return nil
	}
	if _, ok := inst.rxTokens.Remove(tok); ok {
		tok.Completion.Signal(&tcpip.ErrAborted{})
		return nil
	}
	return &tcpip.ErrNotFound{}
}

// Groups joins or leaves the multicast group addr. Leaving the unspecified
// address leaves every group.
func (inst *Instance) Groups(join bool, addr tcpip.Address) tcpip.Error {
	if !inst.configured {
		return &tcpip.ErrNotStarted{}
	}
	if !join && addr.Unspecified() {
		inst.leaveAllGroups()
		return nil
	}
	if !header.IsV4MulticastAddress(addr) {
		return &tcpip.ErrInvalidParameter{}
	}
	i := inst.groupIndex(addr)
	if join {
		if i >= 0 {
			return &tcpip.ErrAlreadyStarted{}
		}
		if err := inst.s.ep.JoinGroup(addr); err != nil {
			return err
		}
		inst.groups = append(inst.groups, addr)
		return nil
	}
	if i < 0 {
		return &tcpip.ErrNotFound{}
	}
	inst.groups = append(inst.groups[:i], inst.groups[i+1:]...)
	return inst.s.ep.LeaveGroup(addr)
}

func (inst *Instance) groupIndex(addr tcpip.Address) int {
	for i, a := range inst.groups {
		if a == addr {
			return i
		}
	}
	return -1
}

func (inst *Instance) leaveAllGroups() {
	for _, a := range inst.groups {
		if err := inst.s.ep.LeaveGroup(a); err != nil {
			log.Warningf("udp: leaving %s: %s", a, err)
		}
	}
	inst.groups = nil
}

// Routes adds or removes a route on the interface the instance is bound to.
func (inst *Instance) Routes(remove bool, subnet tcpip.Address, mask tcpip.AddressMask, gateway tcpip.Address) tcpip.Error {
	if !inst.configured {
		return &tcpip.ErrNotStarted{}
	}
	return inst.s.ep.Routes(remove, subnet, mask, gateway)
}

// Poll reads pending frames from the link and delivers them.
func (inst *Instance) Poll() tcpip.Error {
	if !inst.configured {
		return &tcpip.ErrNotStarted{}
	}
	return inst.s.ep.Interface().Poll()
}

func (inst *Instance) validateTx(tok *CompletionToken) tcpip.Error {
	if tok == nil || tok.Completion == nil || tok.TxData == nil {
		return &tcpip.ErrInvalidParameter{}
	}
	td := tok.TxData
	if len(td.Fragments) == 0 {
		return &tcpip.ErrInvalidParameter{}
	}
	total := 0
	for _, f := range td.Fragments {
		if len(f) == 0 {
			return &tcpip.ErrInvalidParameter{}
		}
		total += len(f)
	}
	if total != td.DataLength {
		return &tcpip.ErrInvalidParameter{}
	}
	if !td.Gateway.Unspecified() && !header.IsV4UnicastAddress(td.Gateway, tcpip.AddressMask{}) {
		return &tcpip.ErrInvalidParameter{}
	}
	c := &inst.config
	if sd := td.Session; sd != nil {
		if !sd.SourceAddress.Unspecified() && !header.IsV4UnicastAddress(sd.SourceAddress, tcpip.AddressMask{}) {
			return &tcpip.ErrInvalidParameter{}
		}
		if sd.DestinationPort == 0 && c.RemotePort == 0 {
			return &tcpip.ErrInvalidParameter{}
		}
		if sd.DestinationAddress.Unspecified() {
			return &tcpip.ErrInvalidParameter{}
		}
	} else if c.RemoteAddress.Unspecified() {
		return &tcpip.ErrInvalidParameter{}
	}
	if td.DataLength > MaxDataSize {
		return &tcpip.ErrBadBufferSize{}
	}
	return nil
}

// Transmit queues the datagram described by tok.TxData. The completion is
// signaled once the link has sent the frame or the send has failed.
func (inst *Instance) Transmit(tok *CompletionToken) tcpip.Error {
	if !inst.configured {
		return &tcpip.ErrNotStarted{}
	}
	if err := inst.validateTx(tok); err != nil {
		return err
	}
	if inst.txTokens.Contains(tok) || inst.rxTokens.Contains(tok) || inst.rxTokens.ContainsCompletion(tok.Completion) {
		return &tcpip.ErrAccessDenied{}
	}
	s := inst.s
	c := &inst.config
	td := tok.TxData

	src, dst := c.StationAddress, c.RemoteAddress
	srcPort, dstPort := c.StationPort, c.RemotePort
	if sd := td.Session; sd != nil {
		if !sd.SourceAddress.Unspecified() {
			src = sd.SourceAddress
		}
		if sd.SourcePort != 0 {
			srcPort = sd.SourcePort
		}
		dst = sd.DestinationAddress
		if sd.DestinationPort != 0 {
			dstPort = sd.DestinationPort
		}
	}
	if src.Unspecified() {
		src = s.ep.Interface().Address()
	}

	hdr := make(header.UDP, header.UDPMinimumSize)
	hdr.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(header.UDPMinimumSize + td.DataLength),
	})
	hdr.SetChecksum(hdr.CalculateChecksumWithPayload(src, dst, td.Fragments))

	if err := inst.txTokens.Insert(tok, tok.Completion, struct{}{}); err != nil {
		return err
	}
	payload := make([][]byte, 0, len(td.Fragments)+1)
	payload = append(payload, hdr)
	payload = append(payload, td.Fragments...)
	_, err := s.ep.Send(inst, tok, &ipv4.SendOptions{
		Source:       src,
		Destination:  dst,
		Gateway:      td.Gateway,
		Protocol:     ProtocolNumber,
		TTL:          c.TimeToLive,
		TOS:          c.TypeOfService,
		DontFragment: c.DoNotFragment,
	}, payload, func(_ *ipv4.Frame, err tcpip.Error) {
		inst.onSent(tok, err)
	})
	if err != nil {
		inst.txTokens.Remove(tok)
		return err
	}
	s.stats.UDP.PacketsSent.Increment()
	return nil
}

func (inst *Instance) onSent(tok *CompletionToken, err tcpip.Error) {
	if _, ok := inst.txTokens.Remove(tok); !ok {
		// Already canceled.
		return
	}
	if err != nil {
		if _, ok := err.(*tcpip.ErrAborted); !ok {
			inst.s.stats.UDP.PacketSendErrors.Increment()
		}
	}
	tok.Completion.Signal(err)
}

// Receive queues tok for the next datagram. A queued datagram, or a pending
// ICMP error, is delivered immediately.
func (inst *Instance) Receive(tok *CompletionToken) tcpip.Error {
	if !inst.configured {
		return &tcpip.ErrNotStarted{}
	}
	if tok == nil || tok.Completion == nil {
		return &tcpip.ErrInvalidParameter{}
	}
	if inst.txTokens.ContainsCompletion(tok.Completion) || inst.txTokens.Contains(tok) {
		return &tcpip.ErrAccessDenied{}
	}
	if err := inst.rxTokens.Insert(tok, tok.Completion, struct{}{}); err != nil {
		return err
	}
	inst.reportICMPError()
	inst.deliver()
	return nil
}

// PendingReceives returns the number of outstanding receive tokens.
func (inst *Instance) PendingReceives() int {
	return inst.rxTokens.Len()
}

// PendingTransmits returns the number of outstanding transmit tokens.
func (inst *Instance) PendingTransmits() int {
	return inst.txTokens.Len()
}

// Queued returns the number of datagrams waiting for a receive token.
func (inst *Instance) Queued() int {
	return len(inst.rxQueue)
}

// Delivered returns the number of delivered datagrams not yet recycled.
func (inst *Instance) Delivered() int {
	return len(inst.delivered)
}
