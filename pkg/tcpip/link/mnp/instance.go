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
	"sync/atomic"
	"time"

	"github.com/mohae/deepcopy"
	"fwnet.dev/fwnet/pkg/buffer"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

const (
	// DefaultReceivedQueueTimeout is how long a frame waits in an instance's
	// receive queue for a token.
	DefaultReceivedQueueTimeout = 10 * time.Second

	// DefaultTransmitTimeout is the transmit timeout of a default
	// configuration.
	DefaultTransmitTimeout = 10 * time.Second
)

// ConfigData is an instance's configuration.
type ConfigData struct {
	// ReceivedQueueTimeout is how long a received frame is queued waiting
	// for a receive token. Zero disables the timeout.
	ReceivedQueueTimeout time.Duration

	// TransmitTimeout is recorded for callers; transmits complete
	// synchronously with the device.
	TransmitTimeout time.Duration

	// ProtocolTypeFilter selects frames by EtherType. Zero accepts all.
	ProtocolTypeFilter tcpip.NetworkProtocolNumber

	EnableUnicastReceive     bool
	EnableMulticastReceive   bool
	EnableBroadcastReceive   bool
	EnablePromiscuousReceive bool

	// FlushQueuesOnReset discards queued frames when the instance is
	// reconfigured or reset.
	FlushQueuesOnReset bool

	// EnableReceiveTimestamps is not supported.
	EnableReceiveTimestamps bool

	// DisableBackgroundPolling keeps this instance from requiring the
	// periodic poll timer. The caller must then call Poll.
	DisableBackgroundPolling bool
}

// DefaultConfig returns the configuration an instance is reset to.
func DefaultConfig() ConfigData {
	return ConfigData{
		ReceivedQueueTimeout: DefaultReceivedQueueTimeout,
		TransmitTimeout:      DefaultTransmitTimeout,
	}
}

// ModeData is a snapshot of an instance and its device.
type ModeData struct {
	Config     ConfigData
	Configured bool
	Link       stack.LinkMode
	Groups     []tcpip.LinkAddress
	Queued     int
}

// TransmitData describes an outbound frame.
type TransmitData struct {
	// DestinationAddress is the frame's destination. If empty, Fragments
	// start with a complete media header of HeaderLength bytes.
	DestinationAddress tcpip.LinkAddress

	// SourceAddress overrides the station address as the frame's source.
	SourceAddress tcpip.LinkAddress

	ProtocolType tcpip.NetworkProtocolNumber

	// DataLength is the length of the payload, excluding any media header.
	DataLength int

	// HeaderLength is the length of the media header carried in Fragments.
	HeaderLength int

	Fragments [][]byte
}

// ReceiveData is a frame delivered to a receive token.
type ReceiveData struct {
	// Packet is the frame's payload after the media header.
	Packet buffer.View

	DestinationAddress tcpip.LinkAddress
	SourceAddress      tcpip.LinkAddress
	ProtocolType       tcpip.NetworkProtocolNumber

	BroadcastFlag   bool
	MulticastFlag   bool
	PromiscuousFlag bool

	recycled atomic.Bool
}

// Recycle returns the packet's buffer. Calls after the first are no-ops.
func (d *ReceiveData) Recycle() {
	if d.recycled.CompareAndSwap(false, true) {
		d.Packet.Release()
	}
}

// CompletionToken correlates an asynchronous transmit or receive with its
// result.
type CompletionToken struct {
	Completion *stack.Completion

	// TxData is the frame to send. It must stay valid until the completion
	// is signaled.
	TxData *TransmitData

	// RxData is set before a receive token's completion is signaled
	// successfully.
	RxData *ReceiveData
}

// rxWrap is a frame queued on an instance.
type rxWrap struct {
	data *ReceiveData

	// remaining is the time left before the frame times out.
	remaining time.Duration
}

// Instance is one user of a Service.
type Instance struct {
	s *Service

	config     ConfigData
	configured bool
	destroyed  bool

	// groups are the multicast addresses this instance joined.
	groups []tcpip.LinkAddress

	rxTokens stack.TokenMap[*CompletionToken, struct{}]
	txTokens stack.TokenMap[*CompletionToken, struct{}]
	rxQueue  []rxWrap
}

// Service returns the instance's service.
func (inst *Instance) Service() *Service {
	return inst.s
}

// Configured returns whether the instance is configured.
func (inst *Instance) Configured() bool {
	return inst.configured
}

// Config returns the current configuration.
func (inst *Instance) Config() ConfigData {
	return inst.config
}

// ModeData returns a snapshot of the instance.
func (inst *Instance) ModeData() ModeData {
	md := ModeData{
		Config:     inst.config,
		Configured: inst.configured,
		Link:       inst.s.dev.Mode(),
		Groups:     inst.groups,
		Queued:     len(inst.rxQueue),
	}
	return deepcopy.Copy(md).(ModeData)
}

func (s *Service) adjustCounts(c *ConfigData, delta int) {
	if c.EnableUnicastReceive {
		s.unicast += delta
	}
	if c.EnableMulticastReceive {
		s.multicast += delta
	}
	if c.EnableBroadcastReceive {
		s.broadcast += delta
	}
	if c.EnablePromiscuousReceive {
		s.promiscuous += delta
	}
	if !c.DisableBackgroundPolling {
		s.pollers += delta
	}
}

// Configure applies config, or resets the instance if config is nil.
//
// A reset aborts every outstanding token, leaves all groups and discards
// queued frames. The device is started with the first configured instance and
// stopped with the last.
func (inst *Instance) Configure(config *ConfigData) tcpip.Error {
	if inst.destroyed {
		return &tcpip.ErrNotFound{}
	}
	if config != nil && config.EnableReceiveTimestamps {
		return &tcpip.ErrUnsupported{}
	}
	s := inst.s
	if config == nil && !inst.configured {
		inst.config = DefaultConfig()
		return nil
	}

	old := inst.config
	newConfig := DefaultConfig()
	if config != nil {
		newConfig = *config
	}
	if inst.configured {
		s.adjustCounts(&old, -1)
	}

	if config == nil || old.FlushQueuesOnReset {
		inst.flushQueue()
	}
	if config == nil {
		inst.cancelAll(&tcpip.ErrAborted{})
	}
	if !newConfig.EnableMulticastReceive {
		inst.leaveAllGroups()
	}

	wasConfigured := inst.configured
	inst.config = newConfig
	inst.configured = config != nil

	if !inst.configured {
		s.configReceiveFilters()
		s.stop()
		s.updatePolling()
		return nil
	}

	s.adjustCounts(&newConfig, 1)
	if !wasConfigured {
		if err := s.start(); err != nil {
			s.adjustCounts(&newConfig, -1)
			inst.config = DefaultConfig()
			inst.configured = false
			return err
		}
	}
	s.updatePolling()
	return s.configReceiveFilters()
}

// flushQueue discards every queued frame.
func (inst *Instance) flushQueue() {
	for i := range inst.rxQueue {
		inst.rxQueue[i].data.Recycle()
		inst.rxQueue[i] = rxWrap{}
	}
	inst.rxQueue = inst.rxQueue[:0]
}

func (inst *Instance) cancelAll(status tcpip.Error) {
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
		return nil
	}
	if _, ok := inst.txTokens.Remove(tok); ok {
		tok.Completion.Signal(&tcpip.ErrAborted{})
		return nil
	}
	if _, ok := inst.rxTokens.Remove(tok); ok {
		tok.Completion.Signal(&tcpip.ErrAborted{})
		return nil
	}
	return &tcpip.ErrNotFound{}
}

// Poll reads pending frames from the device and delivers them.
func (inst *Instance) Poll() tcpip.Error {
	if !inst.configured {
		return &tcpip.ErrNotStarted{}
	}
	return inst.s.Poll()
}

// MulticastIPToMAC maps an IPv4 multicast address to its link address.
func (inst *Instance) MulticastIPToMAC(addr tcpip.Address) (tcpip.LinkAddress, tcpip.Error) {
	if !inst.configured {
		return "", &tcpip.ErrNotStarted{}
	}
	if !header.IsV4MulticastAddress(addr) {
		return "", &tcpip.ErrInvalidParameter{}
	}
	return header.EthernetAddressFromMulticastIPv4Address(addr), nil
}

// Groups joins or leaves the multicast group addr. Leaving with an empty addr
// leaves every group.
func (inst *Instance) Groups(join bool, addr tcpip.LinkAddress) tcpip.Error {
	if !inst.configured {
		return &tcpip.ErrNotStarted{}
	}
	if !inst.config.EnableMulticastReceive {
		return &tcpip.ErrInvalidParameter{}
	}
	if (join || addr != "") && !header.IsMulticastEthernetAddress(addr) {
		return &tcpip.ErrInvalidParameter{}
	}
	s := inst.s
	switch {
	case join:
		if inst.joined(addr) {
			return &tcpip.ErrAlreadyStarted{}
		}
		inst.groups = append(inst.groups, addr)
		if !s.addGroup(addr) {
			return nil
		}
	case addr == "":
		if !inst.leaveAllGroups() {
			return nil
		}
	default:
		i := inst.groupIndex(addr)
		if i < 0 {
			return &tcpip.ErrNotFound{}
		}
		inst.groups = append(inst.groups[:i], inst.groups[i+1:]...)
		if !s.removeGroup(addr) {
			return nil
		}
	}
	return s.configReceiveFilters()
}

func (inst *Instance) groupIndex(addr tcpip.LinkAddress) int {
	for i, a := range inst.groups {
		if a == addr {
			return i
		}
	}
	return -1
}

func (inst *Instance) joined(addr tcpip.LinkAddress) bool {
	return inst.groupIndex(addr) >= 0
}

// leaveAllGroups drops the instance's memberships and reports whether the
// service-wide set changed. Filters are not reprogrammed.
func (inst *Instance) leaveAllGroups() bool {
	changed := false
	for _, a := range inst.groups {
		if inst.s.removeGroup(a) {
			changed = true
		}
	}
	inst.groups = nil
	return changed
}

// Receive queues tok for the next frame. A queued frame is delivered
// immediately.
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

// Queued returns the number of frames waiting for a receive token.
func (inst *Instance) Queued() int {
	return len(inst.rxQueue)
}
