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

package arp_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/faketime"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/link/channel"
	"fwnet.dev/fwnet/pkg/tcpip/link/mnp"
	"fwnet.dev/fwnet/pkg/tcpip/network/arp"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

const (
	stationLinkAddr = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	remoteLinkAddr  = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")
	mtu             = 1500
)

var (
	stationAddr = tcpip.MustParseAddress("10.0.0.1")
	remoteAddr  = tcpip.MustParseAddress("10.0.0.2")
	otherAddr   = tcpip.MustParseAddress("10.0.0.3")
)

type testContext struct {
	t     *testing.T
	disp  *stack.Dispatcher
	clock *faketime.ManualClock
	ep    *channel.Endpoint
	svc   *mnp.Service
	r     *arp.Resolver
}

func newTestContextWith(t *testing.T, disp *stack.Dispatcher, clock *faketime.ManualClock, linkAddr tcpip.LinkAddress, addr tcpip.Address, opts arp.Options) *testContext {
	t.Helper()
	c := &testContext{
		t:     t,
		disp:  disp,
		clock: clock,
		ep:    channel.New(64, mtu, linkAddr),
	}
	svc, err := mnp.NewService(disp, clock, c.ep, mnp.Options{PoolInitial: 4, PoolIncrement: 2, PoolMax: 32})
	if err != nil {
		t.Fatalf("mnp.NewService: %s", err)
	}
	c.svc = svc
	c.do(func() {
		r, err := arp.New(disp, clock, svc, opts)
		if err != nil {
			t.Fatalf("arp.New: %s", err)
		}
		c.r = r
		if !addr.Unspecified() {
			if err := r.SetStationAddress(addr); err != nil {
				t.Fatalf("SetStationAddress(%s): %s", addr, err)
			}
		}
	})
	return c
}

func newTestContext(t *testing.T, opts arp.Options) *testContext {
	t.Helper()
	return newTestContextWith(t, stack.NewDispatcher(), faketime.NewManualClock(), stationLinkAddr, stationAddr, opts)
}

// do runs fn in the critical section and then drains posted jobs.
func (c *testContext) do(fn func()) {
	c.disp.Lock()
	fn()
	c.disp.Unlock()
	c.disp.Drain()
}

func (c *testContext) poll() {
	c.do(func() {
		if err := c.svc.Poll(); err != nil {
			c.t.Fatalf("Poll: %s", err)
		}
	})
}

func (c *testContext) advance(d time.Duration) {
	c.clock.Advance(d)
	c.disp.Drain()
}

// readARP returns the next transmitted frame, which must carry ARP.
func (c *testContext) readARP() (tcpip.LinkAddress, header.ARPFields) {
	c.t.Helper()
	frame, ok := c.ep.Read()
	if !ok {
		c.t.Fatalf("no frame transmitted")
	}
	eth := header.Ethernet(frame)
	if got := eth.Type(); got != header.ARPProtocolNumber {
		c.t.Fatalf("got ethertype %#04x, want %#04x", got, header.ARPProtocolNumber)
	}
	if got := eth.SourceAddress(); got != c.svc.LinkAddress() {
		c.t.Errorf("got source %s, want %s", got, c.svc.LinkAddress())
	}
	h := header.ARP(frame[header.EthernetMinimumSize:])
	if !h.IsValid() {
		c.t.Fatalf("transmitted ARP packet is not valid")
	}
	return eth.DestinationAddress(), header.ARPFields{
		Op:        h.Op(),
		SenderMAC: h.HardwareAddressSender(),
		SenderIP:  h.ProtocolAddressSender(),
		TargetMAC: h.HardwareAddressTarget(),
		TargetIP:  h.ProtocolAddressTarget(),
	}
}

func (c *testContext) injectARP(dst tcpip.LinkAddress, f *header.ARPFields) {
	c.t.Helper()
	frame := make([]byte, header.EthernetMinimumSize+header.ARPSize)
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: f.SenderMAC,
		DstAddr: dst,
		Type:    header.ARPProtocolNumber,
	})
	header.ARP(frame[header.EthernetMinimumSize:]).Encode(f)
	if !c.ep.InjectInbound(frame) {
		c.t.Fatalf("InjectInbound rejected frame to %s", dst)
	}
	c.poll()
}

func (c *testContext) request(addr tcpip.Address, w stack.ResolutionWaiter) (tcpip.LinkAddress, tcpip.Error) {
	var (
		linkAddr tcpip.LinkAddress
		err      tcpip.Error
	)
	c.do(func() { linkAddr, err = c.r.Request(addr, w) })
	return linkAddr, err
}

type result struct {
	Waiter   string
	Addr     tcpip.Address
	LinkAddr tcpip.LinkAddress
}

type recorder struct {
	name    string
	results *[]result
}

func (w *recorder) OnResolved(addr tcpip.Address, linkAddr tcpip.LinkAddress) {
	*w.results = append(*w.results, result{Waiter: w.name, Addr: addr, LinkAddr: linkAddr})
}

func replyFrom(addr tcpip.Address, linkAddr tcpip.LinkAddress) *header.ARPFields {
	return &header.ARPFields{
		Op:        header.ARPReply,
		SenderMAC: linkAddr,
		SenderIP:  addr,
		TargetMAC: stationLinkAddr,
		TargetIP:  stationAddr,
	}
}

func TestResolveCoalescesRequests(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	var results []result
	w1 := &recorder{name: "w1", results: &results}
	w2 := &recorder{name: "w2", results: &results}

	for _, w := range []*recorder{w1, w2, w1} {
		_, err := c.request(remoteAddr, w)
		if diff := cmp.Diff(&tcpip.ErrWouldBlock{}, err); diff != "" {
			t.Fatalf("Request(%s) error mismatch (-want +got):\n%s", remoteAddr, diff)
		}
	}

	dst, got := c.readARP()
	if dst != header.EthernetBroadcastAddress {
		t.Errorf("got request destination %s, want broadcast", dst)
	}
	want := header.ARPFields{
		Op:        header.ARPRequest,
		SenderMAC: stationLinkAddr,
		SenderIP:  stationAddr,
		TargetMAC: header.EthernetZeroAddress,
		TargetIP:  remoteAddr,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	if n := c.ep.Drain(); n != 0 {
		t.Errorf("got %d extra frames, want one request for coalesced waiters", n)
	}

	c.injectARP(stationLinkAddr, replyFrom(remoteAddr, remoteLinkAddr))
	wantResults := []result{
		{Waiter: "w1", Addr: remoteAddr, LinkAddr: remoteLinkAddr},
		{Waiter: "w2", Addr: remoteAddr, LinkAddr: remoteLinkAddr},
	}
	if diff := cmp.Diff(wantResults, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	linkAddr, err := c.request(remoteAddr, w1)
	if err != nil || linkAddr != remoteLinkAddr {
		t.Errorf("got Request(%s) = (%s, %v), want (%s, nil)", remoteAddr, linkAddr, err, remoteLinkAddr)
	}
	if len(results) != 2 {
		t.Errorf("cache hit notified the waiter")
	}

	stats := c.r.Stats()
	if got := stats.RequestsSent.Value(); got != 1 {
		t.Errorf("got RequestsSent = %d, want 1", got)
	}
	if got := stats.RepliesReceived.Value(); got != 1 {
		t.Errorf("got RepliesReceived = %d, want 1", got)
	}
}

func TestResolutionFailure(t *testing.T) {
	c := newTestContext(t, arp.Options{Attempts: 3, RetryInterval: time.Second})
	var results []result
	w := &recorder{name: "w", results: &results}
	c.request(remoteAddr, w)

	for i := 0; i < 3; i++ {
		if results != nil {
			t.Fatalf("resolution concluded after %d intervals: %+v", i, results)
		}
		c.advance(time.Second)
	}
	want := []result{{Waiter: "w", Addr: remoteAddr, LinkAddr: ""}}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if got := c.ep.Drain(); got != 3 {
		t.Errorf("got %d requests sent, want 3", got)
	}
	stats := c.r.Stats()
	if got := stats.RequestsSent.Value(); got != 3 {
		t.Errorf("got RequestsSent = %d, want 3", got)
	}
	if got := stats.ResolutionFailures.Value(); got != 1 {
		t.Errorf("got ResolutionFailures = %d, want 1", got)
	}
	c.do(func() {
		if entries := c.r.Entries(); len(entries) != 0 {
			t.Errorf("got entries %+v after failure, want none", entries)
		}
	})

	// A later request starts a fresh resolution.
	if _, err := c.request(remoteAddr, w); err == nil {
		t.Fatalf("Request after failure succeeded")
	}
	if got := c.ep.Drain(); got != 1 {
		t.Errorf("got %d requests after restart, want 1", got)
	}
}

func TestReplyToRequest(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	c.injectARP(header.EthernetBroadcastAddress, &header.ARPFields{
		Op:        header.ARPRequest,
		SenderMAC: remoteLinkAddr,
		SenderIP:  remoteAddr,
		TargetMAC: header.EthernetZeroAddress,
		TargetIP:  stationAddr,
	})

	dst, got := c.readARP()
	if dst != remoteLinkAddr {
		t.Errorf("got reply destination %s, want %s", dst, remoteLinkAddr)
	}
	want := header.ARPFields{
		Op:        header.ARPReply,
		SenderMAC: stationLinkAddr,
		SenderIP:  stationAddr,
		TargetMAC: remoteLinkAddr,
		TargetIP:  remoteAddr,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}

	c.do(func() {
		want := []arp.Entry{{Addr: remoteAddr, LinkAddr: remoteLinkAddr, Resolved: true}}
		if diff := cmp.Diff(want, c.r.Entries()); diff != "" {
			t.Errorf("entries mismatch (-want +got):\n%s", diff)
		}
	})
	stats := c.r.Stats()
	if got := stats.RequestsReceived.Value(); got != 1 {
		t.Errorf("got RequestsReceived = %d, want 1", got)
	}
	if got := stats.RepliesSent.Value(); got != 1 {
		t.Errorf("got RepliesSent = %d, want 1", got)
	}
}

func TestRequestForOtherHost(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	c.injectARP(header.EthernetBroadcastAddress, &header.ARPFields{
		Op:        header.ARPRequest,
		SenderMAC: remoteLinkAddr,
		SenderIP:  remoteAddr,
		TargetMAC: header.EthernetZeroAddress,
		TargetIP:  otherAddr,
	})
	if n := c.ep.Drain(); n != 0 {
		t.Errorf("got %d frames in response to a request for another host", n)
	}
	c.do(func() {
		if entries := c.r.Entries(); len(entries) != 0 {
			t.Errorf("learned %+v from a request for another host", entries)
		}
	})
}

func TestMalformedPacket(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	frame := make([]byte, header.EthernetMinimumSize+10)
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: remoteLinkAddr,
		DstAddr: header.EthernetBroadcastAddress,
		Type:    header.ARPProtocolNumber,
	})
	if !c.ep.InjectInbound(frame) {
		t.Fatalf("InjectInbound rejected frame")
	}
	c.poll()
	if got := c.r.Stats().MalformedPacketsReceived.Value(); got != 1 {
		t.Errorf("got MalformedPacketsReceived = %d, want 1", got)
	}

	// The resolver keeps receiving after a bad packet.
	var results []result
	c.request(remoteAddr, &recorder{name: "w", results: &results})
	c.ep.Drain()
	c.injectARP(stationLinkAddr, replyFrom(remoteAddr, remoteLinkAddr))
	if len(results) != 1 || results[0].LinkAddr != remoteLinkAddr {
		t.Errorf("got results %+v, want one success", results)
	}
}

func TestCancel(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	var results []result
	w1 := &recorder{name: "w1", results: &results}
	w2 := &recorder{name: "w2", results: &results}
	c.request(remoteAddr, w1)
	c.request(remoteAddr, w2)

	c.do(func() {
		if err := c.r.Cancel(remoteAddr, w1); err != nil {
			t.Errorf("Cancel(w1): %s", err)
		}
		if diff := cmp.Diff(&tcpip.ErrNotFound{}, c.r.Cancel(remoteAddr, w1)); diff != "" {
			t.Errorf("second Cancel(w1) error mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(&tcpip.ErrNotFound{}, c.r.Cancel(otherAddr, w1)); diff != "" {
			t.Errorf("Cancel(%s) error mismatch (-want +got):\n%s", otherAddr, diff)
		}
		if err := c.r.Cancel(remoteAddr, w2); err != nil {
			t.Errorf("Cancel(w2): %s", err)
		}
		if entries := c.r.Entries(); len(entries) != 0 {
			t.Errorf("got entries %+v, want abandoned resolution removed", entries)
		}
	})

	c.advance(5 * time.Second)
	if got := c.ep.Drain(); got != 1 {
		t.Errorf("got %d requests, want only the initial one", got)
	}
	if len(results) != 0 {
		t.Errorf("canceled waiters notified: %+v", results)
	}
}

func TestEntryExpiry(t *testing.T) {
	c := newTestContext(t, arp.Options{Lifetime: time.Minute})
	c.do(func() {
		if err := c.r.Add(remoteAddr, remoteLinkAddr); err != nil {
			t.Fatalf("Add: %s", err)
		}
		if diff := cmp.Diff(&tcpip.ErrInvalidParameter{}, c.r.Add(otherAddr, header.EthernetZeroAddress)); diff != "" {
			t.Errorf("Add(zero) error mismatch (-want +got):\n%s", diff)
		}
	})
	if linkAddr, err := c.request(remoteAddr, nil); err != nil || linkAddr != remoteLinkAddr {
		t.Fatalf("got Request = (%s, %v), want (%s, nil)", linkAddr, err, remoteLinkAddr)
	}
	c.advance(2 * time.Minute)
	_, err := c.request(remoteAddr, nil)
	if diff := cmp.Diff(&tcpip.ErrWouldBlock{}, err); diff != "" {
		t.Errorf("Request after expiry error mismatch (-want +got):\n%s", diff)
	}
	if got := c.ep.Drain(); got != 1 {
		t.Errorf("got %d requests after expiry, want 1", got)
	}
}

func TestCacheEviction(t *testing.T) {
	c := newTestContext(t, arp.Options{CacheSize: 2})
	var results []result
	w := &recorder{name: "w", results: &results}
	c.request(remoteAddr, w)
	c.do(func() {
		c.r.Add(otherAddr, remoteLinkAddr)
		c.r.Add(tcpip.MustParseAddress("10.0.0.4"), remoteLinkAddr)
	})
	want := []result{{Waiter: "w", Addr: remoteAddr, LinkAddr: ""}}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	c.do(func() {
		if got := len(c.r.Entries()); got != 2 {
			t.Errorf("got %d entries, want 2", got)
		}
	})
}

func TestStationAddress(t *testing.T) {
	c := newTestContextWith(t, stack.NewDispatcher(), faketime.NewManualClock(), stationLinkAddr, tcpip.Address{}, arp.Options{})
	_, err := c.request(remoteAddr, nil)
	if diff := cmp.Diff(&tcpip.ErrNotStarted{}, err); diff != "" {
		t.Errorf("Request on unconfigured resolver error mismatch (-want +got):\n%s", diff)
	}
	c.do(func() {
		if diff := cmp.Diff(&tcpip.ErrInvalidParameter{}, c.r.SetStationAddress(header.IPv4Broadcast)); diff != "" {
			t.Errorf("SetStationAddress(broadcast) error mismatch (-want +got):\n%s", diff)
		}
		if err := c.r.SetStationAddress(stationAddr); err != nil {
			t.Fatalf("SetStationAddress: %s", err)
		}
	})
	if !c.svc.Started() {
		t.Errorf("service not started after configuring the station address")
	}

	var results []result
	c.request(remoteAddr, &recorder{name: "w", results: &results})
	c.do(func() {
		if err := c.r.SetStationAddress(tcpip.Address{}); err != nil {
			t.Errorf("SetStationAddress(0.0.0.0): %s", err)
		}
	})
	want := []result{{Waiter: "w", Addr: remoteAddr, LinkAddr: ""}}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if c.svc.Started() {
		t.Errorf("service still started after clearing the station address")
	}

	c.do(func() {
		if err := c.r.SetStationAddress(stationAddr); err != nil {
			t.Fatalf("SetStationAddress: %s", err)
		}
	})
	c.ep.Drain()
	c.injectARP(header.EthernetBroadcastAddress, &header.ARPFields{
		Op:        header.ARPRequest,
		SenderMAC: remoteLinkAddr,
		SenderIP:  remoteAddr,
		TargetMAC: header.EthernetZeroAddress,
		TargetIP:  stationAddr,
	})
	if dst, _ := c.readARP(); dst != remoteLinkAddr {
		t.Errorf("got reply to %s after reconfiguring, want %s", dst, remoteLinkAddr)
	}

	c.do(c.r.Close)
	if got := c.svc.NumInstances(); got != 0 {
		t.Errorf("got %d instances after Close, want 0", got)
	}
}

func TestResolveOverLink(t *testing.T) {
	disp := stack.NewDispatcher()
	clock := faketime.NewManualClock()
	a := newTestContextWith(t, disp, clock, stationLinkAddr, stationAddr, arp.Options{})
	b := newTestContextWith(t, disp, clock, remoteLinkAddr, remoteAddr, arp.Options{})
	channel.Link(a.ep, b.ep)

	var results []result
	a.request(remoteAddr, &recorder{name: "a", results: &results})
	for i := 0; i < 3 && len(results) == 0; i++ {
		b.poll()
		a.poll()
	}
	want := []result{{Waiter: "a", Addr: remoteAddr, LinkAddr: remoteLinkAddr}}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	b.do(func() {
		want := []arp.Entry{{Addr: stationAddr, LinkAddr: stationLinkAddr, Resolved: true}}
		if diff := cmp.Diff(want, b.r.Entries()); diff != "" {
			t.Errorf("responder entries mismatch (-want +got):\n%s", diff)
		}
	})
}
