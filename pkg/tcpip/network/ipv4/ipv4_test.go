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

package ipv4_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"fwnet.dev/fwnet/pkg/buffer"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/faketime"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/link/channel"
	"fwnet.dev/fwnet/pkg/tcpip/link/mnp"
	"fwnet.dev/fwnet/pkg/tcpip/network/arp"
	"fwnet.dev/fwnet/pkg/tcpip/network/ipv4"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

const (
	stationLinkAddr = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	remoteLinkAddr  = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")
	mtu             = 1500
)

var (
	stationAddr = tcpip.MustParseAddress("10.0.0.1")
	remoteAddr  = tcpip.MustParseAddress("10.0.0.9")
	otherAddr   = tcpip.MustParseAddress("10.0.0.10")
	gatewayAddr = tcpip.MustParseAddress("10.0.0.254")
	groupAddr   = tcpip.MustParseAddress("224.0.0.9")
	mask24      = tcpip.MaskFromPrefix(24)
)

type delivered struct {
	Source        tcpip.Address
	Destination   tcpip.Address
	Payload       string
	LinkBroadcast bool
}

type reported struct {
	Source      tcpip.Address
	Destination tcpip.Address
	Err         tcpip.Error
	Transport   []byte
}

type fakeHandler struct {
	packets []delivered
	errors  []reported
}

func (h *fakeHandler) HandlePacket(s *ipv4.Session, v buffer.View) {
	h.packets = append(h.packets, delivered{
		Source:        s.Source,
		Destination:   s.Destination,
		Payload:       string(v.Bytes()),
		LinkBroadcast: s.LinkBroadcast,
	})
	v.Release()
}

func (h *fakeHandler) HandleError(s *ipv4.Session, err tcpip.Error, transport []byte) {
	h.errors = append(h.errors, reported{
		Source:      s.Source,
		Destination: s.Destination,
		Err:         err,
		Transport:   append([]byte(nil), transport...),
	})
}

type testContext struct {
	t       *testing.T
	disp    *stack.Dispatcher
	clock   *faketime.ManualClock
	ep      *channel.Endpoint
	svc     *mnp.Service
	r       *arp.Resolver
	ifc     *ipv4.Interface
	e       *ipv4.Endpoint
	stats   *tcpip.Stats
	handler *fakeHandler
}

func newTestContext(t *testing.T, arpOpts arp.Options) *testContext {
	t.Helper()
	c := &testContext{
		t:       t,
		disp:    stack.NewDispatcher(),
		clock:   faketime.NewManualClock(),
		ep:      channel.New(64, mtu, stationLinkAddr),
		stats:   tcpip.NewStats(),
		handler: &fakeHandler{},
	}
	svc, err := mnp.NewService(c.disp, c.clock, c.ep, mnp.Options{
		PoolInitial:   4,
		PoolIncrement: 2,
		PoolMax:       32,
		Stats:         &c.stats.MNP,
	})
	if err != nil {
		t.Fatalf("mnp.NewService: %s", err)
	}
	c.svc = svc
	arpOpts.Stats = &c.stats.ARP
	c.do(func() {
		if c.r, err = arp.New(c.disp, c.clock, svc, arpOpts); err != nil {
			t.Fatalf("arp.New: %s", err)
		}
		if c.ifc, err = ipv4.NewInterface(c.disp, svc, c.r, &c.stats.IP); err != nil {
			t.Fatalf("NewInterface: %s", err)
		}
		c.e = ipv4.NewEndpoint(c.ifc, c.stats)
		c.e.RegisterTransport(header.UDPProtocolNumber, c.handler)
		if err := c.e.Configure(stationAddr, mask24, tcpip.Address{}); err != nil {
			t.Fatalf("Configure: %s", err)
		}
	})
	return c
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

func (c *testContext) inject(dst tcpip.LinkAddress, proto tcpip.NetworkProtocolNumber, payload []byte) {
	c.t.Helper()
	frame := make([]byte, header.EthernetMinimumSize+len(payload))
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: remoteLinkAddr,
		DstAddr: dst,
		Type:    proto,
	})
	copy(frame[header.EthernetMinimumSize:], payload)
	if !c.ep.InjectInbound(frame) {
		c.t.Fatalf("InjectInbound rejected frame to %s", dst)
	}
	c.poll()
}

func (c *testContext) readFrame() header.Ethernet {
	c.t.Helper()
	frame, ok := c.ep.Read()
	if !ok {
		c.t.Fatalf("no frame transmitted")
	}
	return header.Ethernet(frame)
}

// readARPTarget reads an ARP request and returns the address it asks for.
func (c *testContext) readARPTarget() tcpip.Address {
	c.t.Helper()
	eth := c.readFrame()
	if eth.Type() != header.ARPProtocolNumber {
		c.t.Fatalf("got ethertype %#04x, want ARP", eth.Type())
	}
	h := header.ARP(eth[header.EthernetMinimumSize:])
	if h.Op() != header.ARPRequest {
		c.t.Fatalf("got ARP op %d, want request", h.Op())
	}
	return h.ProtocolAddressTarget()
}

func (c *testContext) injectARPReply(addr tcpip.Address, linkAddr tcpip.LinkAddress) {
	c.t.Helper()
	pkt := make(header.ARP, header.ARPSize)
	pkt.Encode(&header.ARPFields{
		Op:        header.ARPReply,
		SenderMAC: linkAddr,
		SenderIP:  addr,
		TargetMAC: stationLinkAddr,
		TargetIP:  stationAddr,
	})
	c.inject(stationLinkAddr, header.ARPProtocolNumber, pkt)
}

func ipPacket(src, dst tcpip.Address, proto tcpip.TransportProtocolNumber, payload []byte) header.IPv4 {
	pkt := make(header.IPv4, header.IPv4MinimumSize+len(payload))
	pkt.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(pkt)),
		TTL:         64,
		Protocol:    uint8(proto),
		SrcAddr:     src,
		DstAddr:     dst,
	})
	pkt.SetChecksum(^pkt.CalculateChecksum())
	copy(pkt[header.IPv4MinimumSize:], payload)
	return pkt
}

type completion struct {
	Name string
	Err  tcpip.Error
}

type completions []completion

func (cs *completions) done(name string) ipv4.FrameDone {
	return func(_ *ipv4.Frame, err tcpip.Error) {
		*cs = append(*cs, completion{Name: name, Err: err})
	}
}

func TestSendFrameCoalescesResolution(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	var got completions
	c.do(func() {
		for _, name := range []string{"payload1", "payload2"} {
			if _, err := c.ifc.SendFrame(nil, nil, [][]byte{[]byte(name)}, remoteAddr, got.done(name)); err != nil {
				t.Fatalf("SendFrame(%s): %s", name, err)
			}
		}
		if resolving, sent := c.ifc.PendingFrames(); resolving != 2 || sent != 0 {
			t.Errorf("got PendingFrames() = (%d, %d), want (2, 0)", resolving, sent)
		}
	})
	if target := c.readARPTarget(); target != remoteAddr {
		t.Errorf("got ARP target %s, want %s", target, remoteAddr)
	}
	if n := c.ep.Drain(); n != 0 {
		t.Fatalf("got %d more frames before resolution, want 0", n)
	}
	if len(got) != 0 {
		t.Fatalf("completions before resolution: %+v", got)
	}

	c.injectARPReply(remoteAddr, remoteLinkAddr)
	for _, want := range []string{"payload1", "payload2"} {
		eth := c.readFrame()
		if eth.DestinationAddress() != remoteLinkAddr || eth.Type() != header.IPv4ProtocolNumber {
			t.Errorf("got frame to %s type %#04x, want %s type IPv4", eth.DestinationAddress(), eth.Type(), remoteLinkAddr)
		}
		if got := string(eth[header.EthernetMinimumSize:]); got != want {
			t.Errorf("got payload %q, want %q", got, want)
		}
	}
	want := completions{{Name: "payload1"}, {Name: "payload2"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("completions mismatch (-want +got):\n%s", diff)
	}
	if got := c.stats.ARP.RequestsSent.Value(); got != 1 {
		t.Errorf("got ARP RequestsSent = %d, want 1", got)
	}
	if got := c.stats.IP.PendingResolutions.Value(); got != 2 {
		t.Errorf("got PendingResolutions = %d, want 2", got)
	}

	// The mapping is cached now.
	c.do(func() {
		c.ifc.SendFrame(nil, nil, [][]byte{[]byte("payload3")}, remoteAddr, got.done("payload3"))
	})
	if eth := c.readFrame(); string(eth[header.EthernetMinimumSize:]) != "payload3" {
		t.Errorf("got payload %q, want payload3", eth[header.EthernetMinimumSize:])
	}
}

func TestSendFrameResolutionFailure(t *testing.T) {
	c := newTestContext(t, arp.Options{Attempts: 1, RetryInterval: time.Second})
	var got completions
	c.do(func() {
		c.ifc.SendFrame(nil, nil, [][]byte{[]byte("a")}, remoteAddr, got.done("a"))
		c.ifc.SendFrame(nil, nil, [][]byte{[]byte("b")}, remoteAddr, got.done("b"))
	})
	c.clock.Advance(time.Second)
	c.disp.Drain()

	want := completions{
		{Name: "a", Err: &tcpip.ErrNoMapping{}},
		{Name: "b", Err: &tcpip.ErrNoMapping{}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("completions mismatch (-want +got):\n%s", diff)
	}
	if got := c.stats.IP.ResolutionFailures.Value(); got != 2 {
		t.Errorf("got ResolutionFailures = %d, want 2", got)
	}
	c.do(func() {
		if resolving, sent := c.ifc.PendingFrames(); resolving != 0 || sent != 0 {
			t.Errorf("got PendingFrames() = (%d, %d), want (0, 0)", resolving, sent)
		}
	})
}

func TestSendFrameWithoutResolution(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	tests := []struct {
		name    string
		nextHop tcpip.Address
		want    tcpip.LinkAddress
	}{
		{"limited broadcast", header.IPv4Broadcast, header.EthernetBroadcastAddress},
		{"subnet broadcast", tcpip.MustParseAddress("10.0.0.255"), header.EthernetBroadcastAddress},
		{"classful broadcast", tcpip.MustParseAddress("10.255.255.255"), header.EthernetBroadcastAddress},
		{"multicast", groupAddr, "\x01\x00\x5e\x00\x00\x09"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var got completions
			c.do(func() {
				f, err := c.ifc.SendFrame(nil, nil, [][]byte{[]byte("x")}, test.nextHop, got.done(test.name))
				if err != nil {
					t.Fatalf("SendFrame: %s", err)
				}
				if f.LinkAddress() != test.want {
					t.Errorf("got LinkAddress() = %s, want %s", f.LinkAddress(), test.want)
				}
			})
			if eth := c.readFrame(); eth.DestinationAddress() != test.want {
				t.Errorf("got destination %s, want %s", eth.DestinationAddress(), test.want)
			}
			if diff := cmp.Diff(completions{{Name: test.name}}, got); diff != "" {
				t.Errorf("completions mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if got := c.stats.ARP.RequestsSent.Value(); got != 0 {
		t.Errorf("got ARP RequestsSent = %d, want 0", got)
	}
}

func TestSendFrameNoResolver(t *testing.T) {
	disp := stack.NewDispatcher()
	clock := faketime.NewManualClock()
	svc, err := mnp.NewService(disp, clock, channel.New(8, mtu, stationLinkAddr), mnp.Options{PoolInitial: 2, PoolIncrement: 1, PoolMax: 8})
	if err != nil {
		t.Fatalf("mnp.NewService: %s", err)
	}
	disp.Lock()
	defer disp.Unlock()
	ifc, err := ipv4.NewInterface(disp, svc, nil, nil)
	if err != nil {
		t.Fatalf("NewInterface: %s", err)
	}
	called := false
	done := func(*ipv4.Frame, tcpip.Error) { called = true }
	if _, err := ifc.SendFrame(nil, nil, [][]byte{[]byte("x")}, remoteAddr, done); err == nil {
		t.Fatalf("SendFrame on unconfigured interface succeeded")
	}
	if err := ifc.SetAddress(stationAddr, mask24); err != nil {
		t.Fatalf("SetAddress: %s", err)
	}
	_, err = ifc.SendFrame(nil, nil, [][]byte{[]byte("x")}, remoteAddr, done)
	if diff := cmp.Diff(&tcpip.ErrNoMapping{}, err); diff != "" {
		t.Errorf("SendFrame error mismatch (-want +got):\n%s", diff)
	}
	if called {
		t.Errorf("done called for a synchronously rejected frame")
	}
	ifc.Release()
}

func TestCancelFrames(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	owner1, owner2 := new(int), new(int)
	var got completions
	c.do(func() {
		c.ifc.SendFrame(owner1, nil, [][]byte{[]byte("a")}, remoteAddr, got.done("a"))
		c.ifc.SendFrame(owner2, nil, [][]byte{[]byte("b")}, remoteAddr, got.done("b"))
		c.ifc.SendFrame(owner1, nil, [][]byte{[]byte("c")}, otherAddr, got.done("c"))
	})
	c.ep.Drain()

	c.do(func() {
		c.ifc.CancelInstanceFrames(owner1, &tcpip.ErrAborted{})
		if resolving, _ := c.ifc.PendingFrames(); resolving != 1 {
			t.Errorf("got %d frames resolving, want 1", resolving)
		}
		for _, e := range c.r.Entries() {
			if e.Addr == otherAddr {
				t.Errorf("resolution of %s not withdrawn after its last frame was canceled", otherAddr)
			}
		}
	})
	want := completions{
		{Name: "a", Err: &tcpip.ErrAborted{}},
		{Name: "c", Err: &tcpip.ErrAborted{}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("completions mismatch (-want +got):\n%s", diff)
	}

	// A submitted frame is canceled before the link takes it.
	got = nil
	c.disp.Lock()
	c.ifc.SendFrame(owner2, "ctx", [][]byte{[]byte("d")}, header.IPv4Broadcast, got.done("d"))
	if _, sent := c.ifc.PendingFrames(); sent != 1 {
		t.Errorf("got %d frames sent, want 1", sent)
	}
	c.ifc.CancelFrames(&tcpip.ErrAborted{}, func(f *ipv4.Frame) bool { return f.Context == "ctx" })
	c.disp.Unlock()
	c.disp.Drain()
	if n := c.ep.Drain(); n != 0 {
		t.Errorf("got %d frames on the link after cancel, want 0", n)
	}

	c.do(func() { c.ifc.CancelFrames(&tcpip.ErrAborted{}, nil) })
	want = completions{
		{Name: "d", Err: &tcpip.ErrAborted{}},
		{Name: "b", Err: &tcpip.ErrAborted{}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("completions mismatch (-want +got):\n%s", diff)
	}
	c.do(func() {
		if resolving, sent := c.ifc.PendingFrames(); resolving != 0 || sent != 0 {
			t.Errorf("got PendingFrames() = (%d, %d), want (0, 0)", resolving, sent)
		}
	})
}

func TestReceiveFrameSingleOutstanding(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	c.do(func() {
		// The endpoint already holds the receive.
		err := c.ifc.ReceiveFrame(func(*mnp.ReceiveData, tcpip.Error) {})
		if diff := cmp.Diff(&tcpip.ErrAlreadyStarted{}, err); diff != "" {
			t.Errorf("ReceiveFrame error mismatch (-want +got):\n%s", diff)
		}
		c.ifc.CancelReceive()
	})

	called := 0
	c.do(func() {
		if err := c.ifc.ReceiveFrame(func(d *mnp.ReceiveData, err tcpip.Error) {
			called++
			if err == nil {
				d.Recycle()
			}
		}); err != nil {
			t.Fatalf("ReceiveFrame: %s", err)
		}
		c.ifc.CancelReceive()
	})
	c.inject(stationLinkAddr, header.IPv4ProtocolNumber, ipPacket(remoteAddr, stationAddr, header.UDPProtocolNumber, []byte("x")))
	if called != 0 {
		t.Errorf("canceled receive handler called %d times", called)
	}
}

func TestEndpointReceive(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	c.do(func() {
		if err := c.e.JoinGroup(groupAddr); err != nil {
			t.Fatalf("JoinGroup: %s", err)
		}
	})

	badChecksum := ipPacket(remoteAddr, stationAddr, header.UDPProtocolNumber, []byte("bad"))
	badChecksum[10] ^= 0xff
	fragment := ipPacket(remoteAddr, stationAddr, header.UDPProtocolNumber, []byte("frag"))
	fragment.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(fragment)),
		Flags:       header.IPv4FlagMoreFragments,
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     remoteAddr,
		DstAddr:     stationAddr,
	})
	fragment.SetChecksum(^fragment.CalculateChecksum())

	tests := []struct {
		name    string
		dst     tcpip.LinkAddress
		pkt     header.IPv4
		want    *delivered
		counter func() uint64
	}{
		{
			name: "unicast",
			dst:  stationLinkAddr,
			pkt:  ipPacket(remoteAddr, stationAddr, header.UDPProtocolNumber, []byte("hello")),
			want: &delivered{Source: remoteAddr, Destination: stationAddr, Payload: "hello"},
		},
		{
			name: "broadcast",
			dst:  header.EthernetBroadcastAddress,
			pkt:  ipPacket(remoteAddr, header.IPv4Broadcast, header.UDPProtocolNumber, []byte("all")),
			want: &delivered{Source: remoteAddr, Destination: header.IPv4Broadcast, Payload: "all", LinkBroadcast: true},
		},
		{
			name: "joined multicast",
			dst:  "\x01\x00\x5e\x00\x00\x09",
			pkt:  ipPacket(remoteAddr, groupAddr, header.UDPProtocolNumber, []byte("group")),
			want: &delivered{Source: remoteAddr, Destination: groupAddr, Payload: "group"},
		},
		{
			name:    "bad checksum",
			dst:     stationLinkAddr,
			pkt:     badChecksum,
			counter: c.stats.IP.MalformedPacketsReceived.Value,
		},
		{
			name:    "fragment",
			dst:     stationLinkAddr,
			pkt:     fragment,
			counter: c.stats.IP.FragmentsDropped.Value,
		},
		{
			name:    "other host",
			dst:     stationLinkAddr,
			pkt:     ipPacket(remoteAddr, otherAddr, header.UDPProtocolNumber, []byte("no")),
			counter: c.stats.IP.InvalidDestinationAddressesReceived.Value,
		},
		{
			name:    "unknown protocol",
			dst:     stationLinkAddr,
			pkt:     ipPacket(remoteAddr, stationAddr, 6, []byte("tcp")),
			counter: c.stats.IP.UnknownProtocolReceived.Value,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c.handler.packets = nil
			var before uint64
			if test.counter != nil {
				before = test.counter()
			}
			c.inject(test.dst, header.IPv4ProtocolNumber, test.pkt)
			if test.want == nil {
				if len(c.handler.packets) != 0 {
					t.Errorf("delivered %+v, want drop", c.handler.packets)
				}
				if got := test.counter(); got != before+1 {
					t.Errorf("got counter %d, want %d", got, before+1)
				}
				return
			}
			if diff := cmp.Diff([]delivered{*test.want}, c.handler.packets); diff != "" {
				t.Errorf("delivered mismatch (-want +got):\n%s", diff)
			}
		})
	}

	// The receive survives the drops above.
	c.handler.packets = nil
	c.inject(stationLinkAddr, header.IPv4ProtocolNumber, ipPacket(remoteAddr, stationAddr, header.UDPProtocolNumber, []byte("again")))
	if len(c.handler.packets) != 1 {
		t.Errorf("got %d packets after drops, want 1", len(c.handler.packets))
	}
}

func TestEchoReply(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	c.do(func() { c.r.Add(remoteAddr, remoteLinkAddr) })

	req := make(header.ICMPv4, header.ICMPv4MinimumSize+4)
	req.SetType(header.ICMPv4Echo)
	copy(req[4:], []byte{0x12, 0x34, 0x00, 0x01})
	copy(req.Payload(), "ping")
	req.CalculateChecksum()
	c.inject(stationLinkAddr, header.IPv4ProtocolNumber, ipPacket(remoteAddr, stationAddr, header.ICMPv4ProtocolNumber, req))

	eth := c.readFrame()
	if eth.DestinationAddress() != remoteLinkAddr {
		t.Errorf("got reply to %s, want %s", eth.DestinationAddress(), remoteLinkAddr)
	}
	ip := header.IPv4(eth[header.EthernetMinimumSize:])
	if !ip.IsValid(len(ip)) || !ip.IsChecksumValid() {
		t.Fatalf("reply has an invalid IP header")
	}
	if ip.SourceAddress() != stationAddr || ip.DestinationAddress() != remoteAddr {
		t.Errorf("got reply %s -> %s, want %s -> %s", ip.SourceAddress(), ip.DestinationAddress(), stationAddr, remoteAddr)
	}
	reply := header.ICMPv4(ip.Payload())
	if reply.Type() != header.ICMPv4EchoReply || !reply.IsChecksumValid() {
		t.Errorf("got type %d checksum valid %t, want echo reply with a valid checksum", reply.Type(), reply.IsChecksumValid())
	}
	if reply.Ident() != 0x1234 || reply.Sequence() != 1 || string(reply.Payload()) != "ping" {
		t.Errorf("reply does not echo the request: ident %#x seq %d payload %q", reply.Ident(), reply.Sequence(), reply.Payload())
	}
	if got := c.stats.ICMP.EchoReplySent.Value(); got != 1 {
		t.Errorf("got EchoReplySent = %d, want 1", got)
	}
}

func TestPortUnreachable(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	c.do(func() { c.r.Add(remoteAddr, remoteLinkAddr) })

	udp := make(header.UDP, header.UDPMinimumSize+4)
	udp.Encode(&header.UDPFields{SrcPort: 1000, DstPort: 2000, Length: uint16(len(udp))})
	orig := ipPacket(remoteAddr, stationAddr, header.UDPProtocolNumber, udp)
	s := &ipv4.Session{
		Source:      remoteAddr,
		Destination: stationAddr,
		Header:      orig[:header.IPv4MinimumSize],
	}
	c.do(func() {
		if err := c.e.SendPortUnreachable(s, udp); err != nil {
			t.Fatalf("SendPortUnreachable: %s", err)
		}
		bcast := *s
		bcast.LinkBroadcast = true
		if diff := cmp.Diff(&tcpip.ErrInvalidParameter{}, c.e.SendPortUnreachable(&bcast, udp)); diff != "" {
			t.Errorf("SendPortUnreachable for a broadcast error mismatch (-want +got):\n%s", diff)
		}
	})

	ip := header.IPv4(c.readFrame()[header.EthernetMinimumSize:])
	if ip.Protocol() != uint8(header.ICMPv4ProtocolNumber) || ip.TTL() != 255 {
		t.Errorf("got protocol %d TTL %d, want ICMP TTL 255", ip.Protocol(), ip.TTL())
	}
	msg := header.ICMPv4(ip.Payload())
	if msg.Type() != header.ICMPv4DstUnreachable || msg.Code() != header.ICMPv4PortUnreachable || !msg.IsChecksumValid() {
		t.Errorf("got ICMP %d/%d, want port unreachable with a valid checksum", msg.Type(), msg.Code())
	}
	wantQuote := append(append([]byte(nil), orig[:header.IPv4MinimumSize]...), udp[:8]...)
	if diff := cmp.Diff(wantQuote, []byte(msg.Payload())); diff != "" {
		t.Errorf("quote mismatch (-want +got):\n%s", diff)
	}
	if got := c.stats.ICMP.DstUnreachableSent.Value(); got != 1 {
		t.Errorf("got DstUnreachableSent = %d, want 1", got)
	}
}

func TestDstUnreachableReported(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	udp := make(header.UDP, header.UDPMinimumSize)
	udp.Encode(&header.UDPFields{SrcPort: 1000, DstPort: 2000, Length: header.UDPMinimumSize})
	quoted := ipPacket(stationAddr, remoteAddr, header.UDPProtocolNumber, udp)

	for _, test := range []struct {
		code header.ICMPv4Code
		want tcpip.Error
	}{
		{header.ICMPv4NetUnreachable, &tcpip.ErrNetworkUnreachable{}},
		{header.ICMPv4HostUnreachable, &tcpip.ErrHostUnreachable{}},
		{header.ICMPv4ProtoUnreachable, &tcpip.ErrProtocolUnreachable{}},
		{header.ICMPv4PortUnreachable, &tcpip.ErrPortUnreachable{}},
		{header.ICMPv4FragmentationNeeded, &tcpip.ErrICMPError{}},
	} {
		c.handler.errors = nil
		msg := make(header.ICMPv4, header.ICMPv4MinimumSize+len(quoted))
		msg.SetType(header.ICMPv4DstUnreachable)
		msg.SetCode(test.code)
		copy(msg.Payload(), quoted)
		msg.CalculateChecksum()
		c.inject(stationLinkAddr, header.IPv4ProtocolNumber, ipPacket(remoteAddr, stationAddr, header.ICMPv4ProtocolNumber, msg))

		want := []reported{{
			Source:      remoteAddr,
			Destination: stationAddr,
			Err:         test.want,
			Transport:   []byte(udp),
		}}
		if diff := cmp.Diff(want, c.handler.errors); diff != "" {
			t.Errorf("code %d: reported mismatch (-want +got):\n%s", test.code, diff)
		}
	}
}

func mustSubnet(t *testing.T, addr tcpip.Address, mask tcpip.AddressMask) tcpip.Subnet {
	t.Helper()
	s, err := tcpip.NewSubnet(addr, mask)
	if err != nil {
		t.Fatalf("NewSubnet(%s, %s): %s", addr, mask, err)
	}
	return s
}

func TestRoutes(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	far := tcpip.MustParseAddress("192.168.1.1")
	send := func() tcpip.Error {
		var err tcpip.Error
		c.do(func() {
			_, err = c.e.Send(nil, nil, &ipv4.SendOptions{
				Destination: far,
				Protocol:    header.UDPProtocolNumber,
			}, [][]byte{[]byte("x")}, func(*ipv4.Frame, tcpip.Error) {})
		})
		return err
	}

	if diff := cmp.Diff(&tcpip.ErrNoRoute{}, send()); diff != "" {
		t.Errorf("Send without a default route error mismatch (-want +got):\n%s", diff)
	}

	c.do(func() {
		if err := c.e.Configure(stationAddr, mask24, gatewayAddr); err != nil {
			t.Fatalf("Configure: %s", err)
		}
		want := []ipv4.Route{
			{Subnet: mustSubnet(t, tcpip.MustParseAddress("10.0.0.0"), mask24)},
			{Subnet: mustSubnet(t, tcpip.Address{}, tcpip.AddressMask{}), Gateway: gatewayAddr},
		}
		if diff := cmp.Diff(want, c.e.RouteTable(), cmp.AllowUnexported(tcpip.Subnet{})); diff != "" {
			t.Errorf("route table mismatch (-want +got):\n%s", diff)
		}
	})
	if err := send(); err != nil {
		t.Fatalf("Send via gateway: %s", err)
	}
	if target := c.readARPTarget(); target != gatewayAddr {
		t.Errorf("got ARP target %s, want gateway %s", target, gatewayAddr)
	}

	c.do(func() {
		net16 := tcpip.MustParseAddress("192.168.0.0")
		mask16 := tcpip.MaskFromPrefix(16)
		for _, test := range []struct {
			name    string
			remove  bool
			subnet  tcpip.Address
			mask    tcpip.AddressMask
			gateway tcpip.Address
			want    tcpip.Error
		}{
			{"off-link gateway", false, net16, mask16, tcpip.MustParseAddress("10.1.0.1"), &tcpip.ErrInvalidParameter{}},
			{"host bits set", false, far, mask16, gatewayAddr, &tcpip.ErrInvalidParameter{}},
			{"duplicate", false, tcpip.Address{}, tcpip.AddressMask{}, gatewayAddr, &tcpip.ErrAccessDenied{}},
			{"remove missing", true, net16, mask16, gatewayAddr, &tcpip.ErrNotFound{}},
			{"add", false, net16, mask16, otherAddr, nil},
		} {
			if diff := cmp.Diff(test.want, c.e.Routes(test.remove, test.subnet, test.mask, test.gateway)); diff != "" {
				t.Errorf("%s: Routes error mismatch (-want +got):\n%s", test.name, diff)
			}
		}
	})
	if err := send(); err != nil {
		t.Fatalf("Send via the /16 route: %s", err)
	}
	// The longer prefix wins over the default route.
	if target := c.readARPTarget(); target != otherAddr {
		t.Errorf("got ARP target %s, want %s", target, otherAddr)
	}
}

func TestSendTooLarge(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	c.do(func() {
		_, err := c.e.Send(nil, nil, &ipv4.SendOptions{
			Destination: header.IPv4Broadcast,
			Protocol:    header.UDPProtocolNumber,
		}, [][]byte{make([]byte, mtu)}, func(*ipv4.Frame, tcpip.Error) {})
		if diff := cmp.Diff(&tcpip.ErrBadBufferSize{}, err); diff != "" {
			t.Errorf("Send error mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestReleaseAbortsFrames(t *testing.T) {
	c := newTestContext(t, arp.Options{})
	var got completions
	c.do(func() {
		c.e.Send(nil, nil, &ipv4.SendOptions{Destination: remoteAddr, Protocol: header.UDPProtocolNumber}, [][]byte{[]byte("x")}, got.done("x"))
		c.e.Close()
		if resolving, _ := c.ifc.PendingFrames(); resolving != 0 {
			t.Errorf("got %d frames resolving after Close, want 0", resolving)
		}
		// The creator's reference keeps the interface alive.
		if got := c.svc.NumInstances(); got != 2 {
			t.Errorf("got %d MNP instances, want 2", got)
		}
		c.ifc.Release()
		if got := c.svc.NumInstances(); got != 1 {
			t.Errorf("got %d MNP instances after Release, want 1", got)
		}
	})
	if diff := cmp.Diff(completions{{Name: "x", Err: &tcpip.ErrAborted{}}}, got); diff != "" {
		t.Errorf("completions mismatch (-want +got):\n%s", diff)
	}
	c.do(func() {
		if c.r.Configured() {
			t.Errorf("resolver still configured after the interface was released")
		}
	})
}
