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

package arp

import (
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/link/mnp"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

// armReceive posts a receive token on the instance. The completion hands the
// frame to a dispatcher job so that packet handling never runs inside the
// MNP delivery loop.
func (r *Resolver) armReceive() {
	tok := &mnp.CompletionToken{}
	tok.Completion = stack.NewCompletion(func(tcpip.Error) {
		r.disp.Post(func() { r.onReceive(tok) })
	})
	r.rxTok = tok
	if err := r.inst.Receive(tok); err != nil {
		log.Warningf("arp: posting receive: %s", err)
		r.rxTok = nil
	}
}

func (r *Resolver) onReceive(tok *mnp.CompletionToken) {
	if tok != r.rxTok {
		if tok.RxData != nil {
			tok.RxData.Recycle()
		}
		return
	}
	r.rxTok = nil
	if err := tok.Completion.Status(); err != nil {
		return
	}
	r.handlePacket(tok.RxData)
	tok.RxData.Recycle()
	if r.configured {
		r.armReceive()
	}
}

// handlePacket answers requests for the station address and learns the
// sender of every valid packet addressed to this station or broadcast.
func (r *Resolver) handlePacket(d *mnp.ReceiveData) {
	h := header.ARP(d.Packet.Bytes())
	if !h.IsValid() {
		r.stats.MalformedPacketsReceived.Increment()
		return
	}
	sender := h.ProtocolAddressSender()
	senderMAC := h.HardwareAddressSender()
	target := h.ProtocolAddressTarget()

	switch h.Op() {
	case header.ARPRequest:
		r.stats.RequestsReceived.Increment()
		if target != r.station {
			// Only refresh mappings we already hold for third-party
			// requests.
			if r.cache.get(sender) != nil {
				r.learn(sender, senderMAC)
			}
			return
		}
		r.sendReply(senderMAC, sender)
	case header.ARPReply:
		r.stats.RepliesReceived.Increment()
	default:
		r.stats.MalformedPacketsReceived.Increment()
		return
	}
	if sender.Unspecified() || header.IsMulticastEthernetAddress(senderMAC) {
		return
	}
	r.learn(sender, senderMAC)
}

func (r *Resolver) sendRequest(addr tcpip.Address) {
	if r.transmit(header.EthernetBroadcastAddress, &header.ARPFields{
		Op:        header.ARPRequest,
		SenderMAC: r.svc.LinkAddress(),
		SenderIP:  r.station,
		TargetMAC: header.EthernetZeroAddress,
		TargetIP:  addr,
	}) {
		r.stats.RequestsSent.Increment()
	}
}

func (r *Resolver) sendReply(dst tcpip.LinkAddress, addr tcpip.Address) {
	if r.transmit(dst, &header.ARPFields{
		Op:        header.ARPReply,
		SenderMAC: r.svc.LinkAddress(),
		SenderIP:  r.station,
		TargetMAC: dst,
		TargetIP:  addr,
	}) {
		r.stats.RepliesSent.Increment()
	}
}

// transmit queues one ARP packet. Each packet gets its own buffer since the
// frame is copied to the device only when the MNP job runs.
func (r *Resolver) transmit(dst tcpip.LinkAddress, f *header.ARPFields) bool {
	pkt := make(header.ARP, header.ARPSize)
	pkt.Encode(f)
	tok := &mnp.CompletionToken{
		Completion: stack.NewCompletion(nil),
		TxData: &mnp.TransmitData{
			DestinationAddress: dst,
			ProtocolType:       header.ARPProtocolNumber,
			DataLength:         len(pkt),
			Fragments:          [][]byte{pkt},
		},
	}
	if err := r.inst.Transmit(tok); err != nil {
		log.Warningf("arp: transmit op %d for %s: %s", f.Op, f.TargetIP, err)
		return false
	}
	return true
}
