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

package header

import (
	"encoding/binary"

	"fwnet.dev/fwnet/pkg/tcpip"
)

const (
	// ARPProtocolNumber is the ARP network protocol number.
	ARPProtocolNumber tcpip.NetworkProtocolNumber = 0x0806

	// ARPSize is the size of an IPv4-over-Ethernet ARP packet.
	ARPSize = 2 + 2 + 1 + 1 + 2 + 2*6 + 2*4
)

// ARPOp is an ARP opcode.
type ARPOp uint16

// Typical ARP opcodes defined in RFC 826.
const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

const (
	arpHardwareEthernet = 1

	arpOffsetOp        = 6
	arpOffsetSenderMAC = 8
	arpOffsetSenderIP  = arpOffsetSenderMAC + EthernetAddressSize
	arpOffsetTargetMAC = arpOffsetSenderIP + IPv4AddressSize
	arpOffsetTargetIP  = arpOffsetTargetMAC + EthernetAddressSize
)

// ARP is an ARP packet stored in a byte array as described in RFC 826.
type ARP []byte

// Op is the ARP opcode.
func (a ARP) Op() ARPOp {
	return ARPOp(binary.BigEndian.Uint16(a[arpOffsetOp:]))
}

// SetOp sets the ARP opcode.
func (a ARP) SetOp(op ARPOp) {
	binary.BigEndian.PutUint16(a[arpOffsetOp:], uint16(op))
}

// SetIPv4OverEthernet configures the ARP packet for IPv4-over-Ethernet.
func (a ARP) SetIPv4OverEthernet() {
	binary.BigEndian.PutUint16(a[0:], arpHardwareEthernet)
	binary.BigEndian.PutUint16(a[2:], uint16(IPv4ProtocolNumber))
	a[4] = EthernetAddressSize
	a[5] = IPv4AddressSize
}

// HardwareAddressSender is the link address of the sender.
func (a ARP) HardwareAddressSender() tcpip.LinkAddress {
	return tcpip.LinkAddress(a[arpOffsetSenderMAC:][:EthernetAddressSize])
}

// ProtocolAddressSender is the protocol address of the sender.
func (a ARP) ProtocolAddressSender() tcpip.Address {
	return tcpip.AddrFromSlice(a[arpOffsetSenderIP:])
}

// HardwareAddressTarget is the link address of the target.
func (a ARP) HardwareAddressTarget() tcpip.LinkAddress {
	return tcpip.LinkAddress(a[arpOffsetTargetMAC:][:EthernetAddressSize])
}

// ProtocolAddressTarget is the protocol address of the target.
func (a ARP) ProtocolAddressTarget() tcpip.Address {
	return tcpip.AddrFromSlice(a[arpOffsetTargetIP:])
}

// ARPFields contains the variable fields of an IPv4-over-Ethernet ARP packet.
type ARPFields struct {
	Op        ARPOp
	SenderMAC tcpip.LinkAddress
	SenderIP  tcpip.Address
	TargetMAC tcpip.LinkAddress
	TargetIP  tcpip.Address
}

// Encode writes a complete IPv4-over-Ethernet ARP packet.
func (a ARP) Encode(f *ARPFields) {
	a.SetIPv4OverEthernet()
	a.SetOp(f.Op)
	copy(a[arpOffsetSenderMAC:][:EthernetAddressSize], f.SenderMAC)
	copy(a[arpOffsetSenderIP:][:IPv4AddressSize], f.SenderIP[:])
	copy(a[arpOffsetTargetMAC:][:EthernetAddressSize], f.TargetMAC)
	copy(a[arpOffsetTargetIP:][:IPv4AddressSize], f.TargetIP[:])
}

// IsValid reports whether this is an ARP packet for IPv4 over Ethernet.
func (a ARP) IsValid() bool {
	if len(a) < ARPSize {
		return false
	}
	return binary.BigEndian.Uint16(a[0:]) == arpHardwareEthernet &&
		binary.BigEndian.Uint16(a[2:]) == uint16(IPv4ProtocolNumber) &&
		a[4] == EthernetAddressSize &&
		a[5] == IPv4AddressSize
}
