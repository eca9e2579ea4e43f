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
	"math"

	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/checksum"
)

const (
	udpSrcPort  = 0
	udpDstPort  = 2
	udpLength   = 4
	udpChecksum = 6
)

// UDPFields contains the fields of a UDP packet. It is used to describe the
// fields of a packet that needs to be encoded.
type UDPFields struct {
	// SrcPort is the "source port" field of a UDP packet.
	SrcPort uint16

	// DstPort is the "destination port" field of a UDP packet.
	DstPort uint16

	// Length is the "length" field of a UDP packet.
	Length uint16

	// Checksum is the "checksum" field of a UDP packet.
	Checksum uint16
}

// UDP represents a UDP header stored in a byte array.
type UDP []byte

const (
	// UDPMinimumSize is the minimum size of a valid UDP packet.
	UDPMinimumSize = 8

	// UDPMaximumSize is the maximum size of a valid UDP packet. The length field
	// in the UDP header is 16 bits as per RFC 768.
	UDPMaximumSize = math.MaxUint16

	// UDPMaximumDataSize is the largest payload a UDP datagram over IPv4 can
	// carry.
	UDPMaximumDataSize = UDPMaximumSize - IPv4MinimumSize - UDPMinimumSize

	// UDPProtocolNumber is UDP's transport protocol number.
	UDPProtocolNumber tcpip.TransportProtocolNumber = 17
)

// SourcePort returns the "source port" field of the UDP header.
func (b UDP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[udpSrcPort:])
}

// DestinationPort returns the "destination port" field of the UDP header.
func (b UDP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[udpDstPort:])
}

// Length returns the "length" field of the UDP header.
func (b UDP) Length() uint16 {
	return binary.BigEndian.Uint16(b[udpLength:])
}

// Payload returns the data contained in the UDP datagram.
func (b UDP) Payload() []byte {
	return b[UDPMinimumSize:]
}

// Checksum returns the "checksum" field of the UDP header.
func (b UDP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[udpChecksum:])
}

// SetChecksum sets the "checksum" field of the UDP header.
func (b UDP) SetChecksum(xsum uint16) {
	checksum.Put(b[udpChecksum:], xsum)
}

// Encode encodes all the fields of the UDP header.
func (b UDP) Encode(u *UDPFields) {
	binary.BigEndian.PutUint16(b[udpSrcPort:], u.SrcPort)
	binary.BigEndian.PutUint16(b[udpDstPort:], u.DstPort)
	binary.BigEndian.PutUint16(b[udpLength:], u.Length)
	b.SetChecksum(u.Checksum)
}

// CalculateChecksum calculates the checksum of the whole datagram held in b,
// header included, given the pseudo-header checksum for src and dst. The
// checksum field must be zero.
//
// A result of zero is transmitted as all ones, as RFC 768 reserves zero for
// "no checksum".
func (b UDP) CalculateChecksum(src, dst tcpip.Address) uint16 {
	xsum := PseudoHeaderChecksum(UDPProtocolNumber, src, dst, uint16(len(b)))
	xsum = ^checksum.Checksum(b, xsum)
	if xsum == 0 {
		xsum = 0xffff
	}
	return xsum
}

// CalculateChecksumWithPayload calculates the checksum of a datagram whose
// header is b and whose payload is the concatenation of payload, given the
// pseudo-header for src and dst. b holds only the header; its length field
// covers the payload and its checksum field must be zero.
func (b UDP) CalculateChecksumWithPayload(src, dst tcpip.Address, payload [][]byte) uint16 {
	var c checksum.Checksumer
	for _, f := range payload {
		c.Add(f)
	}
	xsum := PseudoHeaderChecksum(UDPProtocolNumber, src, dst, b.Length())
	xsum = checksum.Combine(xsum, c.Checksum())
	xsum = ^checksum.Checksum(b[:UDPMinimumSize], xsum)
	if xsum == 0 {
		xsum = 0xffff
	}
	return xsum
}

// IsChecksumValid returns true if the datagram's checksum is valid or was not
// generated by the sender.
func (b UDP) IsChecksumValid(src, dst tcpip.Address) bool {
	if b.Checksum() == 0 {
		return true
	}
	xsum := PseudoHeaderChecksum(UDPProtocolNumber, src, dst, uint16(len(b)))
	return checksum.Checksum(b, xsum) == 0xffff
}
