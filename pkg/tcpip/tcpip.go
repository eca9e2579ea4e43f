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

// Package tcpip provides the interfaces and related types that the fwnet
// protocol engine and its users share.
//
// The engine is IPv4 only: addresses are fixed four byte values and link
// addresses are Ethernet MACs. All protocol state for a link is owned by a
// single dispatcher (see package stack), so most types here carry no locks of
// their own.
package tcpip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Errors that can be returned by the network stack.
var (
	errSubnetAddressMasked = errors.New("subnet address has bits set outside the mask")
	errInvalidMask         = errors.New("subnet mask is not contiguous")
)

// Clock represents the source of the engine's notion of time.
type Clock interface {
	// NowNanoseconds returns the current real time as a number of
	// nanoseconds since the Unix epoch.
	NowNanoseconds() int64

	// NowMonotonic returns the current monotonic clock reading.
	NowMonotonic() MonotonicTime

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. It returns a Timer that can be used to cancel the call using
	// its Stop method.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single event. A Timer must be created with
// Clock.AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if the call stops
	// the timer, false if the timer has already expired or been stopped.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	//
	// Reset should be invoked only on stopped or expired timers. If the timer
	// is known to have expired, Reset can be used directly. Otherwise, the
	// caller must coordinate with the function passed at Clock.AfterFunc.
	Reset(d time.Duration)
}

// MonotonicTime is a monotonic clock reading.
type MonotonicTime struct {
	nanoseconds int64
}

// MonotonicTimeFromNanoseconds wraps a raw monotonic reading.
func MonotonicTimeFromNanoseconds(ns int64) MonotonicTime {
	return MonotonicTime{nanoseconds: ns}
}

// Nanoseconds returns the raw reading.
func (mt MonotonicTime) Nanoseconds() int64 {
	return mt.nanoseconds
}

// Before reports whether the time instant mt is before u.
func (mt MonotonicTime) Before(u MonotonicTime) bool {
	return mt.nanoseconds < u.nanoseconds
}

// After reports whether the time instant mt is after u.
func (mt MonotonicTime) After(u MonotonicTime) bool {
	return mt.nanoseconds > u.nanoseconds
}

// Add returns the monotonic time mt+d.
func (mt MonotonicTime) Add(d time.Duration) MonotonicTime {
	return MonotonicTime{nanoseconds: mt.nanoseconds + int64(d)}
}

// Sub returns the duration mt-u.
func (mt MonotonicTime) Sub(u MonotonicTime) time.Duration {
	return time.Duration(mt.nanoseconds - u.nanoseconds)
}

// Address is an IPv4 address in network byte order.
type Address [4]byte

// AddrFrom4 returns an Address from four bytes.
func AddrFrom4(v [4]byte) Address {
	return Address(v)
}

// AddrFromSlice returns an Address from the first four bytes of b. It
// panics if b is shorter than four bytes.
func AddrFromSlice(b []byte) Address {
	var a Address
	copy(a[:], b[:4])
	return a
}

// AddrFromUint32 returns the Address whose host-order value is v.
func AddrFromUint32(v uint32) Address {
	var a Address
	binary.BigEndian.PutUint32(a[:], v)
	return a
}

// ParseAddress parses a dotted decimal IPv4 address.
func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, err
	}
	if !ip.Is4() {
		return Address{}, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return Address(ip.As4()), nil
}

// MustParseAddress is ParseAddress that panics on error. It is intended for
// tests and static tables.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Uint32 returns the host-order value of a.
func (a Address) Uint32() uint32 {
	return binary.BigEndian.Uint32(a[:])
}

// AsSlice returns a copy of a as a byte slice.
func (a Address) AsSlice() []byte {
	b := a
	return b[:]
}

// Unspecified returns true if a is 0.0.0.0.
func (a Address) Unspecified() bool {
	return a == Address{}
}

// Mask returns a with all host bits cleared.
func (a Address) Mask(m AddressMask) Address {
	var r Address
	for i := range a {
		r[i] = a[i] & m[i]
	}
	return r
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return netip.AddrFrom4(a).String()
}

// AddressMask is a bitmask for an address.
type AddressMask [4]byte

// MaskFromPrefix returns the mask for a prefix of the given length.
func MaskFromPrefix(prefix int) AddressMask {
	if prefix <= 0 {
		return AddressMask{}
	}
	if prefix > 32 {
		prefix = 32
	}
	var m AddressMask
	binary.BigEndian.PutUint32(m[:], ^uint32(0)<<(32-prefix))
	return m
}

// Prefix returns the number of bits before the first host bit.
func (m AddressMask) Prefix() int {
	p := 0
	for _, b := range m {
		p += bits.LeadingZeros8(^b)
	}
	return p
}

// Uint32 returns the host-order value of m.
func (m AddressMask) Uint32() uint32 {
	return binary.BigEndian.Uint32(m[:])
}

// Valid returns true if the mask is a run of ones followed by zeros.
func (m AddressMask) Valid() bool {
	inv := ^m.Uint32()
	return inv&(inv+1) == 0
}

// String implements fmt.Stringer.
func (m AddressMask) String() string {
	return Address(m).String()
}

// Subnet is a subnet defined by its address and mask.
type Subnet struct {
	address Address
	mask    AddressMask
}

// NewSubnet creates a new Subnet, checking that the mask is contiguous and
// that the address has no host bits set.
func NewSubnet(a Address, m AddressMask) (Subnet, error) {
	if !m.Valid() {
		return Subnet{}, errInvalidMask
	}
	if a.Mask(m) != a {
		return Subnet{}, errSubnetAddressMasked
	}
	return Subnet{a, m}, nil
}

// String implements Stringer.
func (s Subnet) String() string {
	return fmt.Sprintf("%s/%d", s.address, s.mask.Prefix())
}

// Contains returns true iff the address matches the subnet address and mask.
func (s Subnet) Contains(a Address) bool {
	return a.Mask(s.mask) == s.address
}

// ID returns the subnet ID.
func (s Subnet) ID() Address {
	return s.address
}

// Prefix returns the number of bits before the first host bit.
func (s Subnet) Prefix() int {
	return s.mask.Prefix()
}

// Mask returns the subnet mask.
func (s Subnet) Mask() AddressMask {
	return s.mask
}

// Broadcast returns the subnet's broadcast address.
func (s Subnet) Broadcast() Address {
	addr := s.address
	for i := range addr {
		addr[i] |= ^s.mask[i]
	}
	return addr
}

// Equal returns true if s equals o.
//
// Needed to use cmp.Equal on Subnet as its fields are unexported.
func (s Subnet) Equal(o Subnet) bool {
	return s == o
}

// NetworkProtocolNumber is the EtherType of a network protocol in an Ethernet
// frame.
type NetworkProtocolNumber uint16

// TransportProtocolNumber is the number of a transport protocol carried in
// the IPv4 protocol field.
type TransportProtocolNumber uint8

// LinkAddress is a byte slice cast as a string that represents a link address.
// It is typically a 6-byte MAC address.
type LinkAddress string

// String implements the fmt.Stringer interface.
func (a LinkAddress) String() string {
	switch len(a) {
	case 6:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// Zero returns true if the address is empty or all of its bytes are zero.
// A zero link address is how a failed resolution is reported.
func (a LinkAddress) Zero() bool {
	for i := 0; i < len(a); i++ {
		if a[i] != 0 {
			return false
		}
	}
	return true
}

// HexString returns the address as contiguous upper case hex digits, the form
// used to key per-link persisted state.
func (a LinkAddress) HexString() string {
	return strings.ToUpper(fmt.Sprintf("%x", []byte(a)))
}

// ParseMACAddress parses an IEEE 802 address.
//
// It must be in the format aa:bb:cc:dd:ee:ff or aa-bb-cc-dd-ee-ff.
func ParseMACAddress(s string) (LinkAddress, error) {
	parts := strings.FieldsFunc(s, func(c rune) bool {
		return c == ':' || c == '-'
	})
	if len(parts) != 6 {
		return "", fmt.Errorf("inconsistent parts: %s", s)
	}
	addr := make([]byte, 0, len(parts))
	for _, part := range parts {
		u, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid hex digits: %s", s)
		}
		addr = append(addr, byte(u))
	}
	return LinkAddress(addr), nil
}

// FullAddress is an IPv4 address and a transport port.
type FullAddress struct {
	Addr Address
	Port uint16
}

// String implements fmt.Stringer.
func (a FullAddress) String() string {
	return fmt.Sprintf("%s:%d", a.Addr, a.Port)
}

// ParseFullAddress parses "a.b.c.d:port".
func ParseFullAddress(s string) (FullAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return FullAddress{}, err
	}
	if !ap.Addr().Is4() {
		return FullAddress{}, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return FullAddress{Addr: Address(ap.Addr().As4()), Port: ap.Port()}, nil
}
