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

// Package checksum implements the Internet checksum of RFC 1071.
package checksum

import (
	"encoding/binary"
)

// Size is the size of a checksum.
//
// The checksum is held in a uint16 which is 2 bytes.
const Size = 2

// Put puts the checksum in the provided byte slice.
func Put(b []byte, xsum uint16) {
	binary.BigEndian.PutUint16(b, xsum)
}

// sum adds buf to the running sum initial. If odd is set, the first byte of
// buf is the low half of a 16-bit word started by a previous call. It returns
// the folded sum and whether buf ended in the middle of a word.
func sum(buf []byte, odd bool, initial uint16) (uint16, bool) {
	acc := uint64(initial)
	if odd && len(buf) > 0 {
		acc += uint64(buf[0])
		buf = buf[1:]
	}
	// Sum four words at a time; a uint64 cannot overflow for any buffer an
	// IPv4 packet can carry.
	for len(buf) >= 8 {
		acc += uint64(binary.BigEndian.Uint32(buf)) + uint64(binary.BigEndian.Uint32(buf[4:]))
		buf = buf[8:]
	}
	for len(buf) >= 2 {
		acc += uint64(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	odd = len(buf) == 1
	if odd {
		acc += uint64(buf[0]) << 8
	}
	for acc > 0xffff {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	return uint16(acc), odd
}

// Checksum calculates the checksum (as defined in RFC 1071) of the bytes in the
// given byte array.
//
// The initial checksum must have been computed on an even number of bytes.
func Checksum(buf []byte, initial uint16) uint16 {
	s, _ := sum(buf, false, initial)
	return s
}

// Combine combines the two uint16 to form their checksum. This is done
// by adding them and the carry.
//
// Note that checksum a must have been computed on an even number of bytes.
func Combine(a, b uint16) uint16 {
	v := uint32(a) + uint32(b)
	return uint16(v + v>>16)
}

// Checksumer calculates checksum defined in RFC 1071 over a sequence of
// fragments of any length.
type Checksumer struct {
	sum uint16
	odd bool
}

// Add adds b to checksum.
func (c *Checksumer) Add(b []byte) {
	if len(b) > 0 {
		c.sum, c.odd = sum(b, c.odd, c.sum)
	}
}

// Checksum returns the latest checksum value.
func (c *Checksumer) Checksum() uint16 {
	return c.sum
}
