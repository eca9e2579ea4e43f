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

// Package ports tracks UDP (address, port) reservations and hands out
// ephemeral ports from a rotating cursor.
package ports

import (
	"fmt"
	"math/rand"

	"github.com/google/btree"
	"fwnet.dev/fwnet/pkg/tcpip"
)

const (
	// FirstEphemeral is the first port the cursor hands out. Ports below it
	// are well known and never picked automatically.
	FirstEphemeral = 1024

	// defaultBtreeDegree is set to 2 as btree.New(2) results in a 2-3-4
	// tree.
	defaultBtreeDegree = 2
)

// Reservation is one reserved (address, port) pair. An unspecified address is
// the wildcard, which is a distinct key: it does not conflict with a specific
// address on the same port.
type Reservation struct {
	Addr tcpip.Address
	Port uint16
}

// String implements fmt.Stringer.
func (r Reservation) String() string {
	return fmt.Sprintf("%s:%d", r.Addr, r.Port)
}

// reservation is the tree item for one pair. refs counts the holders sharing
// it.
type reservation struct {
	Reservation
	refs int
}

// Less implements btree.Item.Less. Items are ordered by port, then address.
func (r *reservation) Less(b btree.Item) bool {
	o := b.(*reservation)
	if r.Port != o.Port {
		return r.Port < o.Port
	}
	return r.Addr.Uint32() < o.Addr.Uint32()
}

// Manager owns the reservations of one UDP service.
//
// Manager is not safe for concurrent use; callers serialize access with the
// service's dispatcher.
type Manager struct {
	tree *btree.BTree

	// cursor is the next port to try for an automatic reservation. It stays
	// within [FirstEphemeral, 65535].
	cursor uint16
}

// NewManager creates a manager whose cursor starts at a random port in
// [FirstEphemeral, 2*FirstEphemeral). A nil rng uses the global source.
func NewManager(rng *rand.Rand) *Manager {
	var n int
	if rng != nil {
		n = rng.Intn(FirstEphemeral)
	} else {
		n = rand.Intn(FirstEphemeral)
	}
	return &Manager{
		tree:   btree.New(defaultBtreeDegree),
		cursor: uint16(FirstEphemeral + n),
	}
}

// Cursor returns the next port an automatic reservation starts from.
func (m *Manager) Cursor() uint16 {
	return m.cursor
}

func (m *Manager) get(addr tcpip.Address, port uint16) *reservation {
	item := m.tree.Get(&reservation{Reservation: Reservation{Addr: addr, Port: port}})
	if item == nil {
		return nil
	}
	return item.(*reservation)
}

// IsReserved reports whether (addr, port) is held.
func (m *Manager) IsReserved(addr tcpip.Address, port uint16) bool {
	return m.get(addr, port) != nil
}

// advance moves the cursor one port forward, skipping the well-known range
// on wrap.
func (m *Manager) advance() {
	m.cursor++
	if m.cursor == 0 {
		m.cursor = FirstEphemeral
	}
}

// Reserve reserves port on addr and returns the port held.
//
// A non-zero port is reserved as requested; unless shared is set it fails
// with ErrAccessDenied when another holder already owns the pair. A zero port
// takes the cursor's port: a shared reservation takes it as is, otherwise the
// cursor walks forward until it finds a free pair and fails with
// ErrOutOfResources after a full wrap. The cursor moves past every
// automatically assigned port.
func (m *Manager) Reserve(addr tcpip.Address, port uint16, shared bool) (uint16, tcpip.Error) {
	if port != 0 {
		if !shared && m.IsReserved(addr, port) {
			return 0, &tcpip.ErrAccessDenied{}
		}
		m.add(addr, port)
		return port, nil
	}

	if !shared {
		start := m.cursor
		for m.IsReserved(addr, m.cursor) {
			m.advance()
			if m.cursor == start {
				return 0, &tcpip.ErrOutOfResources{}
			}
		}
	}
	port = m.cursor
	m.advance()
	m.add(addr, port)
	return port, nil
}

func (m *Manager) add(addr tcpip.Address, port uint16) {
	if r := m.get(addr, port); r != nil {
		r.refs++
		return
	}
	m.tree.ReplaceOrInsert(&reservation{
		Reservation: Reservation{Addr: addr, Port: port},
		refs:        1,
	})
}

// Release drops one hold on (addr, port). The pair becomes free when its last
// holder releases it.
func (m *Manager) Release(addr tcpip.Address, port uint16) tcpip.Error {
	r := m.get(addr, port)
	if r == nil {
		return &tcpip.ErrNotFound{}
	}
	r.refs--
	if r.refs == 0 {
		m.tree.Delete(r)
	}
	return nil
}

// Holders returns the number of holders of (addr, port).
func (m *Manager) Holders(addr tcpip.Address, port uint16) int {
	if r := m.get(addr, port); r != nil {
		return r.refs
	}
	return 0
}

// PortUsers returns every reservation on port, in address order.
func (m *Manager) PortUsers(port uint16) []Reservation {
	var rs []Reservation
	m.tree.AscendGreaterOrEqual(&reservation{Reservation: Reservation{Port: port}}, func(i btree.Item) bool {
		r := i.(*reservation)
		if r.Port != port {
			return false
		}
		rs = append(rs, r.Reservation)
		return true
	})
	return rs
}

// Reservations returns every reservation ordered by port, then address.
func (m *Manager) Reservations() []Reservation {
	rs := make([]Reservation, 0, m.tree.Len())
	m.tree.Ascend(func(i btree.Item) bool {
		rs = append(rs, i.(*reservation).Reservation)
		return true
	})
	return rs
}

// Len returns the number of distinct reserved pairs.
func (m *Manager) Len() int {
	return m.tree.Len()
}
