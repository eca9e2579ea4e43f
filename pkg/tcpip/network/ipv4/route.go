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

package ipv4

import (
	"slices"

	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
)

// Route is one entry of the routing table. A zero gateway means the subnet
// is on-link.
type Route struct {
	Subnet  tcpip.Subnet
	Gateway tcpip.Address
}

// routeTable is ordered by decreasing prefix length so the first match is the
// longest.
type routeTable struct {
	routes []Route
}

func (t *routeTable) index(subnet tcpip.Subnet, gateway tcpip.Address) int {
	return slices.IndexFunc(t.routes, func(r Route) bool {
		return r.Subnet == subnet && r.Gateway == gateway
	})
}

func (t *routeTable) add(r Route) tcpip.Error {
	if t.index(r.Subnet, r.Gateway) >= 0 {
		return &tcpip.ErrAccessDenied{}
	}
	i, _ := slices.BinarySearchFunc(t.routes, r, func(a, b Route) int {
		// Equal prefixes keep insertion order.
		if a.Subnet.Prefix() >= b.Subnet.Prefix() {
			return -1
		}
		return 1
	})
	t.routes = slices.Insert(t.routes, i, r)
	return nil
}

func (t *routeTable) remove(subnet tcpip.Subnet, gateway tcpip.Address) tcpip.Error {
	i := t.index(subnet, gateway)
	if i < 0 {
		return &tcpip.ErrNotFound{}
	}
	t.routes = slices.Delete(t.routes, i, i+1)
	return nil
}

// removeOnLink drops every route without a gateway.
func (t *routeTable) removeOnLink() {
	t.routes = slices.DeleteFunc(t.routes, func(r Route) bool {
		return r.Gateway.Unspecified()
	})
}

// lookup returns the next hop for dst.
func (t *routeTable) lookup(dst tcpip.Address) (tcpip.Address, bool) {
	for _, r := range t.routes {
		if !r.Subnet.Contains(dst) {
			continue
		}
		if r.Gateway.Unspecified() {
			return dst, true
		}
		return r.Gateway, true
	}
	return tcpip.Address{}, false
}

// nextHop picks the link-level next hop for dst. An explicit gateway wins;
// broadcast and multicast destinations are sent directly.
func (e *Endpoint) nextHop(dst, gateway tcpip.Address) (tcpip.Address, tcpip.Error) {
	if !gateway.Unspecified() {
		return gateway, nil
	}
	if e.ifc.IsBroadcast(dst) || header.IsV4MulticastAddress(dst) {
		return dst, nil
	}
	if hop, ok := e.routes.lookup(dst); ok {
		return hop, nil
	}
	return tcpip.Address{}, &tcpip.ErrNoRoute{}
}

// Routes adds or removes a route. The gateway, if any, must be a unicast
// address on the station's subnet.
func (e *Endpoint) Routes(remove bool, subnetAddr tcpip.Address, mask tcpip.AddressMask, gateway tcpip.Address) tcpip.Error {
	if !e.ifc.Configured() {
		return &tcpip.ErrNotStarted{}
	}
	subnet, err := tcpip.NewSubnet(subnetAddr, mask)
	if err != nil {
		return &tcpip.ErrInvalidParameter{}
	}
	if remove {
		return e.routes.remove(subnet, gateway)
	}
	if !gateway.Unspecified() {
		if !header.IsV4UnicastAddress(gateway, e.ifc.Subnet().Mask()) || !e.ifc.Subnet().Contains(gateway) {
			return &tcpip.ErrInvalidParameter{}
		}
	}
	return e.routes.add(Route{Subnet: subnet, Gateway: gateway})
}

// RouteTable returns a copy of the routing table, longest prefix first.
func (e *Endpoint) RouteTable() []Route {
	return slices.Clone(e.routes.routes)
}
