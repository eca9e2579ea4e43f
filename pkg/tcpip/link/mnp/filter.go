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
	"slices"

	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

// filterState is one programming of the device's receive filters.
type filterState struct {
	enable     stack.ReceiveFilter
	disable    stack.ReceiveFilter
	resetMCast bool
	mcast      []tcpip.LinkAddress
}

func (f *filterState) equal(o *filterState) bool {
	return f.enable == o.enable && f.disable == o.disable && f.resetMCast == o.resetMCast && slices.Equal(f.mcast, o.mcast)
}

// addGroup takes a reference on addr and reports whether it is new to the
// service.
func (s *Service) addGroup(addr tcpip.LinkAddress) bool {
	for _, g := range s.groups {
		if g.addr == addr {
			g.refs++
			return false
		}
	}
	s.groups = append(s.groups, &groupAddress{addr: addr, refs: 1})
	return true
}

// removeGroup drops a reference on addr and reports whether the address is no
// longer joined by any instance.
func (s *Service) removeGroup(addr tcpip.LinkAddress) bool {
	for i, g := range s.groups {
		if g.addr != addr {
			continue
		}
		if g.refs--; g.refs > 0 {
			return false
		}
		s.groups = append(s.groups[:i], s.groups[i+1:]...)
		return true
	}
	panic("mnp: leaving group " + addr.String() + " that was never joined")
}

// Groups returns the service-wide joined multicast addresses.
func (s *Service) Groups() []tcpip.LinkAddress {
	addrs := make([]tcpip.LinkAddress, 0, len(s.groups))
	for _, g := range s.groups {
		addrs = append(addrs, g.addr)
	}
	return addrs
}

// computeFilters returns the filter state wanted by the configured instances.
func (s *Service) computeFilters() filterState {
	mask := s.mode.ReceiveFilterMask
	var f filterState
	if s.unicast > 0 {
		f.enable |= stack.ReceiveFilterUnicast
	}
	if s.broadcast > 0 {
		f.enable |= stack.ReceiveFilterBroadcast
	}
	f.resetMCast = true
	if s.multicast > 0 && len(s.groups) > 0 {
		f.resetMCast = false
		switch {
		case len(s.groups) <= s.mode.MaxMCastFilterCount && mask&stack.ReceiveFilterMulticast != 0:
			f.enable |= stack.ReceiveFilterMulticast
			f.mcast = s.Groups()
		case mask&stack.ReceiveFilterPromiscuousMulticast != 0:
			f.enable |= stack.ReceiveFilterPromiscuousMulticast
		default:
			log.Warningf("mnp: %d multicast groups exceed the filter table of %s, falling back to promiscuous receive", len(s.groups), s.mode.CurrentAddress)
			f.enable |= stack.ReceiveFilterPromiscuous
		}
	}
	if s.promiscuous > 0 {
		f.enable |= stack.ReceiveFilterPromiscuous
	}
	f.enable &= mask
	f.disable = mask ^ f.enable
	if f.enable&stack.ReceiveFilterMulticast == 0 {
		f.resetMCast, f.mcast = true, nil
	}
	return f
}

// configReceiveFilters programs the device with the union of the configured
// instances' receive filters. The device is called only when the union
// differs from what it was last programmed with.
func (s *Service) configReceiveFilters() tcpip.Error {
	if !s.started {
		return nil
	}
	f := s.computeFilters()
	if s.programmedValid && f.equal(&s.programmed) {
		return nil
	}
	if err := s.dev.ReceiveFilters(f.enable, f.disable, f.resetMCast, f.mcast); err != nil {
		log.Warningf("mnp: programming receive filters %s on %s: %s", f.enable, s.mode.CurrentAddress, err)
		s.programmedValid = false
		return err
	}
	s.stats.FilterUpdates.Increment()
	s.programmed = f
	s.programmedValid = true
	log.Debugf("mnp: receive filters on %s set to %s with %d multicast addresses", s.mode.CurrentAddress, f.enable, len(f.mcast))
	return nil
}
