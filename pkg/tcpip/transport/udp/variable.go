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

package udp

import (
	"encoding/json"

	"fwnet.dev/fwnet/pkg/log"
)

// ServiceEntry describes one configured instance in the published
// snapshot.
type ServiceEntry struct {
	InstanceHandle uint64
	LocalAddress   string
	LocalPort      uint16
	RemoteAddress  string
	RemotePort     uint16
}

// Variable is the snapshot of a service's configured instances.
type Variable struct {
	DriverHandle string
	Services     []ServiceEntry
}

// Variable returns the current snapshot.
func (s *Service) Variable() Variable {
	v := Variable{DriverHandle: s.opts.DriverHandle}
	for _, inst := range s.instances {
		if !inst.configured {
			continue
		}
		c := &inst.config
		v.Services = append(v.Services, ServiceEntry{
			InstanceHandle: inst.handle,
			LocalAddress:   c.StationAddress.String(),
			LocalPort:      c.StationPort,
			RemoteAddress:  c.RemoteAddress.String(),
			RemotePort:     c.RemotePort,
		})
	}
	return v
}

// VariableName returns the name the snapshot is published under: the link
// address in hexadecimal.
func (s *Service) VariableName() string {
	return s.ep.Interface().Service().LinkAddress().HexString()
}

// publishVariable stores the snapshot, or deletes it when no instance is
// configured. Store failures are logged and otherwise ignored.
func (s *Service) publishVariable() {
	store := s.opts.Store
	if store == nil {
		return
	}
	name := s.VariableName()
	if s.varName != "" && s.varName != name {
		if err := store.Delete(s.varName); err != nil {
			log.Warningf("udp: deleting variable %q: %v", s.varName, err)
		}
	}
	s.varName = name

	v := s.Variable()
	if len(v.Services) == 0 {
		if err := store.Delete(name); err != nil {
			log.Warningf("udp: deleting variable %q: %v", name, err)
		}
		return
	}
	data, err := json.Marshal(&v)
	if err != nil {
		log.Warningf("udp: encoding variable: %v", err)
		return
	}
	if err := store.Set(name, data); err != nil {
		log.Warningf("udp: storing variable %q: %v", name, err)
	}
}

func (s *Service) clearVariable() {
	if s.opts.Store == nil || s.varName == "" {
		return
	}
	if err := s.opts.Store.Delete(s.varName); err != nil {
		log.Warningf("udp: deleting variable %q: %v", s.varName, err)
	}
	s.varName = ""
}
