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
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
)

// validateTx checks a transmit token against the device's limits.
func (s *Service) validateTx(tok *CompletionToken) tcpip.Error {
	if tok == nil || tok.Completion == nil || tok.TxData == nil {
		return &tcpip.ErrInvalidParameter{}
	}
	td := tok.TxData
	if len(td.Fragments) == 0 || td.DataLength <= 0 || td.DataLength > int(s.mode.MTU) {
		return &tcpip.ErrInvalidParameter{}
	}
	total := 0
	for _, f := range td.Fragments {
		if len(f) == 0 {
			return &tcpip.ErrInvalidParameter{}
		}
		total += len(f)
	}
	if total != td.DataLength+td.HeaderLength {
		return &tcpip.ErrInvalidParameter{}
	}
	if td.DestinationAddress == "" {
		if td.HeaderLength != s.mode.MediaHeaderSize {
			return &tcpip.ErrInvalidParameter{}
		}
	} else if td.HeaderLength != 0 || len(td.DestinationAddress) != header.EthernetAddressSize {
		return &tcpip.ErrInvalidParameter{}
	}
	if td.SourceAddress != "" && len(td.SourceAddress) != header.EthernetAddressSize {
		return &tcpip.ErrInvalidParameter{}
	}
	return nil
}

// Transmit queues the frame described by tok. The frame is written to the
// device from a dispatcher job, after which the token's completion is
// signaled with the device's status.
func (inst *Instance) Transmit(tok *CompletionToken) tcpip.Error {
	if !inst.configured {
		return &tcpip.ErrNotStarted{}
	}
	s := inst.s
	if err := s.validateTx(tok); err != nil {
		return err
	}
	if inst.rxTokens.ContainsCompletion(tok.Completion) || inst.rxTokens.Contains(tok) {
		return &tcpip.ErrAccessDenied{}
	}
	if err := inst.txTokens.Insert(tok, tok.Completion, struct{}{}); err != nil {
		return err
	}
	s.disp.Post(func() {
		inst.transmitQueued(tok)
	})
	return nil
}

// transmitQueued sends tok if it was not canceled in the meantime.
func (inst *Instance) transmitQueued(tok *CompletionToken) {
	if _, ok := inst.txTokens.Remove(tok); !ok {
		return
	}
	s := inst.s
	err := s.transmitFrame(tok.TxData)
	if err != nil {
		s.stats.TransmitErrors.Increment()
		s.drops.Warningf("mnp: transmit on %s: %s", s.mode.CurrentAddress, err)
	} else {
		s.stats.FramesTransmitted.Increment()
	}
	tok.Completion.Signal(err)
}

// transmitFrame assembles td in the transmit buffer and writes it to the
// device.
func (s *Service) transmitFrame(td *TransmitData) tcpip.Error {
	if !s.started {
		return &tcpip.ErrNotStarted{}
	}
	n := 0
	if td.DestinationAddress != "" {
		src := td.SourceAddress
		if src == "" {
			src = s.mode.CurrentAddress
		}
		header.Ethernet(s.txBuf).Encode(&header.EthernetFields{
			SrcAddr: src,
			DstAddr: td.DestinationAddress,
			Type:    td.ProtocolType,
		})
		n = s.mode.MediaHeaderSize
	}
	for _, f := range td.Fragments {
		n += copy(s.txBuf[n:], f)
	}
	if log.IsLogging(log.Debug) {
		eth := header.Ethernet(s.txBuf)
		log.Debugf("mnp: transmit %d bytes %s -> %s type %#04x", n, eth.SourceAddress(), eth.DestinationAddress(), uint16(eth.Type()))
	}
	return s.dev.Transmit(s.txBuf[:n])
}
