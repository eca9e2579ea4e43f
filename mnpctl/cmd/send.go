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

package cmd

import (
	"context"
	"flag"
	"strings"
	"time"

	"github.com/google/subcommands"
	"fwnet.dev/fwnet/mnpctl/config"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/transport/udp"
)

// Send implements subcommands.Command for the "send" command.
type Send struct {
	sourcePort int
	count      int
	interval   time.Duration
	ttl        int
}

// Name implements subcommands.Command.Name.
func (*Send) Name() string {
	return "send"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Send) Synopsis() string {
	return "send a UDP datagram"
}

// Usage implements subcommands.Command.Usage.
func (*Send) Usage() string {
	return `send [flags] <address:port> <message> - send message to address:port on the configured link.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Send) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.sourcePort, "source-port", 0, "UDP source port. Zero picks an ephemeral port.")
	f.IntVar(&s.count, "count", 1, "number of datagrams to send.")
	f.DurationVar(&s.interval, "interval", time.Second, "time between datagrams.")
	f.IntVar(&s.ttl, "ttl", header.IPv4DefaultTTL, "IPv4 time to live.")
}

// Execute implements subcommands.Command.Execute.
func (s *Send) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 2 || s.sourcePort < 0 || s.sourcePort > 0xffff || s.ttl <= 0 || s.ttl > 0xff {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.Address == "" {
		Fatalf("send requires --address")
	}
	dst, err := tcpip.ParseFullAddress(f.Arg(0))
	if err != nil {
		Fatalf("invalid destination %q: %v", f.Arg(0), err)
	}
	payload := []byte(strings.Join(f.Args()[1:], " "))

	n, cleanup, err := newNode(ctx, conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer cleanup()

	inst, terr := n.NewUDPInstance(&udp.ConfigData{
		UseDefaultAddress: true,
		StationPort:       uint16(s.sourcePort),
		TimeToLive:        uint8(s.ttl),
	})
	if terr != nil {
		Fatalf("binding port %d: %v", s.sourcePort, terr)
	}

	err = run(ctx, func(ctx context.Context) error {
		for i := 0; i < s.count; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.interval):
				}
			}
			if err := transmit(ctx, n, inst, dst, payload); err != nil {
				return err
			}
			log.Infof("sent %d bytes to %s", len(payload), dst)
		}
		return nil
	}, n)
	if err != nil && err != errInterrupted {
		Fatalf("send: %v", err)
	}
	return subcommands.ExitSuccess
}
