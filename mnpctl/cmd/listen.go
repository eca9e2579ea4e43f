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
	"os"

	"github.com/google/subcommands"
	"fwnet.dev/fwnet/mnpctl/config"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/transport/udp"
)

// Listen implements subcommands.Command for the "listen" command.
type Listen struct {
	port      int
	count     int
	broadcast bool
	group     string
}

// Name implements subcommands.Command.Name.
func (*Listen) Name() string {
	return "listen"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Listen) Synopsis() string {
	return "print UDP datagrams received on a port"
}

// Usage implements subcommands.Command.Usage.
func (*Listen) Usage() string {
	return `listen [flags] - bind a UDP port on the configured link and print datagrams.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Listen) SetFlags(f *flag.FlagSet) {
	f.IntVar(&l.port, "port", 0, "UDP port to bind.")
	f.IntVar(&l.count, "count", 0, "exit after this many datagrams. Zero runs until interrupted.")
	f.BoolVar(&l.broadcast, "broadcast", false, "also accept broadcast datagrams.")
	f.StringVar(&l.group, "group", "", "multicast group to join.")
}

// Execute implements subcommands.Command.Execute.
func (l *Listen) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || l.port <= 0 || l.port > 0xffff {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.Address == "" {
		Fatalf("listen requires --address")
	}
	var group tcpip.Address
	if l.group != "" {
		var err error
		if group, err = tcpip.ParseAddress(l.group); err != nil {
			Fatalf("invalid group %q: %v", l.group, err)
		}
	}

	n, cleanup, err := newNode(ctx, conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer cleanup()

	inst, terr := n.NewUDPInstance(&udp.ConfigData{
		UseDefaultAddress: true,
		StationPort:       uint16(l.port),
		AcceptBroadcast:   l.broadcast,
		ReceiveTimeout:    conf.ReceiveTimeout,
		TimeToLive:        udp.DefaultConfig().TimeToLive,
	})
	if terr != nil {
		Fatalf("binding port %d: %v", l.port, terr)
	}
	if l.group != "" {
		n.Do(func() { terr = inst.Groups(true, group) })
		if terr != nil {
			Fatalf("joining %s: %v", group, terr)
		}
	}
	log.Infof("listening on %s:%d", n.IP().Interface().Address(), l.port)

	err = run(ctx, func(ctx context.Context) error {
		for received := 0; l.count == 0 || received < l.count; {
			rx, err := receive(ctx, n, inst)
			if err != nil {
				return err
			}
			printDatagram(os.Stdout, rx)
			n.Do(rx.Recycle)
			received++
		}
		return nil
	}, n)
	if err != nil && err != errInterrupted {
		Fatalf("listen: %v", err)
	}
	return subcommands.ExitSuccess
}
