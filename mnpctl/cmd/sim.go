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
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"fwnet.dev/fwnet/mnpctl/config"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/link/channel"
	"fwnet.dev/fwnet/pkg/tcpip/node"
	"fwnet.dev/fwnet/pkg/tcpip/transport/udp"
	"fwnet.dev/fwnet/pkg/varstore"
)

var (
	simLinkAddrs = [2]tcpip.LinkAddress{"\x02\x00\x00\x00\x01\x01", "\x02\x00\x00\x00\x01\x02"}
	simAddrs     = [2]tcpip.Address{tcpip.MustParseAddress("10.77.0.1"), tcpip.MustParseAddress("10.77.0.2")}
	simMask      = tcpip.MaskFromPrefix(24)
)

// simulation exchanges datagrams between two nodes over a linked pair of
// channel endpoints.
type simulation struct {
	count   int
	port    int
	payload string
	timeout time.Duration

	// out receives one line per delivered datagram. It may be nil.
	out io.Writer
}

// run executes the simulation and calls report before the nodes are torn
// down.
func (s *simulation) run(ctx context.Context, conf *config.Config, report func(nodes [2]*node.Node) error) error {
	var nodes [2]*node.Node
	links := [2]*channel.Endpoint{
		channel.New(channelQueueSize, channelMTU, simLinkAddrs[0]),
		channel.New(channelQueueSize, channelMTU, simLinkAddrs[1]),
	}
	channel.Link(links[0], links[1])
	for i := range nodes {
		opts, err := conf.NodeOptions()
		if err != nil {
			return err
		}
		opts.Device = links[i]
		opts.Address = simAddrs[i]
		opts.Mask = simMask
		opts.Gateway = tcpip.Address{}
		opts.UDP.Store = varstore.NewMemStore()
		n, terr := node.New(opts)
		if terr != nil {
			return fmt.Errorf("creating node %d: %w", i, tcpip.AsError(terr))
		}
		defer n.Close()
		nodes[i] = n
	}

	server, terr := nodes[1].NewUDPInstance(&udp.ConfigData{
		UseDefaultAddress: true,
		StationPort:       uint16(s.port),
		ReceiveTimeout:    conf.ReceiveTimeout,
	})
	if terr != nil {
		return fmt.Errorf("binding server: %w", tcpip.AsError(terr))
	}
	client, terr := nodes[0].NewUDPInstance(&udp.ConfigData{
		UseDefaultAddress: true,
		TimeToLive:        udp.DefaultConfig().TimeToLive,
	})
	if terr != nil {
		return fmt.Errorf("binding client: %w", tcpip.AsError(terr))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	dst := tcpip.FullAddress{Addr: simAddrs[1], Port: uint16(s.port)}
	err := run(ctx, func(ctx context.Context) error {
		for i := 0; i < s.count; i++ {
			payload := []byte(fmt.Sprintf("%s %d", s.payload, i))
			if err := transmit(ctx, nodes[0], client, dst, payload); err != nil {
				return fmt.Errorf("datagram %d: %w", i, err)
			}
			rx, err := receive(ctx, nodes[1], server)
			if err != nil {
				return fmt.Errorf("datagram %d: %w", i, err)
			}
			if s.out != nil {
				printDatagram(s.out, rx)
			}
			nodes[1].Do(rx.Recycle)
		}
		return nil
	}, nodes[0], nodes[1])
	if err != nil {
		return err
	}
	if report != nil {
		return report(nodes)
	}
	return nil
}

// Sim implements subcommands.Command for the "sim" command.
type Sim struct {
	sim simulation
}

// Name implements subcommands.Command.Name.
func (*Sim) Name() string {
	return "sim"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Sim) Synopsis() string {
	return "exchange datagrams between two simulated nodes"
}

// Usage implements subcommands.Command.Usage.
func (*Sim) Usage() string {
	return `sim [flags] - run two nodes over an in-memory link and send datagrams from one to the other.
`
}

func (s *simulation) valid() bool {
	return s.count >= 0 && s.port > 0 && s.port <= 0xffff && s.timeout > 0
}

func (s *simulation) setFlags(f *flag.FlagSet) {
	f.IntVar(&s.count, "count", 3, "number of datagrams to exchange.")
	f.IntVar(&s.port, "port", 7, "UDP port of the receiving node.")
	f.StringVar(&s.payload, "payload", "hello", "datagram payload prefix.")
	f.DurationVar(&s.timeout, "timeout", 10*time.Second, "time allowed for the whole exchange.")
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Sim) SetFlags(f *flag.FlagSet) {
	s.sim.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (s *Sim) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || !s.sim.valid() {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	s.sim.out = os.Stdout
	err := s.sim.run(ctx, conf, func(nodes [2]*node.Node) error {
		a, b := nodes[0].Stats(), nodes[1].Stats()
		fmt.Printf("sent %d, delivered %d, arp requests %d\n",
			a.UDP.PacketsSent.Value(), b.UDP.PacketsDelivered.Value(), a.ARP.RequestsSent.Value())
		return nil
	})
	if err != nil && err != errInterrupted {
		Fatalf("sim: %v", err)
	}
	return subcommands.ExitSuccess
}
