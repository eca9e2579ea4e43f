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
	"io"
	"os"

	"github.com/google/subcommands"
	"fwnet.dev/fwnet/mnpctl/config"
	"fwnet.dev/fwnet/pkg/metric"
	"fwnet.dev/fwnet/pkg/tcpip/node"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	sim simulation
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run a simulation and print protocol counters in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] - run the sim workload quietly and print the counters of both nodes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	s.sim.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || !s.sim.valid() {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var w io.Writer = os.Stdout
	if conf.MetricsOutput != "" {
		out, err := os.Create(conf.MetricsOutput)
		if err != nil {
			Fatalf("creating %q: %v", conf.MetricsOutput, err)
		}
		defer out.Close()
		w = out
	}
	err := s.sim.run(ctx, conf, func(nodes [2]*node.Node) error {
		return writeStats(w, nodes[:]...)
	})
	if err != nil && err != errInterrupted {
		Fatalf("stats: %v", err)
	}
	return subcommands.ExitSuccess
}

// writeStats writes the counters of nodes to w.
func writeStats(w io.Writer, nodes ...*node.Node) error {
	sources := make([]metric.Source, 0, len(nodes))
	for _, n := range nodes {
		sources = append(sources, metric.Source{Link: n.LinkAddress(), Stats: n.Stats()})
	}
	return metric.WriteText(w, sources...)
}
