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
	"bytes"
	"context"
	"flag"
	"strings"
	"testing"
	"time"

	"fwnet.dev/fwnet/mnpctl/config"
	"fwnet.dev/fwnet/pkg/tcpip/node"
)

func channelConfig(t *testing.T) *config.Config {
	t.Helper()
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(flagSet)
	if err := flagSet.Parse([]string{"-link=channel"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	conf, err := config.NewFromFlags(flagSet)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func TestSimulation(t *testing.T) {
	var out bytes.Buffer
	sim := simulation{count: 3, port: 7, payload: "hi", timeout: 10 * time.Second, out: &out}
	var metrics bytes.Buffer
	err := sim.run(context.Background(), channelConfig(t), func(nodes [2]*node.Node) error {
		if got := nodes[1].Stats().UDP.PacketsDelivered.Value(); got != 3 {
			t.Errorf("got PacketsDelivered = %d, want 3", got)
		}
		return writeStats(&metrics, nodes[:]...)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d datagram lines, want 3:\n%s", len(lines), out.String())
	}
	for i, want := range []string{`"hi 0"`, `"hi 1"`, `"hi 2"`} {
		if !strings.Contains(lines[i], want) || !strings.Contains(lines[i], "10.77.0.2:7") {
			t.Errorf("line %d = %q, want it to contain %s and the server address", i, lines[i], want)
		}
	}

	for _, want := range []string{
		`fwnet_udp_packets_sent{link="02:00:00:00:01:01"} 3`,
		`fwnet_udp_packets_delivered{link="02:00:00:00:01:02"} 3`,
		"# TYPE fwnet_arp_requests_sent counter",
	} {
		if !strings.Contains(metrics.String(), want) {
			t.Errorf("metrics missing %q:\n%s", want, metrics.String())
		}
	}
}

func TestSimulationTimeout(t *testing.T) {
	sim := simulation{count: 1, port: 7, payload: "x", timeout: time.Nanosecond}
	if err := sim.run(context.Background(), channelConfig(t), nil); err == nil {
		t.Errorf("run with an expired deadline succeeded")
	}
}

func TestSimulationValid(t *testing.T) {
	for _, tc := range []struct {
		sim  simulation
		want bool
	}{
		{simulation{count: 1, port: 7, timeout: time.Second}, true},
		{simulation{count: -1, port: 7, timeout: time.Second}, false},
		{simulation{count: 1, port: 0, timeout: time.Second}, false},
		{simulation{count: 1, port: 70000, timeout: time.Second}, false},
		{simulation{count: 1, port: 7}, false},
	} {
		if got := tc.sim.valid(); got != tc.want {
			t.Errorf("%+v.valid() = %t, want %t", tc.sim, got, tc.want)
		}
	}
}
