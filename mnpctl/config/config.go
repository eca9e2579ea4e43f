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

// Package config provides basic infrastructure to set configuration settings
// for mnpctl. It is populated from an optional TOML file and then from
// command line flags.
package config

import (
	"flag"
	"fmt"
	"net/netip"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/link/mnp"
	"fwnet.dev/fwnet/pkg/tcpip/node"
	"fwnet.dev/fwnet/pkg/tcpip/transport/udp"
)

// Link kinds.
const (
	LinkRaw     = "raw"
	LinkChannel = "channel"
)

// Config holds configuration that is not part of a single command.
//
// Fields tagged with "flag" are set from the flag of that name; fields tagged
// with "toml" can also be set from the configuration file. Flags that are
// given explicitly on the command line win over the file.
type Config struct {
	// ConfigFile is the path of an optional TOML file.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format: text, json, logrus or logrus-json.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// DebugLog is the path of an additional log file. Empty logs to stderr
	// only.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// Link selects the device: raw opens an AF_PACKET socket on Interface,
	// channel uses an in-memory link.
	Link string `flag:"link" toml:"link"`

	// Interface is the host network interface used by the raw link.
	Interface string `flag:"interface" toml:"interface"`

	// Address is the station address in CIDR notation, e.g. 10.0.0.2/24.
	// Empty leaves the interface unconfigured.
	Address string `flag:"address" toml:"address"`

	// Gateway is the default gateway. Empty means none.
	Gateway string `flag:"gateway" toml:"gateway"`

	// VarDir is the directory of the persisted variable store. Empty keeps
	// variables in memory.
	VarDir string `flag:"var-dir" toml:"var_dir"`

	// PoolInitial and PoolMax size the MNP buffer pool.
	PoolInitial int `flag:"pool-initial" toml:"pool_initial"`
	PoolMax     int `flag:"pool-max" toml:"pool_max"`

	// ReceiveTimeout is how long a received datagram waits for a listener.
	// Zero waits forever.
	ReceiveTimeout time.Duration `flag:"receive-timeout" toml:"receive_timeout"`

	// UnreachableRate is the number of ICMP port unreachable messages sent
	// per second. Negative disables them.
	UnreachableRate float64 `flag:"unreachable-rate" toml:"unreachable_rate"`

	// UnreachableBurst is the burst size of the unreachable limiter.
	UnreachableBurst int `flag:"unreachable-burst" toml:"unreachable_burst"`

	// MetricsOutput is where the stats command writes. Empty is stdout.
	MetricsOutput string `flag:"metrics-output" toml:"metrics_output"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path of a TOML configuration file. Flags given on the command line override its values.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default), json, logrus, or logrus-json.")
	flagSet.String("debug-log", "", "additional file where logs are written. The following variables are available: %TIMESTAMP%, %COMMAND%, %PID%.")

	// Link flags.
	flagSet.String("link", LinkRaw, "link device: raw (default) or channel.")
	flagSet.String("interface", "eth0", "host network interface used by the raw link.")
	flagSet.String("address", "", "station address in CIDR notation, e.g. 10.0.0.2/24.")
	flagSet.String("gateway", "", "default gateway address.")
	flagSet.String("var-dir", "", "directory where service variables are persisted. Empty keeps them in memory.")

	// Protocol tuning.
	flagSet.Int("pool-initial", mnp.DefaultPoolInitial, "number of receive buffers allocated up front.")
	flagSet.Int("pool-max", mnp.DefaultPoolMax, "maximum number of receive buffers.")
	flagSet.Duration("receive-timeout", 0, "how long a received datagram is queued waiting for a listener. Zero waits forever.")
	flagSet.Float64("unreachable-rate", float64(udp.DefaultUnreachableRate), "ICMP port unreachable messages per second. Negative disables them.")
	flagSet.Int("unreachable-burst", udp.DefaultUnreachableBurst, "burst size of the port unreachable limiter.")
	flagSet.String("metrics-output", "", "file the stats command writes to. Empty is stdout.")
}

// NewFromFlags creates a new Config with values coming from the flag
// defaults, then the configuration file, then the flags that were set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := conf.setFlags(flagSet, false); err != nil {
		return nil, err
	}
	if conf.ConfigFile != "" {
		if err := conf.Load(conf.ConfigFile); err != nil {
			return nil, err
		}
		if err := conf.setFlags(flagSet, true); err != nil {
			return nil, err
		}
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFlags copies flag values into conf. If onlySet is true, only flags given
// on the command line are copied.
func (c *Config) setFlags(flagSet *flag.FlagSet, onlySet bool) error {
	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		if onlySet && !set[name] {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("Flag %q does not implement flag.Getter", name))
		}
		x := reflect.ValueOf(getter.Get())
		if x.Type() != f.Type {
			return fmt.Errorf("flag %q has type %s, field %s has type %s", name, x.Type(), f.Name, f.Type)
		}
		obj.Field(i).Set(x)
	}
	return nil
}

// Load decodes the TOML file at path into c. Keys absent from the file leave
// the current values untouched.
func (c *Config) Load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("loading config %q: unknown keys %v", path, undecoded)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus", "logrus-json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', 'logrus', or 'logrus-json'", c.LogFormat)
	}
	switch c.Link {
	case LinkRaw, LinkChannel:
	default:
		return fmt.Errorf("invalid link %q, must be %q or %q", c.Link, LinkRaw, LinkChannel)
	}
	if c.Link == LinkRaw && c.Interface == "" {
		return fmt.Errorf("the raw link requires an interface")
	}
	if _, _, err := c.StationAddress(); err != nil {
		return err
	}
	if _, err := c.GatewayAddress(); err != nil {
		return err
	}
	if c.PoolInitial < 0 || c.PoolMax < 0 || (c.PoolMax > 0 && c.PoolInitial > c.PoolMax) {
		return fmt.Errorf("invalid buffer pool size: initial %d, max %d", c.PoolInitial, c.PoolMax)
	}
	if c.ReceiveTimeout < 0 {
		return fmt.Errorf("invalid receive timeout %s", c.ReceiveTimeout)
	}
	if c.UnreachableBurst < 0 {
		return fmt.Errorf("invalid unreachable burst %d", c.UnreachableBurst)
	}
	return nil
}

// StationAddress returns the parsed Address, or the unspecified address if
// none is set.
func (c *Config) StationAddress() (tcpip.Address, tcpip.AddressMask, error) {
	if c.Address == "" {
		return tcpip.Address{}, tcpip.AddressMask{}, nil
	}
	p, err := netip.ParsePrefix(c.Address)
	if err != nil {
		return tcpip.Address{}, tcpip.AddressMask{}, fmt.Errorf("invalid address %q: %w", c.Address, err)
	}
	if !p.Addr().Is4() {
		return tcpip.Address{}, tcpip.AddressMask{}, fmt.Errorf("invalid address %q: not IPv4", c.Address)
	}
	return tcpip.Address(p.Addr().As4()), tcpip.MaskFromPrefix(p.Bits()), nil
}

// GatewayAddress returns the parsed Gateway.
func (c *Config) GatewayAddress() (tcpip.Address, error) {
	if c.Gateway == "" {
		return tcpip.Address{}, nil
	}
	addr, err := tcpip.ParseAddress(c.Gateway)
	if err != nil {
		return tcpip.Address{}, fmt.Errorf("invalid gateway %q: %w", c.Gateway, err)
	}
	return addr, nil
}

// NodeOptions returns the node options described by c. The device, clock and
// variable store are left for the caller.
func (c *Config) NodeOptions() (node.Options, error) {
	addr, mask, err := c.StationAddress()
	if err != nil {
		return node.Options{}, err
	}
	gw, err := c.GatewayAddress()
	if err != nil {
		return node.Options{}, err
	}
	opts := node.Options{
		Address: addr,
		Mask:    mask,
		Gateway: gw,
		MNP: mnp.Options{
			PoolInitial: c.PoolInitial,
			PoolMax:     c.PoolMax,
		},
		UDP: udp.Options{
			UnreachableRate:  rate.Limit(c.UnreachableRate),
			UnreachableBurst: c.UnreachableBurst,
		},
	}
	return opts, nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
