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

// Package cmd holds implementations of the mnpctl commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"fwnet.dev/fwnet/mnpctl/config"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/link/channel"
	"fwnet.dev/fwnet/pkg/tcpip/link/rawfile"
	"fwnet.dev/fwnet/pkg/tcpip/node"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
	"fwnet.dev/fwnet/pkg/tcpip/transport/udp"
	"fwnet.dev/fwnet/pkg/varstore"
)

const (
	// openAttempts bounds the retries of a raw device that is not yet up.
	openAttempts = 5

	channelQueueSize = 256
	channelMTU       = 1500
)

// ErrorLogger is where Fatalf writes in addition to stderr.
var ErrorLogger io.Writer

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	msg := fmt.Sprintf(format+"\n", args...)
	fmt.Fprint(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprint(ErrorLogger, msg)
	}
	os.Exit(128)
}

// openDevice opens the link selected by conf. The returned function closes
// it.
func openDevice(ctx context.Context, conf *config.Config) (stack.LinkDevice, func(), error) {
	if conf.Link == config.LinkChannel {
		ep := channel.New(channelQueueSize, channelMTU, tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01"))
		return ep, func() {}, nil
	}
	var dev *rawfile.Device
	op := func() error {
		d, err := rawfile.Open(conf.Interface)
		if err != nil {
			if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
				return backoff.Permanent(err)
			}
			log.Infof("opening %s: %v, retrying", conf.Interface, err)
			return err
		}
		dev = d
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), openAttempts), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, nil, fmt.Errorf("opening interface %q: %w", conf.Interface, err)
	}
	return dev, func() {
		if err := dev.Close(); err != nil {
			log.Warningf("closing %s: %v", conf.Interface, err)
		}
	}, nil
}

// varStore returns the variable store selected by conf.
func varStore(conf *config.Config) (varstore.Store, error) {
	if conf.VarDir == "" {
		return varstore.NewMemStore(), nil
	}
	return varstore.NewFileStore(conf.VarDir)
}

// newNode builds a node over the device selected by conf.
func newNode(ctx context.Context, conf *config.Config) (*node.Node, func(), error) {
	opts, err := conf.NodeOptions()
	if err != nil {
		return nil, nil, err
	}
	if opts.UDP.Store, err = varStore(conf); err != nil {
		return nil, nil, err
	}
	dev, closeDev, err := openDevice(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	opts.Device = dev
	n, terr := node.New(opts)
	if terr != nil {
		closeDev()
		return nil, nil, fmt.Errorf("creating node: %w", tcpip.AsError(terr))
	}
	return n, func() {
		n.Close()
		closeDev()
	}, nil
}

// errInterrupted is returned when the user interrupts a command.
var errInterrupted = errors.New("interrupted")

// run runs the dispatchers of nodes and work concurrently until work returns,
// a dispatcher fails or the process is interrupted.
func run(ctx context.Context, work func(ctx context.Context) error, nodes ...*node.Node) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			if err := n.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			log.Infof("received %s", sig)
			return errInterrupted
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		defer cancel()
		return work(ctx)
	})
	return g.Wait()
}

// receive posts a receive token on inst and waits for it to complete.
func receive(ctx context.Context, n *node.Node, inst *udp.Instance) (*udp.ReceiveData, error) {
	tok := &udp.CompletionToken{Completion: stack.NewCompletion(nil)}
	var terr tcpip.Error
	n.Do(func() { terr = inst.Receive(tok) })
	if terr != nil {
		return nil, tcpip.AsError(terr)
	}
	select {
	case <-ctx.Done():
		n.Do(func() { inst.Cancel(tok) })
		return nil, ctx.Err()
	case <-tok.Completion.Done():
	}
	if err := tok.Completion.Status(); err != nil {
		return nil, tcpip.AsError(err)
	}
	return tok.RxData, nil
}

// transmit sends payload to dst from inst and waits for the send to finish.
func transmit(ctx context.Context, n *node.Node, inst *udp.Instance, dst tcpip.FullAddress, payload []byte) error {
	tok := &udp.CompletionToken{
		Completion: stack.NewCompletion(nil),
		TxData: &udp.TransmitData{
			Session:    &udp.SessionData{DestinationAddress: dst.Addr, DestinationPort: dst.Port},
			DataLength: len(payload),
			Fragments:  [][]byte{payload},
		},
	}
	var terr tcpip.Error
	n.Do(func() { terr = inst.Transmit(tok) })
	if terr != nil {
		return tcpip.AsError(terr)
	}
	if err := tok.Completion.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			n.Do(func() { inst.Cancel(tok) })
		}
		return err
	}
	return nil
}

// printDatagram writes one received datagram to w.
func printDatagram(w io.Writer, rx *udp.ReceiveData) {
	s := rx.Session
	fmt.Fprintf(w, "%s %s:%d -> %s:%d %d bytes: %q\n",
		rx.TimeStamp.Format(time.RFC3339Nano),
		s.SourceAddress, s.SourcePort, s.DestinationAddress, s.DestinationPort,
		rx.DataLength, rx.Packet.Bytes())
}
