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

// Package mnp implements the managed network layer that sits between a link
// device and the protocols using it.
//
// A Service owns one device and the buffer pool its frames are received into.
// Protocols open Instances on the service; each instance selects the frames it
// wants by protocol type and receive filter, and holds its own receive queue
// and transmit and receive token maps. The service programs the device's
// receive filters from the union of its instances' configurations.
//
// All Service and Instance methods must be called from within the
// dispatcher's critical section.
package mnp

import (
	"time"

	"fwnet.dev/fwnet/pkg/buffer"
	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

const (
	// DefaultPoolInitial is the number of receive buffers preallocated.
	DefaultPoolInitial = 512

	// DefaultPoolIncrement is the number of buffers the pool grows by.
	DefaultPoolIncrement = 64

	// DefaultPoolMax is the maximum number of buffers in the pool.
	DefaultPoolMax = 65536

	// DefaultPollInterval is the background polling period.
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultTimeoutCheckInterval is the period of the receive queue
	// timeout check.
	DefaultTimeoutCheckInterval = 10 * time.Millisecond

	// DefaultReceiveQueueLimit is the number of frames an instance queues
	// before dropping the oldest.
	DefaultReceiveQueueLimit = 256

	// pollBudget bounds the number of frames read by one Poll.
	pollBudget = 64
)

// Options configures a Service. Zero fields take their defaults.
type Options struct {
	PoolInitial          int
	PoolIncrement        int
	PoolMax              int
	PollInterval         time.Duration
	TimeoutCheckInterval time.Duration
	ReceiveQueueLimit    int

	// Stats receives the service's counters. If nil, private counters are
	// used.
	Stats *tcpip.MNPStats
}

func (o *Options) setDefaults() {
	if o.PoolInitial == 0 {
		o.PoolInitial = DefaultPoolInitial
	}
	if o.PoolIncrement == 0 {
		o.PoolIncrement = DefaultPoolIncrement
	}
	if o.PoolMax == 0 {
		o.PoolMax = DefaultPoolMax
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.TimeoutCheckInterval == 0 {
		o.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	if o.ReceiveQueueLimit == 0 {
		o.ReceiveQueueLimit = DefaultReceiveQueueLimit
	}
	if o.Stats == nil {
		stats := tcpip.Stats{}.FillIn()
		o.Stats = &stats.MNP
	}
}

// groupAddress is a multicast address joined by at least one instance.
type groupAddress struct {
	addr tcpip.LinkAddress
	refs int
}

// Service multiplexes one link device among instances.
type Service struct {
	disp  *stack.Dispatcher
	clock tcpip.Clock
	dev   stack.LinkDevice
	opts  Options
	stats *tcpip.MNPStats
	drops log.Logger

	// mode is the device state captured when the service was created.
	mode      stack.LinkMode
	bufferLen int
	pool      *buffer.Pool

	instances []*Instance

	// Counts of configured instances and of instances enabling each
	// receive class.
	configured  int
	unicast     int
	multicast   int
	broadcast   int
	promiscuous int
	pollers     int

	// groups is the service-wide list of joined multicast addresses.
	groups []*groupAddress

	// rxCache is the buffer the next frame is received into. It is replaced
	// when a received frame is still referenced by an instance.
	rxCache *buffer.Buffer

	// txBuf holds the frame being transmitted.
	txBuf []byte

	started    bool
	pollJob    *stack.PeriodicJob
	timeoutJob *stack.PeriodicJob

	// programmed is the filter state last written to the device.
	programmed      filterState
	programmedValid bool

	closed bool
}

// NewService returns a service for dev. The device is started when the first
// instance is configured.
func NewService(disp *stack.Dispatcher, clock tcpip.Clock, dev stack.LinkDevice, opts Options) (*Service, tcpip.Error) {
	opts.setDefaults()
	mode := dev.Mode()
	if mode.MTU == 0 || mode.MediaHeaderSize < header.EthernetMinimumSize || len(mode.CurrentAddress) != header.EthernetAddressSize {
		return nil, &tcpip.ErrInvalidParameter{}
	}
	s := &Service{
		disp:      disp,
		clock:     clock,
		dev:       dev,
		opts:      opts,
		stats:     opts.Stats,
		drops:     log.BasicRateLimitedLogger(time.Second),
		mode:      mode,
		bufferLen: int(mode.MTU) + mode.MediaHeaderSize + header.EthernetFCSSize,
	}
	pool, err := buffer.NewPool(s.bufferLen, opts.PoolInitial, opts.PoolIncrement, opts.PoolMax)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	s.txBuf = make([]byte, s.bufferLen)
	s.pollJob = stack.NewPeriodicJob(disp, clock, opts.PollInterval, s.backgroundPoll)
	s.timeoutJob = stack.NewPeriodicJob(disp, clock, opts.TimeoutCheckInterval, s.checkTimeout)
	return s, nil
}

// Pool returns the service's buffer pool. Upper layers acquire transmit
// buffers from it as well.
func (s *Service) Pool() *buffer.Pool {
	return s.pool
}

// Stats returns the service's counters.
func (s *Service) Stats() *tcpip.MNPStats {
	return s.stats
}

// LinkAddress returns the station address of the device.
func (s *Service) LinkAddress() tcpip.LinkAddress {
	return s.mode.CurrentAddress
}

// BroadcastAddress returns the link broadcast address.
func (s *Service) BroadcastAddress() tcpip.LinkAddress {
	return s.mode.BroadcastAddress
}

// MTU returns the largest payload a frame can carry.
func (s *Service) MTU() uint32 {
	return s.mode.MTU
}

// MediaHeaderSize returns the size of the link header.
func (s *Service) MediaHeaderSize() int {
	return s.mode.MediaHeaderSize
}

// Started returns whether the device is running.
func (s *Service) Started() bool {
	return s.started
}

// NewInstance returns an unconfigured instance.
func (s *Service) NewInstance() (*Instance, tcpip.Error) {
	if s.closed {
		return nil, &tcpip.ErrNotStarted{}
	}
	inst := &Instance{
		s:      s,
		config: DefaultConfig(),
	}
	s.instances = append(s.instances, inst)
	return inst, nil
}

// DestroyInstance resets inst and removes it from the service.
func (s *Service) DestroyInstance(inst *Instance) tcpip.Error {
	if inst.s != s || inst.destroyed {
		return &tcpip.ErrNotFound{}
	}
	err := inst.Configure(nil)
	for i, other := range s.instances {
		if other == inst {
			s.instances = append(s.instances[:i], s.instances[i+1:]...)
			break
		}
	}
	inst.destroyed = true
	return err
}

// NumInstances returns the number of instances, configured or not.
func (s *Service) NumInstances() int {
	return len(s.instances)
}

// Close destroys every instance and closes the buffer pool.
func (s *Service) Close() {
	if s.closed {
		return
	}
	for len(s.instances) > 0 {
		s.DestroyInstance(s.instances[0])
	}
	if s.rxCache != nil {
		s.rxCache.DecRef()
		s.rxCache = nil
	}
	s.pool.Close()
	s.closed = true
}

// start is called when an instance becomes configured.
func (s *Service) start() tcpip.Error {
	s.configured++
	if s.configured > 1 {
		return nil
	}
	if err := s.dev.Start(); err != nil {
		if _, ok := err.(*tcpip.ErrAlreadyStarted); !ok {
			s.configured--
			log.Warningf("mnp: starting device %s: %s", s.mode.CurrentAddress, err)
			return &tcpip.ErrDeviceError{}
		}
	}
	s.started = true
	s.programmedValid = false
	s.timeoutJob.Start()
	log.Infof("mnp: device %s started, mtu %d", s.mode.CurrentAddress, s.mode.MTU)
	return nil
}

// stop is called when an instance stops being configured.
func (s *Service) stop() {
	s.configured--
	if s.configured > 0 {
		return
	}
	s.pollJob.Stop()
	s.timeoutJob.Stop()
	if err := s.dev.Stop(); err != nil {
		log.Warningf("mnp: stopping device %s: %s", s.mode.CurrentAddress, err)
	}
	s.started = false
	s.programmedValid = false
	log.Infof("mnp: device %s stopped", s.mode.CurrentAddress)
}

// updatePolling starts or stops the background poll timer.
func (s *Service) updatePolling() {
	if s.pollers > 0 && s.started {
		s.pollJob.Start()
	} else {
		s.pollJob.Stop()
	}
}

func (s *Service) backgroundPoll() {
	s.Poll()
}
