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

// Package arp implements IPv4-over-Ethernet address resolution on top of an
// MNP instance.
//
// A Resolver owns one MNP instance filtered to the ARP ethertype. It answers
// requests for the station address, learns sender mappings and resolves next
// hops for the IPv4 layer through stack.LinkAddressResolver.
//
// All methods must be called within the dispatcher's critical section.
package arp

import (
	"container/list"
	"time"

	"fwnet.dev/fwnet/pkg/log"
	"fwnet.dev/fwnet/pkg/tcpip"
	"fwnet.dev/fwnet/pkg/tcpip/header"
	"fwnet.dev/fwnet/pkg/tcpip/link/mnp"
	"fwnet.dev/fwnet/pkg/tcpip/stack"
)

const (
	// DefaultLifetime is how long a resolved entry stays valid.
	DefaultLifetime = 20 * time.Minute

	// DefaultRetryInterval is the time between requests for an unresolved
	// address.
	DefaultRetryInterval = time.Second

	// DefaultAttempts is the number of requests sent before a resolution
	// fails.
	DefaultAttempts = 3

	// DefaultCacheSize is the maximum number of cache entries.
	DefaultCacheSize = 512
)

// Options configures a Resolver. Zero fields take their defaults.
type Options struct {
	Lifetime      time.Duration
	RetryInterval time.Duration
	Attempts      int
	CacheSize     int

	// Stats receives the resolver's counters. If nil, a private set is used.
	Stats *tcpip.ARPStats
}

func (o *Options) setDefaults() {
	if o.Lifetime <= 0 {
		o.Lifetime = DefaultLifetime
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.Stats == nil {
		stats := tcpip.Stats{}.FillIn()
		o.Stats = &stats.ARP
	}
}

// Resolver resolves IPv4 addresses to Ethernet addresses.
type Resolver struct {
	disp  *stack.Dispatcher
	clock tcpip.Clock
	svc   *mnp.Service
	inst  *mnp.Instance
	opts  Options
	stats *tcpip.ARPStats

	station    tcpip.Address
	configured bool
	closed     bool

	cache cache

	// rxTok is the outstanding receive token, nil if none is posted.
	rxTok *mnp.CompletionToken
}

var _ stack.LinkAddressResolver = (*Resolver)(nil)

// New creates a resolver bound to a new instance of svc. The instance stays
// unconfigured until a station address is set.
func New(disp *stack.Dispatcher, clock tcpip.Clock, svc *mnp.Service, opts Options) (*Resolver, tcpip.Error) {
	opts.setDefaults()
	inst, err := svc.NewInstance()
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		disp:  disp,
		clock: clock,
		svc:   svc,
		inst:  inst,
		opts:  opts,
		stats: opts.Stats,
	}
	r.cache.init(opts.CacheSize)
	return r, nil
}

// Stats returns the resolver's counters.
func (r *Resolver) Stats() *tcpip.ARPStats {
	return r.stats
}

// StationAddress returns the address the resolver answers for.
func (r *Resolver) StationAddress() tcpip.Address {
	return r.station
}

// Configured reports whether the resolver has a station address.
func (r *Resolver) Configured() bool {
	return r.configured
}

// SetStationAddress sets the address the resolver answers for and sends
// requests from. The unspecified address unconfigures the resolver and fails
// every pending resolution.
func (r *Resolver) SetStationAddress(addr tcpip.Address) tcpip.Error {
	if r.closed {
		return &tcpip.ErrNotStarted{}
	}
	if addr.Unspecified() {
		if !r.configured {
			return nil
		}
		r.configured = false
		r.station = addr
		r.rxTok = nil
		r.failPending()
		return r.inst.Configure(nil)
	}
	if !header.IsV4UnicastAddress(addr, tcpip.AddressMask{}) {
		return &tcpip.ErrInvalidParameter{}
	}
	r.station = addr
	if r.configured {
		return nil
	}
	config := mnp.DefaultConfig()
	config.ProtocolTypeFilter = header.ARPProtocolNumber
	config.EnableUnicastReceive = true
	config.EnableBroadcastReceive = true
	if err := r.inst.Configure(&config); err != nil {
		return err
	}
	r.configured = true
	r.armReceive()
	log.Debugf("arp: station address %s on %s", addr, r.svc.LinkAddress())
	return nil
}

// Close fails pending resolutions and releases the MNP instance.
func (r *Resolver) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.configured = false
	r.rxTok = nil
	r.failPending()
	r.cache.clear()
	if err := r.svc.DestroyInstance(r.inst); err != nil {
		log.Warningf("arp: destroying instance: %s", err)
	}
}

// Request implements stack.LinkAddressResolver.Request.
func (r *Resolver) Request(addr tcpip.Address, w stack.ResolutionWaiter) (tcpip.LinkAddress, tcpip.Error) {
	if !r.configured {
		return "", &tcpip.ErrNotStarted{}
	}
	now := r.clock.NowMonotonic()
	e, evicted := r.cache.getOrCreate(addr)
	if evicted != nil {
		r.fail(evicted)
	}
	switch e.state {
	case ready:
		if !now.After(e.expiration) {
			return e.linkAddr, nil
		}
		e.reset()
		fallthrough
	case incomplete:
		if w != nil && !e.hasWaiter(w) {
			e.waiters = append(e.waiters, w)
		}
		if e.timer == nil {
			r.startResolution(e)
		}
		return "", &tcpip.ErrWouldBlock{}
	default:
		panic("arp: invalid entry state " + e.state.String())
	}
}

// Cancel implements stack.LinkAddressResolver.Cancel. A resolution with no
// waiters left is abandoned.
func (r *Resolver) Cancel(addr tcpip.Address, w stack.ResolutionWaiter) tcpip.Error {
	e := r.cache.get(addr)
	if e == nil || e.state != incomplete || !e.removeWaiter(w) {
		return &tcpip.ErrNotFound{}
	}
	if len(e.waiters) == 0 {
		e.stopTimer()
		r.cache.remove(e)
	}
	return nil
}

// Add inserts or refreshes a resolved mapping, completing any pending
// resolution for addr.
func (r *Resolver) Add(addr tcpip.Address, linkAddr tcpip.LinkAddress) tcpip.Error {
	if len(linkAddr) != header.EthernetAddressSize || linkAddr == header.EthernetZeroAddress {
		return &tcpip.ErrInvalidParameter{}
	}
	r.learn(addr, linkAddr)
	return nil
}

// Remove deletes the mapping for addr, failing any pending resolution.
func (r *Resolver) Remove(addr tcpip.Address) tcpip.Error {
	e := r.cache.get(addr)
	if e == nil {
		return &tcpip.ErrNotFound{}
	}
	r.cache.remove(e)
	r.fail(e)
	return nil
}

// Entry describes one cache entry.
type Entry struct {
	Addr     tcpip.Address
	LinkAddr tcpip.LinkAddress
	Resolved bool
}

// Entries returns the cache contents, most recently used first.
func (r *Resolver) Entries() []Entry {
	var entries []Entry
	r.cache.each(func(e *entry) {
		entries = append(entries, Entry{
			Addr:     e.addr,
			LinkAddr: e.linkAddr,
			Resolved: e.state == ready,
		})
	})
	return entries
}

func (r *Resolver) startResolution(e *entry) {
	e.attempts = 0
	r.sendRequest(e.addr)
	e.attempts++
	e.timer = r.clock.AfterFunc(r.opts.RetryInterval, func() {
		r.disp.Post(func() { r.checkRequest(e) })
	})
}

// checkRequest runs when a request times out. It either retries or fails the
// entry once all attempts are used.
func (r *Resolver) checkRequest(e *entry) {
	if r.cache.get(e.addr) != e || e.state != incomplete || e.timer == nil {
		// Resolved, canceled or evicted meanwhile.
		return
	}
	if e.attempts < r.opts.Attempts {
		r.sendRequest(e.addr)
		e.attempts++
		e.timer.Reset(r.opts.RetryInterval)
		return
	}
	r.stats.ResolutionFailures.Increment()
	log.Debugf("arp: resolution of %s failed after %d attempts", e.addr, e.attempts)
	r.cache.remove(e)
	r.fail(e)
}

// learn records addr -> linkAddr and wakes the entry's waiters.
func (r *Resolver) learn(addr tcpip.Address, linkAddr tcpip.LinkAddress) {
	e, evicted := r.cache.getOrCreate(addr)
	if evicted != nil {
		r.fail(evicted)
	}
	e.stopTimer()
	e.linkAddr = linkAddr
	e.expiration = r.clock.NowMonotonic().Add(r.opts.Lifetime)
	if e.state == ready {
		return
	}
	e.state = ready
	waiters := e.waiters
	e.waiters = nil
	for _, w := range waiters {
		w.OnResolved(addr, linkAddr)
	}
}

// fail wakes e's waiters with the zero address. e must already be out of the
// cache.
func (r *Resolver) fail(e *entry) {
	e.stopTimer()
	waiters := e.waiters
	e.waiters = nil
	for _, w := range waiters {
		w.OnResolved(e.addr, "")
	}
}

func (r *Resolver) failPending() {
	var pending []*entry
	r.cache.each(func(e *entry) {
		if e.state == incomplete {
			pending = append(pending, e)
		}
	})
	for _, e := range pending {
		r.cache.remove(e)
		r.fail(e)
	}
}

// cache is a fixed-size LRU map of entries.
type cache struct {
	size  int
	table map[tcpip.Address]*entry
	lru   list.List
}

func (c *cache) init(size int) {
	c.size = size
	c.table = make(map[tcpip.Address]*entry)
	c.lru.Init()
}

func (c *cache) get(addr tcpip.Address) *entry {
	return c.table[addr]
}

// getOrCreate returns the entry for addr, bumped to the front of the LRU. If
// the cache is full, the least recently used entry is evicted and returned so
// its waiters can be failed.
func (c *cache) getOrCreate(addr tcpip.Address) (e *entry, evicted *entry) {
	if e, ok := c.table[addr]; ok {
		c.lru.MoveToFront(e.elem)
		return e, nil
	}
	if len(c.table) >= c.size {
		evicted = c.lru.Back().Value.(*entry)
		c.remove(evicted)
	}
	e = &entry{addr: addr}
	e.elem = c.lru.PushFront(e)
	c.table[addr] = e
	return e, evicted
}

func (c *cache) remove(e *entry) {
	if c.table[e.addr] != e {
		return
	}
	delete(c.table, e.addr)
	c.lru.Remove(e.elem)
}

func (c *cache) each(fn func(*entry)) {
	for el := c.lru.Front(); el != nil; el = el.Next() {
		fn(el.Value.(*entry))
	}
}

func (c *cache) clear() {
	for _, e := range c.table {
		e.stopTimer()
	}
	c.init(c.size)
}
