// Package platform is the narrow seam between the kernel and the
// "external collaborators" spec.md places out of scope: the discrete-event
// engine's clock, host model, and link model. The kernel never constructs
// hosts, disks, or links itself — it only ever asks a Platform for them.
//
// Time is modeled with github.com/benbjohnson/clock rather than the real
// wall clock: every service is handed a clock.Clock, and a simulation run
// drives a clock.Mock forward explicitly (Advance), so "10 seconds" of
// simulated compute never costs 10 real seconds and tests are
// deterministic.
package platform

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Host describes one simulated compute node.
type Host struct {
	Name     string
	Cores    int
	MemBytes int64
	FlopRate float64 // flops/sec per core, > 0 for a usable host
}

// Disk describes one simulated block device mounted on a host.
type Disk struct {
	Host          string
	MountPoint    string
	SizeBytes     int64
	ReadBps       int64
	WriteBps      int64
}

// Link describes a simulated network link between two named endpoints.
type Link struct {
	Name        string
	BandwidthBps int64
	LatencySec   float64
}

// Platform is the read-only view every service depends on. Concrete
// platforms (an XML-loaded one, a generated one) all implement it; the
// kernel never downcasts to a concrete type except in test setup.
type Platform interface {
	Hosts() []string
	HostCores(host string) int
	HostMemory(host string) int64
	HostFlopRate(host string) float64
	HostIsOn(host string) bool
	DiskSize(host, mount string) int64
	DiskBandwidth(host, mount string) (readBps, writeBps int64)
	LinkExists(link string) bool
	Clock() clock.Clock
}

// Simulated is an in-memory Platform implementation for tests and for
// embedding a simulation without a real XML-loaded platform. It also
// exposes the host on/off toggles and clock advancement a test harness
// needs to drive scenarios like S5/S6, which the read-only Platform
// interface intentionally does not.
type Simulated struct {
	mu     sync.RWMutex
	hosts  map[string]*Host
	disks  map[string][]*Disk // keyed by host
	links  map[string]*Link
	routes map[string]string // endpoint pair -> link name
	down   map[string]bool
	clk    *clock.Mock
}

// NewSimulated creates an empty simulated platform with its own virtual clock.
func NewSimulated() *Simulated {
	return &Simulated{
		hosts:  make(map[string]*Host),
		disks:  make(map[string][]*Disk),
		links:  make(map[string]*Link),
		routes: make(map[string]string),
		down:   make(map[string]bool),
		clk:    clock.NewMock(),
	}
}

// AddHost registers a host. FlopRate defaults to 1e9 (1 Gflop/s/core) if zero.
func (s *Simulated) AddHost(h Host) {
	if h.FlopRate == 0 {
		h.FlopRate = 1e9
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := h
	s.hosts[h.Name] = &cp
}

// AddDisk registers a disk mounted on a host.
func (s *Simulated) AddDisk(d Disk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	s.disks[d.Host] = append(s.disks[d.Host], &cp)
}

// AddLink registers a network link.
func (s *Simulated) AddLink(l Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := l
	s.links[l.Name] = &cp
}

// AddRoute binds the traffic between two endpoints to a registered
// link. Routes are symmetric.
func (s *Simulated) AddRoute(a, b, link string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[a+"|"+b] = link
}

// Route resolves the link carrying traffic between two endpoints,
// returning its bandwidth and latency. The message fabric charges every
// transfer against this, so an unrouted pair reads as not found (and is
// delivered without delay).
func (s *Simulated) Route(from, to string) (bandwidthBps int64, latencySec float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, found := s.routes[from+"|"+to]
	if !found {
		name, found = s.routes[to+"|"+from]
	}
	if !found {
		return 0, 0, false
	}
	l, found := s.links[name]
	if !found {
		return 0, 0, false
	}
	return l.BandwidthBps, l.LatencySec, true
}

// SetHostOn turns a host on or off, the way a crash or a planned outage
// would in the real platform. AES dispatch reacts to this on its next pass.
func (s *Simulated) SetHostOn(host string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[host] = !on
}

// Advance moves the simulated clock forward, firing any due timers.
func (s *Simulated) Advance(d time.Duration) {
	s.clk.Add(d)
}

func (s *Simulated) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.hosts))
	for n := range s.hosts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Simulated) HostCores(host string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.hosts[host]; ok {
		return h.Cores
	}
	return 0
}

func (s *Simulated) HostMemory(host string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.hosts[host]; ok {
		return h.MemBytes
	}
	return 0
}

func (s *Simulated) HostFlopRate(host string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.hosts[host]; ok {
		return h.FlopRate
	}
	return 0
}

func (s *Simulated) HostIsOn(host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.hosts[host]; !ok {
		return false
	}
	return !s.down[host]
}

func (s *Simulated) DiskSize(host, mount string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disks[host] {
		if d.MountPoint == mount {
			return d.SizeBytes
		}
	}
	return 0
}

func (s *Simulated) DiskBandwidth(host, mount string) (int64, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disks[host] {
		if d.MountPoint == mount {
			return d.ReadBps, d.WriteBps
		}
	}
	return 0, 0
}

func (s *Simulated) LinkExists(link string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.links[link]
	return ok
}

func (s *Simulated) Clock() clock.Clock {
	return s.clk
}

// Mock exposes the underlying *clock.Mock for tests that need Set in
// addition to Add.
func (s *Simulated) Mock() *clock.Mock {
	return s.clk
}

var _ Platform = (*Simulated)(nil)
