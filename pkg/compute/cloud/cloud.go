// Package cloud implements the virtualized cluster service: VM
// lifecycle (create, start, suspend/resume, migrate, shutdown, destroy),
// per-host core and RAM reservation accounting, and job submission onto
// a VM's nested bare-metal service. VMs live in a registry keyed by
// stable id; a VM holds its physical host by name, never by pointer.
package cloud

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wrench-project/wrenchsim/pkg/action"
	"github.com/wrench-project/wrenchsim/pkg/aes"
	"github.com/wrench-project/wrenchsim/pkg/commport"
	"github.com/wrench-project/wrenchsim/pkg/compute/baremetal"
	"github.com/wrench-project/wrenchsim/pkg/executor"
	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/idgen"
	"github.com/wrench-project/wrenchsim/pkg/log"
	"github.com/wrench-project/wrenchsim/pkg/platform"
	"github.com/wrench-project/wrenchsim/pkg/service"
)

// VMState is a virtual machine's lifecycle state.
type VMState int

const (
	VMCreated VMState = iota
	VMRunning
	VMSuspended
	VMShutDown
)

func (s VMState) String() string {
	switch s {
	case VMRunning:
		return "RUNNING"
	case VMSuspended:
		return "SUSPENDED"
	case VMShutDown:
		return "SHUTDOWN"
	default:
		return "CREATED"
	}
}

// Options carries the cloud service's knobs.
type Options struct {
	SupportsStandardJobs bool
	AES                  aes.Options
}

// DefaultOptions supports standard jobs.
func DefaultOptions() Options {
	return Options{SupportsStandardJobs: true}
}

type vm struct {
	id    string
	host  string
	cores int
	ram   int64
	state VMState
	svc   *baremetal.Service
}

// Service is a cloud compute service managing VMs on a pool of physical
// hosts.
type Service struct {
	name    string
	host    string
	plat    platform.Platform
	hub     *commport.Hub
	storage executor.Storage
	opts    Options
	hosts   []string
	logger  zerolog.Logger

	mu            sync.Mutex
	state         service.State
	vms           map[string]*vm
	reservedCores map[string]int
	reservedRAM   map[string]int64
}

// NewService creates a cloud service over the given physical hosts (all
// platform hosts when empty).
func NewService(name, host string, plat platform.Platform, hub *commport.Hub, hosts []string, store executor.Storage, opts Options) (*Service, error) {
	if len(hosts) == 0 {
		hosts = plat.Hosts()
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("cloud service %s: no hosts", name)
	}
	return &Service{
		name:          name,
		host:          host,
		plat:          plat,
		hub:           hub,
		storage:       store,
		opts:          opts,
		hosts:         append([]string(nil), hosts...),
		logger:        log.WithComponent(name),
		state:         service.Down,
		vms:           make(map[string]*vm),
		reservedCores: make(map[string]int),
		reservedRAM:   make(map[string]int64),
	}, nil
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Start brings the service up.
func (s *Service) Start() {
	s.mu.Lock()
	s.state = service.Up
	s.mu.Unlock()
}

// State exposes the lifecycle state.
func (s *Service) State() service.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreateVM reserves cores and RAM on a physical host (a named one, or
// the first that fits) and registers a new VM in the CREATED state.
func (s *Service) CreateVM(host string, cores int, ram int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == service.Down {
		return "", failure.NewServiceIsDown(s.name)
	}
	if cores < 1 {
		return "", failure.NewNotAllowed(s.name, "a VM needs at least one core")
	}

	target := ""
	for _, h := range s.hosts {
		if host != "" && h != host {
			continue
		}
		if s.plat.HostCores(h)-s.reservedCores[h] >= cores &&
			s.plat.HostMemory(h)-s.reservedRAM[h] >= ram {
			target = h
			break
		}
	}
	if target == "" {
		return "", failure.NewNotEnoughResources("vm", s.name)
	}

	id := idgen.New("vm")
	s.vms[id] = &vm{id: id, host: target, cores: cores, ram: ram, state: VMCreated}
	s.reservedCores[target] += cores
	s.reservedRAM[target] += ram
	s.logger.Info().Str("vm", id).Str("host", target).Int("cores", cores).Msg("vm created")
	return id, nil
}

func (s *Service) lookup(id string) (*vm, error) {
	v, ok := s.vms[id]
	if !ok {
		return nil, failure.NewNotAllowed(s.name, fmt.Sprintf("unknown vm %q", id))
	}
	return v, nil
}

// StartVM boots a created or shut-down VM: a bare-metal service scoped
// to the VM's reservation comes up on a virtual single-host platform.
func (s *Service) StartVM(id string) error {
	s.mu.Lock()
	v, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if v.state == VMRunning || v.state == VMSuspended {
		s.mu.Unlock()
		return failure.NewNotAllowed(s.name, fmt.Sprintf("vm %q is already up", id))
	}
	// Flip the state first: the nested service's ledger rebuild reads the
	// VM's cores and RAM through the registry.
	v.state = VMRunning
	host := v.host
	s.mu.Unlock()

	vplat := &vmPlatform{parent: s.plat, svc: s, vmID: id}
	bm, err := newVMBareMetal(id, host, vplat, s.hub, s.storage, s.opts)
	if err != nil {
		s.mu.Lock()
		v.state = VMShutDown
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	v.svc = bm
	s.mu.Unlock()
	bm.Start()
	return nil
}

// newVMBareMetal builds the VM's nested bare-metal service on the
// virtual platform so its AES ledgers see the VM's core/RAM reservation,
// not the physical host's totals.
func newVMBareMetal(id, host string, vplat platform.Platform, hub *commport.Hub, store executor.Storage, opts Options) (*baremetal.Service, error) {
	return baremetal.NewService(id, host, vplat, hub, []string{id}, store,
		baremetal.Options{SupportsStandardJobs: opts.SupportsStandardJobs, SupportsCompoundJobs: true, AES: opts.AES})
}

// ShutdownVM stops a VM's compute service; jobs still running on it fail
// with ServiceIsDown.
func (s *Service) ShutdownVM(id string) error {
	s.mu.Lock()
	v, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if v.state != VMRunning && v.state != VMSuspended {
		s.mu.Unlock()
		return failure.NewNotAllowed(s.name, fmt.Sprintf("vm %q is not up", id))
	}
	svc := v.svc
	v.svc = nil
	v.state = VMShutDown
	s.mu.Unlock()

	if svc != nil {
		svc.Stop(true, aes.StopServiceTerminated)
	}
	return nil
}

// SuspendVM freezes every action running on the VM; their remaining work
// is preserved until ResumeVM.
func (s *Service) SuspendVM(id string) error {
	s.mu.Lock()
	v, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if v.state != VMRunning {
		s.mu.Unlock()
		return failure.NewNotAllowed(s.name, fmt.Sprintf("vm %q is not running", id))
	}
	v.state = VMSuspended
	svc := v.svc
	s.mu.Unlock()

	svc.AES().Suspend()
	return nil
}

// ResumeVM reverses SuspendVM; frozen actions continue from where they
// stopped, their turnaround lengthened by the suspension span.
func (s *Service) ResumeVM(id string) error {
	s.mu.Lock()
	v, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if v.state != VMSuspended {
		s.mu.Unlock()
		return failure.NewNotAllowed(s.name, fmt.Sprintf("vm %q is not suspended", id))
	}
	v.state = VMRunning
	svc := v.svc
	s.mu.Unlock()

	svc.AES().Resume()
	return nil
}

// MigrateVM moves a VM's reservation to another physical host. The VM
// keeps running; its executors bill their remaining work against the
// destination host's clock rate from the next dispatch on.
func (s *Service) MigrateVM(id, dstHost string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(id)
	if err != nil {
		return err
	}
	if dstHost == v.host {
		return nil
	}
	known := false
	for _, h := range s.hosts {
		if h == dstHost {
			known = true
			break
		}
	}
	if !known {
		return failure.NewNotAllowed(s.name, fmt.Sprintf("unknown host %q", dstHost))
	}
	if s.plat.HostCores(dstHost)-s.reservedCores[dstHost] < v.cores ||
		s.plat.HostMemory(dstHost)-s.reservedRAM[dstHost] < v.ram {
		return failure.NewNotEnoughResources(id, s.name)
	}

	s.reservedCores[v.host] -= v.cores
	s.reservedRAM[v.host] -= v.ram
	v.host = dstHost
	s.reservedCores[dstHost] += v.cores
	s.reservedRAM[dstHost] += v.ram
	s.logger.Info().Str("vm", id).Str("host", dstHost).Msg("vm migrated")
	return nil
}

// DestroyVM releases a shut-down VM's reservation and removes it from
// the registry.
func (s *Service) DestroyVM(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(id)
	if err != nil {
		return err
	}
	if v.state == VMRunning || v.state == VMSuspended {
		return failure.NewNotAllowed(s.name, fmt.Sprintf("vm %q is still up", id))
	}
	s.reservedCores[v.host] -= v.cores
	s.reservedRAM[v.host] -= v.ram
	delete(s.vms, id)
	return nil
}

// VMStateOf reports a VM's state.
func (s *Service) VMStateOf(id string) (VMState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(id)
	if err != nil {
		return VMCreated, err
	}
	return v.state, nil
}

// VMService returns the nested compute service of a running VM.
func (s *Service) VMService(id string) (*baremetal.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if v.svc == nil {
		return nil, failure.NewServiceIsDown(id)
	}
	return v.svc, nil
}

// SubmitStandardJob routes a job carrying a {-vm: id} argument to that
// VM's compute service. Submitting to a shut-down VM fails with
// ServiceIsDown.
func (s *Service) SubmitStandardJob(job *action.StandardJob, submitter string) error {
	if s.State() == service.Down {
		return failure.NewServiceIsDown(s.name)
	}
	if !s.opts.SupportsStandardJobs {
		return failure.NewJobTypeNotSupported(job.Name, s.name)
	}
	id, ok := job.Args["-vm"]
	if !ok {
		return failure.NewNotAllowed(s.name, "missing required argument -vm")
	}

	s.mu.Lock()
	v, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if v.state != VMRunning && v.state != VMSuspended {
		s.mu.Unlock()
		return failure.NewServiceIsDown(id)
	}
	svc := v.svc
	s.mu.Unlock()

	return svc.SubmitStandardJob(job, submitter)
}

// Stop shuts every VM down, then takes the service Down.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state == service.Down {
		s.mu.Unlock()
		return
	}
	s.state = service.Down
	var up []string
	for id, v := range s.vms {
		if v.state == VMRunning || v.state == VMSuspended {
			up = append(up, id)
		}
	}
	s.mu.Unlock()

	for _, id := range up {
		_ = s.ShutdownVM(id)
	}
}

// Reservation reports a host's reserved cores and RAM, for the
// accounting invariant and tests.
func (s *Service) Reservation(host string) (cores int, ram int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservedCores[host], s.reservedRAM[host]
}
