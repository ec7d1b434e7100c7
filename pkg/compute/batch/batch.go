// Package batch implements the batch compute service: a time-slotted
// scheduler that queues jobs with {-N, -c, -t} resource requests,
// selects them with a pluggable algorithm (FCFS or backfilling), places
// them on whole nodes, and enforces walltimes with per-job deadline
// timers. Standard jobs run on an embedded bare-metal service scoped to
// their allocation; pilot jobs grant a nested compute service that lives
// until the reservation expires.
package batch

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/wrench-project/wrenchsim/pkg/action"
	"github.com/wrench-project/wrenchsim/pkg/aes"
	"github.com/wrench-project/wrenchsim/pkg/commport"
	"github.com/wrench-project/wrenchsim/pkg/compute/baremetal"
	"github.com/wrench-project/wrenchsim/pkg/events"
	"github.com/wrench-project/wrenchsim/pkg/executor"
	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/log"
	"github.com/wrench-project/wrenchsim/pkg/metrics"
	"github.com/wrench-project/wrenchsim/pkg/platform"
	"github.com/wrench-project/wrenchsim/pkg/service"
)

// Algorithm selects which pending job dispatches next.
type Algorithm string

const (
	FCFS           Algorithm = "FCFS"
	ConservativeBF Algorithm = "conservative_bf"
	EasyBF         Algorithm = "easy_bf"
)

// HostSelection picks which free nodes an allocation uses.
type HostSelection string

const (
	FirstFit   HostSelection = "FIRSTFIT"
	BestFit    HostSelection = "BESTFIT"
	RoundRobin HostSelection = "ROUNDROBIN"
)

// Options carries the batch service's property knobs.
type Options struct {
	SchedulingAlgorithm Algorithm
	HostSelection       HostSelection
	// RJMSPadding is the grace the resource manager grants past the
	// requested walltime before force-killing a job.
	RJMSPadding          time.Duration
	SupportsStandardJobs bool
	SupportsPilotJobs    bool
	AES                  aes.Options
}

// DefaultOptions is FCFS with first-fit placement.
func DefaultOptions() Options {
	return Options{
		SchedulingAlgorithm:  FCFS,
		HostSelection:        FirstFit,
		SupportsStandardJobs: true,
		SupportsPilotJobs:    true,
	}
}

// Request is a parsed {-N, -c, -t} argument map.
type Request struct {
	Nodes        int
	CoresPerNode int
	TimeMinutes  int
}

// Walltime is the requested duration.
func (r Request) Walltime() time.Duration {
	return time.Duration(r.TimeMinutes) * time.Minute
}

type batchJob struct {
	name      string
	req       Request
	submitter string

	std   *action.StandardJob
	pilot *action.PilotJob

	submittedAt time.Time
	startedAt   time.Time
	deadline    time.Time
	allocated   []string

	nested   *baremetal.Service
	timer    *clock.Timer
	terminal bool
}

// Service is a batch compute service.
type Service struct {
	name    string
	host    string
	plat    platform.Platform
	hub     *commport.Hub
	storage executor.Storage
	opts    Options
	hosts   []string
	logger  zerolog.Logger

	mu       sync.Mutex
	state    service.State
	pending  []*batchJob
	running  map[string]*batchJob
	free     map[string]bool
	rrCursor int
	nextID   int
}

// NewService creates a batch service over the given hosts (all platform
// hosts when empty).
func NewService(name, host string, plat platform.Platform, hub *commport.Hub, hosts []string, store executor.Storage, opts Options) (*Service, error) {
	if len(hosts) == 0 {
		hosts = plat.Hosts()
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("batch service %s: no hosts", name)
	}
	if opts.SchedulingAlgorithm == "" {
		opts.SchedulingAlgorithm = FCFS
	}
	if opts.HostSelection == "" {
		opts.HostSelection = FirstFit
	}
	sorted := append([]string(nil), hosts...)
	sort.Strings(sorted)
	s := &Service{
		name:    name,
		host:    host,
		plat:    plat,
		hub:     hub,
		storage: store,
		opts:    opts,
		hosts:   sorted,
		logger:  log.WithComponent(name),
		state:   service.Down,
		running: make(map[string]*batchJob),
		free:    make(map[string]bool),
	}
	for _, h := range sorted {
		s.free[h] = true
	}
	return s, nil
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

// SupportsStandardJobs reports the standard-job flag.
func (s *Service) SupportsStandardJobs() bool { return s.opts.SupportsStandardJobs }

// SupportsPilotJobs reports the pilot-job flag.
func (s *Service) SupportsPilotJobs() bool { return s.opts.SupportsPilotJobs }

// ParseRequest validates a job's {-N, -c, -t} argument map against the
// service's node pool.
func (s *Service) ParseRequest(args map[string]string) (Request, error) {
	var req Request
	var err error
	if req.Nodes, err = positiveArg(args, "-N"); err != nil {
		return req, err
	}
	if req.CoresPerNode, err = positiveArg(args, "-c"); err != nil {
		return req, err
	}
	if req.TimeMinutes, err = positiveArg(args, "-t"); err != nil {
		return req, err
	}
	if req.Nodes > len(s.hosts) {
		return req, fmt.Errorf("batch service %s: -N %d exceeds %d nodes", s.name, req.Nodes, len(s.hosts))
	}
	maxCores := 0
	for _, h := range s.hosts {
		if c := s.plat.HostCores(h); c > maxCores {
			maxCores = c
		}
	}
	if req.CoresPerNode > maxCores {
		return req, fmt.Errorf("batch service %s: -c %d exceeds %d cores per node", s.name, req.CoresPerNode, maxCores)
	}
	return req, nil
}

func positiveArg(args map[string]string, key string) (int, error) {
	raw, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing required argument %s", key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("argument %s: want a positive integer, got %q", key, raw)
	}
	return v, nil
}

// SubmitStandardJob queues a standard job described by {-N, -c, -t}.
func (s *Service) SubmitStandardJob(job *action.StandardJob, submitter string) error {
	if s.State() == service.Down {
		return failure.NewServiceIsDown(s.name)
	}
	if !s.opts.SupportsStandardJobs {
		return failure.NewJobTypeNotSupported(job.Name, s.name)
	}
	req, err := s.ParseRequest(job.Args)
	if err != nil {
		return err
	}
	s.enqueue(&batchJob{name: job.Name, req: req, submitter: submitter, std: job})
	return nil
}

// SubmitPilotJob queues a pilot reservation described by {-N, -c, -t}.
func (s *Service) SubmitPilotJob(job *action.PilotJob, submitter string) error {
	if s.State() == service.Down {
		return failure.NewServiceIsDown(s.name)
	}
	if !s.opts.SupportsPilotJobs {
		return failure.NewJobTypeNotSupported(job.Name, s.name)
	}
	req, err := s.ParseRequest(job.Args)
	if err != nil {
		return err
	}
	s.enqueue(&batchJob{name: job.Name, req: req, submitter: submitter, pilot: job})
	return nil
}

func (s *Service) enqueue(bj *batchJob) {
	s.mu.Lock()
	bj.submittedAt = s.plat.Clock().Now()
	if bj.std != nil {
		bj.std.State = action.Pending
	}
	if bj.pilot != nil {
		bj.pilot.State = action.Pending
	}
	s.pending = append(s.pending, bj)
	metrics.BatchQueueLength.WithLabelValues(s.name).Set(float64(len(s.pending)))
	s.mu.Unlock()

	s.DispatchPending()
}

// DispatchPending places startable pending jobs until none remains
// startable, per the configured selection algorithm.
func (s *Service) DispatchPending() {
	for {
		s.mu.Lock()
		if s.state != service.Up {
			s.mu.Unlock()
			return
		}
		bj := s.selectNextLocked()
		if bj == nil {
			metrics.BatchQueueLength.WithLabelValues(s.name).Set(float64(len(s.pending)))
			s.mu.Unlock()
			return
		}
		hosts := s.allocateLocked(bj.req)
		if hosts == nil {
			// selectNextLocked compares node counts only; allocateLocked
			// also requires -c cores per node, so on hosts with fewer cores
			// the selected job does not fit and stays pending.
			s.mu.Unlock()
			return
		}
		s.removePendingLocked(bj.name)
		s.startLocked(bj, hosts)
		s.mu.Unlock()
	}
}

// selectNextLocked returns the pending job the algorithm wants to start
// now, or nil. FCFS only ever considers the head; the backfilling
// variants may pick a later job whose walltime fits the schedule hole
// without delaying the reservations ahead of it.
func (s *Service) selectNextLocked() *batchJob {
	if len(s.pending) == 0 {
		return nil
	}
	freeNow := s.freeCountLocked()

	head := s.pending[0]
	if head.req.Nodes <= freeNow {
		return head
	}
	if s.opts.SchedulingAlgorithm == FCFS {
		return nil
	}

	sched := s.buildScheduleLocked()
	now := s.plat.Clock().Now()
	for _, bj := range s.pending[1:] {
		if bj.req.Nodes > freeNow {
			continue
		}
		if sched.canBackfill(bj, now, s.opts.SchedulingAlgorithm) {
			return bj
		}
	}
	return nil
}

func (s *Service) freeCountLocked() int {
	n := 0
	for _, h := range s.hosts {
		if s.free[h] {
			n++
		}
	}
	return n
}

// allocateLocked picks req.Nodes free hosts per the host-selection
// policy, or returns nil if not enough are free.
func (s *Service) allocateLocked(req Request) []string {
	var candidates []string
	for _, h := range s.hosts {
		if s.free[h] && s.plat.HostCores(h) >= req.CoresPerNode {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) < req.Nodes {
		return nil
	}

	switch s.opts.HostSelection {
	case BestFit:
		// Prefer the nodes with the fewest cores that still satisfy -c.
		sort.SliceStable(candidates, func(i, j int) bool {
			return s.plat.HostCores(candidates[i]) < s.plat.HostCores(candidates[j])
		})
	case RoundRobin:
		k := s.rrCursor % len(candidates)
		candidates = append(candidates[k:], candidates[:k]...)
		s.rrCursor += req.Nodes
	}

	alloc := candidates[:req.Nodes]
	for _, h := range alloc {
		s.free[h] = false
	}
	return append([]string(nil), alloc...)
}

func (s *Service) removePendingLocked(name string) {
	for i, bj := range s.pending {
		if bj.name == name {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// startLocked launches a dispatched job on its allocation: an embedded
// bare-metal service scoped to the allocated hosts, plus the walltime
// deadline timer. Caller holds mu.
func (s *Service) startLocked(bj *batchJob, hosts []string) {
	clk := s.plat.Clock()
	now := clk.Now()
	bj.startedAt = now
	bj.deadline = now.Add(bj.req.Walltime())
	bj.allocated = hosts
	s.running[bj.name] = bj
	metrics.BatchQueueWaitDuration.Observe(now.Sub(bj.submittedAt).Seconds())

	nested, err := baremetal.NewService(
		fmt.Sprintf("%s-%s", s.name, bj.name), s.host, s.plat, s.hub, hosts, s.storage,
		baremetal.Options{SupportsStandardJobs: true, SupportsCompoundJobs: true, AES: s.opts.AES})
	if err != nil {
		// Allocation came from the same platform the nested service uses;
		// construction cannot fail with a non-empty host list.
		s.logger.Error().Err(err).Str("job", bj.name).Msg("embedded service construction failed")
		for _, h := range hosts {
			s.free[h] = true
		}
		delete(s.running, bj.name)
		return
	}
	bj.nested = nested
	nested.OnEvent = func(ev events.Event, submitter string) { s.onNestedEvent(bj, ev, submitter) }
	nested.Start()

	grace := bj.req.Walltime() + s.opts.RJMSPadding
	bj.timer = clk.AfterFunc(grace, func() { s.expire(bj.name) })

	s.logger.Info().
		Str("job", bj.name).
		Strs("hosts", hosts).
		Time("deadline", bj.deadline).
		Msg("batch job started")

	if bj.std != nil {
		go func() {
			if err := nested.SubmitStandardJob(bj.std, ""); err != nil {
				s.finishJob(bj, events.StandardJobFailed{Job: bj.name, Cause: toCause(err)})
			}
		}()
	}
	if bj.pilot != nil {
		bj.pilot.State = action.Running
		bj.pilot.BoundService = nested.Name()
		go s.deliver(events.PilotJobStarted{Job: bj.name, ComputeService: nested.Name()}, bj.submitter)
	}
}

func toCause(err error) failure.Cause {
	if c, ok := err.(failure.Cause); ok {
		return c
	}
	return failure.NewNotAllowed("batch", err.Error())
}

// onNestedEvent receives events from a job's embedded bare-metal
// service. For a standard batch job the terminal event finishes the
// batch job itself; for a pilot, events belong to the inner jobs running
// inside the reservation and pass through to their own submitters.
func (s *Service) onNestedEvent(bj *batchJob, ev events.Event, submitter string) {
	if bj.pilot != nil {
		s.deliver(ev, submitter)
		return
	}
	switch ev.(type) {
	case events.StandardJobCompleted, events.StandardJobFailed,
		events.CompoundJobCompleted, events.CompoundJobFailed:
		s.finishJob(bj, ev)
	default:
		s.deliver(ev, bj.submitter)
	}
}

// finishJob releases a running job's allocation and emits its terminal
// event exactly once.
func (s *Service) finishJob(bj *batchJob, ev events.Event) {
	s.mu.Lock()
	if bj.terminal {
		s.mu.Unlock()
		return
	}
	bj.terminal = true
	if bj.timer != nil {
		bj.timer.Stop()
	}
	delete(s.running, bj.name)
	for _, h := range bj.allocated {
		s.free[h] = true
	}
	nested := bj.nested
	s.mu.Unlock()

	if nested != nil && nested.State() != service.Down {
		nested.Stop(false, aes.StopServiceTerminated)
	}
	if ev != nil {
		s.deliver(ev, bj.submitter)
	}
	s.DispatchPending()
}

// expire fires when a job's walltime (plus RJMS padding) elapses.
func (s *Service) expire(name string) {
	s.mu.Lock()
	bj, ok := s.running[name]
	if !ok || bj.terminal {
		s.mu.Unlock()
		return
	}
	nested := bj.nested
	s.mu.Unlock()

	s.logger.Info().Str("job", name).Msg("walltime expired")

	if bj.pilot != nil {
		// Cascade-fail whatever is still running inside the reservation.
		if nested != nil {
			nested.Stop(true, aes.StopServiceTerminated)
		}
		s.mu.Lock()
		bj.pilot.State = action.JobCompleted
		s.mu.Unlock()
		s.finishJob(bj, events.PilotJobExpired{Job: name})
		return
	}

	// A standard job past its walltime is killed, not drained.
	if nested != nil {
		nested.Stop(false, aes.StopJobTimeout)
	}
	s.mu.Lock()
	if bj.std != nil {
		bj.std.State = action.JobFailed
	}
	s.mu.Unlock()
	s.finishJob(bj, events.StandardJobFailed{Job: name, Cause: failure.NewJobTimeout(name)})
}

// PilotService returns the compute service granted to a running pilot
// job, for submitting inner jobs.
func (s *Service) PilotService(pilotName string) (*baremetal.Service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bj, ok := s.running[pilotName]
	if !ok || bj.pilot == nil || bj.nested == nil {
		return nil, false
	}
	return bj.nested, true
}

// TerminateJob kills a pending or running batch job. Termination emits
// no event for the job itself; inner jobs of a terminated pilot fail
// with ServiceIsDown.
func (s *Service) TerminateJob(name string) error {
	s.mu.Lock()
	for i, bj := range s.pending {
		if bj.name == name {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			bj.terminal = true
			if bj.std != nil {
				bj.std.State = action.Terminated
			}
			if bj.pilot != nil {
				bj.pilot.State = action.Terminated
			}
			s.mu.Unlock()
			return nil
		}
	}
	bj, ok := s.running[name]
	if !ok || bj.terminal {
		s.mu.Unlock()
		return failure.NewJobCannotBeTerminated(name)
	}
	nested := bj.nested
	s.mu.Unlock()

	if nested != nil {
		// Inner work observes the reservation vanishing.
		nested.Stop(bj.pilot != nil, aes.StopServiceTerminated)
	}
	s.mu.Lock()
	if bj.std != nil {
		bj.std.State = action.Terminated
	}
	if bj.pilot != nil {
		bj.pilot.State = action.Terminated
	}
	s.mu.Unlock()
	s.finishJob(bj, nil)
	return nil
}

// Stop drains the service: pending jobs are dropped, running jobs are
// killed with ServiceIsDown (notifying submitters when requested), and
// the service goes Down.
func (s *Service) Stop(sendFailureNotifications bool) {
	s.mu.Lock()
	if s.state == service.Down {
		s.mu.Unlock()
		return
	}
	s.state = service.Down
	pending := s.pending
	s.pending = nil
	var runningJobs []*batchJob
	for _, bj := range s.running {
		runningJobs = append(runningJobs, bj)
	}
	sort.Slice(runningJobs, func(i, j int) bool { return runningJobs[i].name < runningJobs[j].name })
	s.mu.Unlock()

	for _, bj := range pending {
		if sendFailureNotifications && bj.std != nil {
			s.deliver(events.StandardJobFailed{Job: bj.name, Cause: failure.NewServiceIsDown(s.name)}, bj.submitter)
		}
	}
	for _, bj := range runningJobs {
		if bj.nested != nil {
			bj.nested.Stop(sendFailureNotifications, aes.StopServiceTerminated)
		}
		s.mu.Lock()
		bj.terminal = true
		if bj.timer != nil {
			bj.timer.Stop()
		}
		delete(s.running, bj.name)
		for _, h := range bj.allocated {
			s.free[h] = true
		}
		s.mu.Unlock()
		if bj.pilot != nil {
			s.deliver(events.PilotJobExpired{Job: bj.name}, bj.submitter)
		}
	}
}

func (s *Service) deliver(ev events.Event, submitter string) {
	ev = events.NewSource(s.name, ev)
	if submitter != "" {
		s.hub.DPut(submitter, s.name, ev)
	}
}

// QueueLength reports the number of pending jobs.
func (s *Service) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RunningJob reports a running job's start date and deadline.
func (s *Service) RunningJob(name string) (startedAt, deadline time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bj, found := s.running[name]
	if !found {
		return time.Time{}, time.Time{}, false
	}
	return bj.startedAt, bj.deadline, true
}
