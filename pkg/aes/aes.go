// Package aes implements the Action Execution Service: the per-service
// allocator that accepts ready actions, binds each to a host, a core
// count, and a RAM reservation, launches an ephemeral Action Executor,
// and consumes executor completion and failure notifications. Every
// compute service embeds one.
package aes

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrench-project/wrenchsim/pkg/action"
	"github.com/wrench-project/wrenchsim/pkg/executor"
	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/log"
	"github.com/wrench-project/wrenchsim/pkg/metrics"
	"github.com/wrench-project/wrenchsim/pkg/platform"
	"github.com/wrench-project/wrenchsim/pkg/service"
)

// RunSpec is the optional service-specific placement constraint a
// submitter may attach to an action.
type RunSpec struct {
	// Host pins the action to one host. Empty means any host.
	Host string
	// NumCores fixes the core count instead of letting the AES choose
	// within [MinCores, MaxCores]. Zero means unconstrained.
	NumCores int
}

// Options carries the recognised AES property knobs.
type Options struct {
	// TerminateWheneverAllResourcesAreDown kills the whole service once
	// every host is off and no executor is left running.
	TerminateWheneverAllResourcesAreDown bool
	// ThreadCreationOverhead delays each executor launch by a fixed span.
	ThreadCreationOverhead time.Duration
	// SimulateComputationAsSleep models Compute actions as timed sleeps
	// that ignore core count.
	SimulateComputationAsSleep bool
	// FailActionAfterExecutorCrash makes an executor crash terminal for
	// its action instead of transparently retrying it.
	FailActionAfterExecutorCrash bool
}

// StopCause classifies a service-level stop so each running action gets
// the matching per-action failure cause.
type StopCause int

const (
	StopServiceTerminated StopCause = iota
	StopJobKilled
	StopJobTimeout
)

// terminationReason distinguishes why a running executor's kill channel
// was closed, so completion handling knows whether the result it gets is
// a natural outcome, a caller termination, or a crash.
type terminationReason int

const (
	reasonNone terminationReason = iota
	reasonTerminated
	reasonCrashed
)

type runningExec struct {
	act    *action.Action
	host   string
	cores  int
	ram    int64
	kill   chan struct{}
	susp   chan struct{}
	res    chan struct{}
	done   chan struct{}
	killed bool
	reason terminationReason
	cause  failure.Cause
	notify bool // forward the done event after a termination
}

// killLocked closes the executor's kill channel exactly once. Caller
// holds the daemon lock.
func (re *runningExec) killLocked(reason terminationReason, cause failure.Cause, notify bool) {
	if re.killed {
		return
	}
	re.killed = true
	re.reason = reason
	re.cause = cause
	re.notify = notify
	close(re.kill)
}

// Service is one Action Execution Service instance.
type Service struct {
	base    *service.Base
	plat    platform.Platform
	storage executor.Storage
	opts    Options
	hosts   []string
	logger  zerolog.Logger

	// onActionDone is invoked (outside the daemon lock) for every action
	// that reaches a terminal state and should be reported upward.
	onActionDone func(*action.Action)

	// The daemon lock. It protects every ledger below and excludes the
	// service's own kill/terminate paths during a multi-step dispatch pass.
	mu             sync.Mutex
	ramAvailable   map[string]int64
	runningThreads map[string]int
	ready          []*action.Action
	all            map[string]*action.Action
	specs          map[string]RunSpec
	running        map[string]*runningExec
	suspended      bool
}

// New creates an AES over the given subset of platform hosts. onActionDone
// receives every terminal action that is reported upward; it is called
// from executor goroutines, or from the caller's goroutine when Terminate
// or Stop ends an action that is not running, never under the daemon lock.
func New(name, host string, plat platform.Platform, hosts []string, store executor.Storage, opts Options, onActionDone func(*action.Action)) (*Service, error) {
	if len(hosts) == 0 {
		hosts = plat.Hosts()
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("aes %s: no hosts", name)
	}
	s := &Service{
		plat:           plat,
		storage:        store,
		opts:           opts,
		hosts:          append([]string(nil), hosts...),
		logger:         log.WithComponent(name),
		onActionDone:   onActionDone,
		ramAvailable:   make(map[string]int64),
		runningThreads: make(map[string]int),
		all:            make(map[string]*action.Action),
		specs:          make(map[string]RunSpec),
		running:        make(map[string]*runningExec),
	}
	s.rebuildLedgers()
	s.base = service.NewBase(name, host, plat, 100*time.Millisecond, s.tick)
	s.base.OnRestart(s.rebuildLedgers)
	return s, nil
}

// rebuildLedgers resets the host resource tables from the platform, used
// at construction and after an auto-restart (never from pre-crash RAM).
func (s *Service) rebuildLedgers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hosts {
		s.ramAvailable[h] = s.plat.HostMemory(h)
		s.runningThreads[h] = 0
	}
}

// Name returns the service name.
func (s *Service) Name() string { return s.base.Name }

// Start brings the daemon loop up.
func (s *Service) Start() { s.base.Start() }

// State exposes the lifecycle state.
func (s *Service) State() service.State { return s.base.State() }

// Hosts returns the hosts this AES schedules onto.
func (s *Service) Hosts() []string { return append([]string(nil), s.hosts...) }

// tick is the daemon loop body: react to host state changes, then try to
// place ready work.
func (s *Service) tick() error {
	s.reactToHostChanges()
	s.Dispatch()
	return nil
}

// Submit validates and enqueues a ready action. The answer is synchronous:
// a nil return means the action is in the ready queue.
func (s *Service) Submit(act *action.Action, spec *RunSpec) error {
	if s.base.State() == service.Down {
		return failure.NewServiceIsDown(s.base.Name)
	}
	if act.State != action.Ready {
		return fmt.Errorf("aes %s: action %s is %s, not READY", s.base.Name, act.Name, act.State)
	}

	reqCores := act.MinCores
	if spec != nil {
		if spec.Host != "" && !s.knownHost(spec.Host) {
			return failure.NewNotAllowed(s.base.Name, fmt.Sprintf("unknown host %q", spec.Host))
		}
		if spec.NumCores != 0 && (spec.NumCores < act.MinCores || spec.NumCores > act.MaxCores) {
			return failure.NewNotAllowed(s.base.Name,
				fmt.Sprintf("requested cores %d outside [%d, %d]", spec.NumCores, act.MinCores, act.MaxCores))
		}
		if spec.NumCores != 0 {
			reqCores = spec.NumCores
		}
	}

	if !s.feasible(act, spec, reqCores) {
		return failure.NewNotEnoughResources(act.JobName, s.base.Name)
	}

	s.mu.Lock()
	s.ready = append(s.ready, act)
	s.all[act.Name] = act
	if spec != nil {
		s.specs[act.Name] = *spec
	}
	s.mu.Unlock()

	s.Dispatch()
	return nil
}

func (s *Service) knownHost(host string) bool {
	for _, h := range s.hosts {
		if h == host {
			return true
		}
	}
	return false
}

// feasible reports whether some host's static totals could ever satisfy
// the action, regardless of current occupancy.
func (s *Service) feasible(act *action.Action, spec *RunSpec, reqCores int) bool {
	for _, h := range s.hosts {
		if spec != nil && spec.Host != "" && h != spec.Host {
			continue
		}
		if s.plat.HostCores(h) >= reqCores && s.plat.HostMemory(h) >= act.MinRAM {
			return true
		}
	}
	return false
}

// pickAllocation chooses a host and core count for one ready action.
// avoid is the per-pass set of hosts earmarked for a RAM-starved action
// ahead of this one in the queue: an action needing RAM may not take one
// of them, which keeps small-RAM actions from starving a large-RAM
// action at the head of the line.
func (s *Service) pickAllocation(act *action.Action, spec RunSpec, avoid map[string]bool) (string, int, bool) {
	type candidate struct {
		host  string
		cores int
		score float64
	}
	var candidates []candidate
	var ramStarved []string

	for _, h := range s.hosts {
		if !s.plat.HostIsOn(h) || s.plat.HostFlopRate(h) <= 0 {
			continue
		}
		if spec.Host != "" && h != spec.Host {
			continue
		}
		if act.MinRAM > 0 && avoid[h] {
			continue
		}
		total := s.plat.HostCores(h)
		free := total - s.runningThreads[h]
		need := act.MinCores
		if spec.NumCores != 0 {
			need = spec.NumCores
		}
		if free < need {
			continue
		}
		if s.ramAvailable[h] < act.MinRAM {
			ramStarved = append(ramStarved, h)
			continue
		}

		coresToUse := spec.NumCores
		if coresToUse == 0 {
			coresToUse = act.MaxCores
			if coresToUse > free {
				coresToUse = free
			}
		}
		load := (float64(s.runningThreads[h]+coresToUse) / float64(total)) / (s.plat.HostFlopRate(h) / 1e9)
		candidates = append(candidates, candidate{host: h, cores: coresToUse, score: load})
	}

	if len(candidates) == 0 {
		if len(ramStarved) > 0 {
			// Reserve the host with the most available RAM for this action
			// on a later pass.
			sort.Slice(ramStarved, func(i, j int) bool {
				if s.ramAvailable[ramStarved[i]] != s.ramAvailable[ramStarved[j]] {
					return s.ramAvailable[ramStarved[i]] > s.ramAvailable[ramStarved[j]]
				}
				return ramStarved[i] < ramStarved[j]
			})
			avoid[ramStarved[0]] = true
		}
		return "", 0, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].host < candidates[j].host
	})
	return candidates[0].host, candidates[0].cores, true
}

// Dispatch runs one placement pass over the ready queue in FIFO order,
// launching an executor for every action it can place. The avoid set is
// per-pass, not persistent.
func (s *Service) Dispatch() {
	if s.base.State() != service.Up {
		return
	}

	timer := metrics.NewTimer()
	s.mu.Lock()
	if s.suspended {
		s.mu.Unlock()
		return
	}
	avoid := make(map[string]bool)
	var still []*action.Action
	for _, act := range s.ready {
		spec := s.specs[act.Name]
		host, cores, ok := s.pickAllocation(act, spec, avoid)
		if !ok {
			still = append(still, act)
			continue
		}
		s.launchLocked(act, host, cores)
	}
	s.ready = still
	s.mu.Unlock()
	timer.ObserveDuration(metrics.ActionDispatchLatency)
}

// launchLocked binds the action to its allocation, updates the ledgers,
// and starts the executor plus its termination detector. Caller holds mu.
func (s *Service) launchLocked(act *action.Action, host string, cores int) {
	s.ramAvailable[host] -= act.MinRAM
	s.runningThreads[host] += cores
	s.publishHostGauges(host)

	act.State = action.Started
	act.StartedAt = s.plat.Clock().Now()

	re := &runningExec{
		act:   act,
		host:  host,
		cores: cores,
		ram:   act.MinRAM,
		kill:  make(chan struct{}),
		susp:  make(chan struct{}, 1),
		res:   make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	s.running[act.Name] = re
	metrics.ActionsDispatchedTotal.WithLabelValues(s.base.Name).Inc()

	s.logger.Debug().
		Str("action", act.Name).
		Str("host", host).
		Int("cores", cores).
		Msg("action dispatched")

	go s.runExecutor(re)
}

func (s *Service) runExecutor(re *runningExec) {
	clk := s.plat.Clock()
	if s.opts.ThreadCreationOverhead > 0 {
		select {
		case <-clk.After(s.opts.ThreadCreationOverhead):
		case <-re.kill:
		}
	}

	var res executor.Result
	select {
	case <-re.kill:
		// Killed before the executor even started.
		res = executor.Result{Action: re.act, State: action.Killed, Host: re.host, Cores: re.cores}
	default:
		res = executor.Execute(clk, executor.Params{
			Host:           re.host,
			Cores:          re.cores,
			FlopRate:       s.plat.HostFlopRate(re.host),
			ComputeAsSleep: s.opts.SimulateComputationAsSleep,
		}, s.storage, re.act, executor.Controls{Kill: re.kill, Suspend: re.susp, Resume: re.res})
	}

	s.onExecutorDone(re, res)
	close(re.done)
}

// onExecutorDone is the completion handler: release the allocation,
// settle the action's state per why the executor ended, and forward the
// done notification upward when appropriate.
func (s *Service) onExecutorDone(re *runningExec, res executor.Result) {
	s.mu.Lock()
	s.ramAvailable[re.host] += re.ram
	s.runningThreads[re.host] -= re.cores
	s.publishHostGauges(re.host)
	delete(s.running, re.act.Name)
	delete(s.specs, re.act.Name)

	retry := false
	notify := true
	switch re.reason {
	case reasonCrashed:
		if s.opts.FailActionAfterExecutorCrash {
			re.act.State = action.Failed
			re.act.Err = re.cause
		} else {
			// Transparent retry: back to READY at the tail of the queue.
			re.act.State = action.Ready
			re.act.Err = nil
			re.act.StartedAt = time.Time{}
			s.ready = append(s.ready, re.act)
			retry = true
			notify = false
		}
	case reasonTerminated:
		re.act.State = action.Killed
		re.act.Err = re.cause
		notify = re.notify
	default:
		re.act.State = res.State
		re.act.Err = res.Cause
	}
	if re.act.State == action.Completed || re.act.State == action.Failed || re.act.State == action.Killed {
		re.act.EndedAt = s.plat.Clock().Now()
		delete(s.all, re.act.Name)
		metrics.ActionsCompletedTotal.WithLabelValues(s.base.Name, re.act.State.String()).Inc()
	}
	s.mu.Unlock()

	if retry {
		s.logger.Info().Str("action", re.act.Name).Msg("executor crashed, retrying action")
		s.Dispatch()
		return
	}
	if notify && s.onActionDone != nil {
		s.onActionDone(re.act)
	}
	s.Dispatch()
}

func (s *Service) publishHostGauges(host string) {
	metrics.HostCoresInUse.WithLabelValues(s.base.Name, host).Set(float64(s.runningThreads[host]))
	metrics.HostRAMAvailable.WithLabelValues(s.base.Name, host).Set(float64(s.ramAvailable[host]))
}

// Terminate kills one action. An unknown action yields NotAllowed; a
// second terminate after the first therefore fails typed, never crashes
// the service. notifyParent controls whether the done event is forwarded
// (a caller cancelling its own action usually does not want the echo).
func (s *Service) Terminate(actionName string, cause failure.Cause, notifyParent bool) error {
	s.mu.Lock()
	act, known := s.all[actionName]
	if !known {
		s.mu.Unlock()
		return failure.NewNotAllowed(s.base.Name, fmt.Sprintf("unknown action %q", actionName))
	}

	// Still waiting in the ready queue: remove and settle inline.
	for i, r := range s.ready {
		if r.Name == actionName {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			act.State = action.Killed
			act.Err = cause
			act.EndedAt = s.plat.Clock().Now()
			delete(s.all, actionName)
			delete(s.specs, actionName)
			s.mu.Unlock()
			if notifyParent && s.onActionDone != nil {
				s.onActionDone(act)
			}
			return nil
		}
	}

	re, runningNow := s.running[actionName]
	if !runningNow {
		s.mu.Unlock()
		return failure.NewNotAllowed(s.base.Name, fmt.Sprintf("action %q is not terminable", actionName))
	}
	re.killLocked(reasonTerminated, cause, notifyParent)
	done := re.done
	s.mu.Unlock()

	// Synchronous from the caller's perspective.
	<-done
	return nil
}

// CrashExecutor simulates a transient executor crash for a running
// action. Depending on FailActionAfterExecutorCrash the action either
// fails with the given cause or transparently retries.
func (s *Service) CrashExecutor(actionName string, cause failure.Cause) error {
	s.mu.Lock()
	re, ok := s.running[actionName]
	if !ok {
		s.mu.Unlock()
		return failure.NewNotAllowed(s.base.Name, fmt.Sprintf("action %q is not running", actionName))
	}
	re.killLocked(reasonCrashed, cause, true)
	done := re.done
	s.mu.Unlock()

	<-done
	return nil
}

// reactToHostChanges crashes executors whose host turned off, re-runs
// dispatch for the survivors, and, when configured, terminates the whole
// service once every host is down and nothing is running.
func (s *Service) reactToHostChanges() {
	s.mu.Lock()
	var crashed []*runningExec
	for _, re := range s.running {
		if !s.plat.HostIsOn(re.host) {
			re.killLocked(reasonCrashed, failure.NewHostError(re.host), true)
			crashed = append(crashed, re)
		}
	}
	s.mu.Unlock()

	for _, re := range crashed {
		<-re.done
	}

	if s.opts.TerminateWheneverAllResourcesAreDown {
		s.mu.Lock()
		allDown := true
		for _, h := range s.hosts {
			if s.plat.HostIsOn(h) {
				allDown = false
				break
			}
		}
		idle := len(s.running) == 0
		s.mu.Unlock()
		if allDown && idle && s.base.State() == service.Up {
			s.logger.Warn().Msg("all hosts down, terminating")
			s.base.Kill(failure.NewServiceIsDown(s.base.Name))
		}
	}
}

// NotifyHostStateChange lets the platform harness report a host on/off
// flip immediately instead of waiting for the next tick.
func (s *Service) NotifyHostStateChange() {
	s.reactToHostChanges()
	s.Dispatch()
}

// Suspend freezes every running executor and stops placing new work; the
// frozen actions keep their allocations. Used by the cloud service's VM
// suspend.
func (s *Service) Suspend() {
	s.mu.Lock()
	if s.suspended {
		s.mu.Unlock()
		return
	}
	s.suspended = true
	for _, re := range s.running {
		select {
		case re.susp <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
	s.base.Suspend()
}

// Resume reverses Suspend; every frozen executor picks up its remaining
// work where it stopped.
func (s *Service) Resume() {
	s.mu.Lock()
	if !s.suspended {
		s.mu.Unlock()
		return
	}
	s.suspended = false
	for _, re := range s.running {
		select {
		case re.res <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
	s.base.Resume()
	s.Dispatch()
}

// actionCauseFor maps a service-level stop cause to the per-action cause
// each killed action carries.
func (s *Service) actionCauseFor(cause StopCause, act *action.Action) failure.Cause {
	switch cause {
	case StopJobKilled:
		return failure.NewJobKilled(act.JobName)
	case StopJobTimeout:
		return failure.NewJobTimeout(act.JobName)
	default:
		return failure.NewServiceIsDown(s.base.Name)
	}
}

// Stop gracefully stops the service: every ready and running action is
// killed with the cause derived from the service-level stop cause, then
// the daemon goes Down. After Stop returns no further notifications are
// emitted for previously accepted work.
func (s *Service) Stop(cause StopCause, notifyParent bool) {
	s.mu.Lock()
	pending := s.ready
	s.ready = nil
	var toKill []string
	for name := range s.running {
		toKill = append(toKill, name)
	}
	sort.Strings(toKill)
	s.mu.Unlock()

	for _, act := range pending {
		s.mu.Lock()
		act.State = action.Killed
		act.Err = s.actionCauseFor(cause, act)
		act.EndedAt = s.plat.Clock().Now()
		delete(s.all, act.Name)
		delete(s.specs, act.Name)
		s.mu.Unlock()
		if notifyParent && s.onActionDone != nil {
			s.onActionDone(act)
		}
	}
	for _, name := range toKill {
		s.mu.Lock()
		re, ok := s.running[name]
		s.mu.Unlock()
		if !ok {
			continue
		}
		_ = s.Terminate(name, s.actionCauseFor(cause, re.act), notifyParent)
	}

	s.base.Stop(true, failure.NewServiceIsDown(s.base.Name))
}

// Kill abruptly terminates the service: running executors are crashed
// with no acknowledgement and no notifications are forwarded.
func (s *Service) Kill() {
	s.mu.Lock()
	for _, re := range s.running {
		re.killLocked(reasonTerminated, failure.NewServiceIsDown(s.base.Name), false)
	}
	s.ready = nil
	s.mu.Unlock()

	s.base.Kill(failure.NewServiceIsDown(s.base.Name))
}

// ResourceSnapshot reports the current ledgers, for callers that surface
// occupancy (tests, the batch scheduler's host selection).
func (s *Service) ResourceSnapshot() (ramAvailable map[string]int64, runningThreads map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ramAvailable = make(map[string]int64, len(s.ramAvailable))
	runningThreads = make(map[string]int, len(s.runningThreads))
	for h, v := range s.ramAvailable {
		ramAvailable[h] = v
	}
	for h, v := range s.runningThreads {
		runningThreads[h] = v
	}
	return ramAvailable, runningThreads
}

// QueueDepth reports how many submitted actions are still waiting.
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// RunningCount reports how many executors are in flight.
func (s *Service) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
