// Package baremetal implements the bare-metal compute service: a thin
// wrapper over an embedded Action Execution Service that decomposes
// standard jobs into staged file and compute actions and tracks each
// job's progress to exactly one terminal event.
package baremetal

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wrench-project/wrenchsim/pkg/action"
	"github.com/wrench-project/wrenchsim/pkg/aes"
	"github.com/wrench-project/wrenchsim/pkg/commport"
	"github.com/wrench-project/wrenchsim/pkg/events"
	"github.com/wrench-project/wrenchsim/pkg/executor"
	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/log"
	"github.com/wrench-project/wrenchsim/pkg/metrics"
	"github.com/wrench-project/wrenchsim/pkg/platform"
	"github.com/wrench-project/wrenchsim/pkg/service"
)

// Options carries the service's supported-job flags and the knobs of its
// embedded AES.
type Options struct {
	SupportsStandardJobs bool
	SupportsCompoundJobs bool
	// Scratch names the storage service used as this service's scratch
	// space, if any.
	Scratch string
	AES     aes.Options
}

// DefaultOptions supports standard and compound jobs.
func DefaultOptions() Options {
	return Options{SupportsStandardJobs: true, SupportsCompoundJobs: true}
}

type jobRecord struct {
	job       *action.Job
	std       *action.StandardJob
	compound  *action.CompoundJob
	submitter string
	terminal  bool
}

// Service is a bare-metal compute service.
type Service struct {
	name    string
	plat    platform.Platform
	hub     *commport.Hub
	storage executor.Storage
	opts    Options
	logger  zerolog.Logger
	exec    *aes.Service

	// OnEvent, when set, intercepts every event the service would
	// deliver; a meta-scheduler or batch wrapper uses it to re-source
	// events. When nil, events go to the submitting mailbox directly.
	OnEvent func(ev events.Event, submitter string)

	mu   sync.Mutex
	jobs map[string]*jobRecord
}

// NewService creates a bare-metal compute service over the given hosts
// (all platform hosts when empty).
func NewService(name, host string, plat platform.Platform, hub *commport.Hub, hosts []string, store executor.Storage, opts Options) (*Service, error) {
	s := &Service{
		name:    name,
		plat:    plat,
		hub:     hub,
		storage: store,
		opts:    opts,
		logger:  log.WithComponent(name),
		jobs:    make(map[string]*jobRecord),
	}
	exec, err := aes.New(name+"-aes", host, plat, hosts, store, opts.AES, s.onActionDone)
	if err != nil {
		return nil, err
	}
	s.exec = exec
	return s, nil
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Start brings the embedded AES daemon up.
func (s *Service) Start() { s.exec.Start() }

// State exposes the lifecycle state of the embedded AES.
func (s *Service) State() service.State { return s.exec.State() }

// AES exposes the embedded execution service, for tests and for the
// cloud service's suspend/resume plumbing.
func (s *Service) AES() *aes.Service { return s.exec }

// SupportsStandardJobs reports the standard-job flag.
func (s *Service) SupportsStandardJobs() bool { return s.opts.SupportsStandardJobs }

// Scratch names the service's scratch storage, or "".
func (s *Service) Scratch() string { return s.opts.Scratch }

func (s *Service) deliver(ev events.Event, submitter string) {
	ev = events.NewSource(s.name, ev)
	if s.OnEvent != nil {
		s.OnEvent(ev, submitter)
		return
	}
	if submitter != "" {
		s.hub.DPut(submitter, s.name, ev)
	}
}

// SubmitStandardJob accepts a standard job for execution. submitter is
// the commport mailbox terminal events are delivered to.
func (s *Service) SubmitStandardJob(job *action.StandardJob, submitter string) error {
	if s.exec.State() == service.Down {
		return failure.NewServiceIsDown(s.name)
	}
	if !s.opts.SupportsStandardJobs {
		return failure.NewJobTypeNotSupported(job.Name, s.name)
	}
	return s.submit(&jobRecord{job: job.Job, std: job, submitter: submitter})
}

// SubmitCompoundJob accepts a caller-shaped DAG of actions.
func (s *Service) SubmitCompoundJob(job *action.CompoundJob, submitter string) error {
	if s.exec.State() == service.Down {
		return failure.NewServiceIsDown(s.name)
	}
	if !s.opts.SupportsCompoundJobs {
		return failure.NewJobTypeNotSupported(job.Name, s.name)
	}
	return s.submit(&jobRecord{job: job.Job, compound: job, submitter: submitter})
}

func (s *Service) submit(rec *jobRecord) error {
	s.mu.Lock()
	if _, dup := s.jobs[rec.job.Name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("compute service %s: job %q already submitted", s.name, rec.job.Name)
	}
	s.jobs[rec.job.Name] = rec
	rec.job.State = action.Pending
	rec.job.Submitter = rec.submitter
	ready := rec.job.RecomputeReadySet()
	s.mu.Unlock()

	for _, act := range ready {
		if err := s.exec.Submit(act, nil); err != nil {
			s.mu.Lock()
			delete(s.jobs, rec.job.Name)
			rec.job.State = action.JobFailed
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Lock()
	if rec.job.State == action.Pending {
		rec.job.State = action.Running
	}
	s.mu.Unlock()
	return nil
}

// onActionDone is the AES's notification callback: advance the owning
// job's DAG, submit newly ready actions, and emit the job's terminal
// event when it completes or fails.
func (s *Service) onActionDone(act *action.Action) {
	s.mu.Lock()
	rec, ok := s.jobs[act.JobName]
	if !ok || rec.terminal {
		s.mu.Unlock()
		return
	}

	switch act.State {
	case action.Completed:
		newlyReady := rec.job.RecomputeReadySet()
		if rec.job.IsComplete() {
			rec.terminal = true
			rec.job.State = action.JobCompleted
			std := rec.std
			s.mu.Unlock()
			if std != nil {
				if fe, ok := s.storage.(action.FileExister); ok {
					if err := std.CheckCompletionInvariant(fe); err != nil {
						s.mu.Lock()
						rec.job.State = action.JobFailed
						s.mu.Unlock()
						s.emitTerminal(rec, failure.NewFileNotFound(err.Error()))
						return
					}
				}
			}
			s.emitTerminal(rec, nil)
			return
		}
		s.mu.Unlock()
		for _, next := range newlyReady {
			if err := s.exec.Submit(next, nil); err != nil {
				s.failJob(rec, toCause(err))
				return
			}
		}
		return

	case action.Failed, action.Killed:
		if rec.job.State == action.Terminated {
			s.mu.Unlock()
			return
		}
		cause := toCause(act.Err)
		s.mu.Unlock()
		s.failJob(rec, cause)
		return
	}
	s.mu.Unlock()
}

func toCause(err error) failure.Cause {
	if c, ok := err.(failure.Cause); ok {
		return c
	}
	if err == nil {
		return nil
	}
	return failure.NewNotAllowed("unknown", err.Error())
}

// failJob cancels the job's outstanding actions and emits the single
// failure event with the first cause attached.
func (s *Service) failJob(rec *jobRecord, cause failure.Cause) {
	s.mu.Lock()
	if rec.terminal {
		s.mu.Unlock()
		return
	}
	rec.terminal = true
	rec.job.State = action.JobFailed
	outstanding := pendingActions(rec.job)
	s.mu.Unlock()

	for _, a := range outstanding {
		_ = s.exec.Terminate(a.Name, failure.NewJobKilled(rec.job.Name), false)
	}
	s.emitTerminal(rec, cause)
}

func pendingActions(job *action.Job) []*action.Action {
	var out []*action.Action
	for _, a := range job.Actions() {
		if a.State == action.Ready || a.State == action.Started {
			out = append(out, a)
		}
	}
	return out
}

func (s *Service) emitTerminal(rec *jobRecord, cause failure.Cause) {
	kind := "compound"
	if rec.std != nil {
		kind = "standard"
	}
	if cause == nil {
		metrics.JobsTerminalTotal.WithLabelValues(kind, "completed").Inc()
		if rec.std != nil {
			s.deliver(events.StandardJobCompleted{Job: rec.job.Name}, rec.submitter)
		} else {
			s.deliver(events.CompoundJobCompleted{Job: rec.job.Name}, rec.submitter)
		}
		return
	}
	metrics.JobsTerminalTotal.WithLabelValues(kind, "failed").Inc()
	if rec.std != nil {
		s.deliver(events.StandardJobFailed{Job: rec.job.Name, Cause: cause}, rec.submitter)
	} else {
		s.deliver(events.CompoundJobFailed{Job: rec.job.Name, Cause: cause}, rec.submitter)
	}
}

// TerminateJob kills a job at its submitter's request. Unlike a failure,
// an explicit termination produces no failure event. A job already in a
// terminal state cannot be terminated again.
func (s *Service) TerminateJob(name string) error {
	s.mu.Lock()
	rec, ok := s.jobs[name]
	if !ok || rec.terminal || rec.job.State == action.Terminated {
		s.mu.Unlock()
		return failure.NewJobCannotBeTerminated(name)
	}
	rec.terminal = true
	rec.job.State = action.Terminated
	outstanding := pendingActions(rec.job)
	s.mu.Unlock()

	for _, a := range outstanding {
		_ = s.exec.Terminate(a.Name, failure.NewJobKilled(name), false)
	}
	return nil
}

// Stop drains the service: every non-terminal job is failed with the
// cause derived from stopCause. The embedded AES is stopped (and goes
// Down) first; then, when sendFailureNotifications is set, each failed
// job's failure event is delivered. After
// Stop returns the service emits nothing further. Actions of the failed
// jobs are reset to READY so a caller holding the job can resubmit it
// elsewhere.
func (s *Service) Stop(sendFailureNotifications bool, stopCause aes.StopCause) {
	s.mu.Lock()
	var open []*jobRecord
	for _, rec := range s.jobs {
		if !rec.terminal {
			open = append(open, rec)
		}
	}
	for _, rec := range open {
		rec.terminal = true
		rec.job.State = action.JobFailed
	}
	s.mu.Unlock()

	s.exec.Stop(stopCause, false)

	for _, rec := range open {
		for _, a := range rec.job.Actions() {
			if a.State != action.Completed {
				a.State = action.Ready
				a.Err = nil
			}
		}
		if sendFailureNotifications {
			var cause failure.Cause
			switch stopCause {
			case aes.StopJobTimeout:
				cause = failure.NewJobTimeout(rec.job.Name)
			case aes.StopJobKilled:
				cause = failure.NewJobKilled(rec.job.Name)
			default:
				cause = failure.NewServiceIsDown(s.name)
			}
			s.emitTerminal(rec, cause)
		}
	}
}

// JobState reports a submitted job's current state.
func (s *Service) JobState(name string) (action.JobState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[name]
	if !ok {
		return action.NotSubmitted, false
	}
	return rec.job.State, true
}
