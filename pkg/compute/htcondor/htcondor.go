// Package htcondor implements the meta-scheduler: a compute service
// facade that routes jobs to a pool of child compute services. Grid
// universe jobs go to the one designated batch child; vanilla standard
// jobs go to any child advertising standard-job support; pilot jobs go
// to any child advertising pilot support. Child events are re-emitted
// with the meta-scheduler as their source, so submitters only ever see
// one service.
package htcondor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wrench-project/wrenchsim/pkg/action"
	"github.com/wrench-project/wrenchsim/pkg/commport"
	"github.com/wrench-project/wrenchsim/pkg/events"
	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/log"
	"github.com/wrench-project/wrenchsim/pkg/service"
)

// StandardChild is a child service the meta-scheduler can hand standard
// jobs to.
type StandardChild interface {
	Name() string
	SupportsStandardJobs() bool
	SubmitStandardJob(job *action.StandardJob, submitter string) error
}

// PilotChild is a child service the meta-scheduler can hand pilot jobs to.
type PilotChild interface {
	Name() string
	SupportsPilotJobs() bool
	SubmitPilotJob(job *action.PilotJob, submitter string) error
}

// Options carries the meta-scheduler's property knobs.
type Options struct {
	SupportsStandardJobs bool
	SupportsPilotJobs    bool
	SupportsGridUniverse bool
	// Scratch names the local storage service used as scratch space.
	Scratch string
}

// Service is the HTCondor-like meta-scheduler.
type Service struct {
	name   string
	host   string
	hub    *commport.Hub
	opts   Options
	logger zerolog.Logger
	inbox  string
	cancel context.CancelFunc

	standardChildren []StandardChild
	pilotChildren    []PilotChild
	gridChild        StandardChild // the at-most-one batch child

	mu         sync.Mutex
	state      service.State
	submitters map[string]string // job name -> original submitter mailbox
}

// NewService creates a meta-scheduler over its children. batchChild, if
// non-nil, is the designated target for grid universe jobs.
func NewService(name, host string, hub *commport.Hub, standard []StandardChild, pilots []PilotChild, batchChild StandardChild, opts Options) (*Service, error) {
	if len(standard) == 0 && len(pilots) == 0 && batchChild == nil {
		return nil, fmt.Errorf("htcondor service %s: no child compute services", name)
	}
	return &Service{
		name:             name,
		host:             host,
		hub:              hub,
		opts:             opts,
		logger:           log.WithComponent(name),
		inbox:            name + "-inbox",
		standardChildren: standard,
		pilotChildren:    pilots,
		gridChild:        batchChild,
		state:            service.Down,
		submitters:       make(map[string]string),
	}, nil
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Scratch names the service's scratch storage, or "".
func (s *Service) Scratch() string { return s.opts.Scratch }

// Start brings the forwarding daemon up.
func (s *Service) Start() {
	s.mu.Lock()
	if s.state == service.Up {
		s.mu.Unlock()
		return
	}
	s.state = service.Up
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.forward(ctx)
}

// State exposes the lifecycle state.
func (s *Service) State() service.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop shuts the forwarding daemon down. Child services are owned by
// their creators and are not stopped here.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state == service.Down {
		s.mu.Unlock()
		return
	}
	s.state = service.Down
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.hub.Close(s.inbox)
}

// forward drains child events off the meta-scheduler's inbox and
// re-emits each to the job's original submitter with this service as the
// source.
func (s *Service) forward(ctx context.Context) {
	for {
		env, err := s.hub.Get(ctx, s.inbox)
		if err != nil {
			return
		}
		ev, ok := env.Msg.(events.Event)
		if !ok {
			continue
		}
		job, terminal := jobOf(ev)
		s.mu.Lock()
		submitter, known := s.submitters[job]
		if terminal {
			delete(s.submitters, job)
		}
		s.mu.Unlock()
		if !known {
			continue
		}
		s.hub.DPut(submitter, s.name, events.NewSource(s.name, ev))
	}
}

// jobOf extracts the job a child event refers to and whether the event
// is terminal for it.
func jobOf(ev events.Event) (string, bool) {
	switch e := ev.(type) {
	case events.StandardJobCompleted:
		return e.Job, true
	case events.StandardJobFailed:
		return e.Job, true
	case events.CompoundJobCompleted:
		return e.Job, true
	case events.CompoundJobFailed:
		return e.Job, true
	case events.PilotJobStarted:
		return e.Job, false
	case events.PilotJobExpired:
		return e.Job, true
	}
	return "", false
}

// universeOf validates a job's universe argument; unset means vanilla.
func universeOf(args map[string]string) (string, error) {
	u, ok := args["universe"]
	if !ok || u == "" {
		return "vanilla", nil
	}
	if u != "vanilla" && u != "grid" {
		return "", fmt.Errorf("unknown universe %q", u)
	}
	return u, nil
}

// SubmitStandardJob routes a standard job per its universe argument.
func (s *Service) SubmitStandardJob(job *action.StandardJob, submitter string) error {
	if s.State() == service.Down {
		return failure.NewServiceIsDown(s.name)
	}
	universe, err := universeOf(job.Args)
	if err != nil {
		return failure.NewNotAllowed(s.name, err.Error())
	}

	if universe == "grid" {
		if !s.opts.SupportsGridUniverse {
			return failure.NewNotAllowed(s.name, "grid universe is not supported")
		}
		if s.gridChild == nil {
			return failure.NewNotAllowed(s.name, "no batch service for grid universe jobs")
		}
		s.track(job.Name, submitter)
		if err := s.gridChild.SubmitStandardJob(job, s.inbox); err != nil {
			s.untrack(job.Name)
			return err
		}
		return nil
	}

	if !s.opts.SupportsStandardJobs {
		return failure.NewJobTypeNotSupported(job.Name, s.name)
	}
	for _, child := range s.standardChildren {
		if !child.SupportsStandardJobs() {
			continue
		}
		s.track(job.Name, submitter)
		if err := child.SubmitStandardJob(job, s.inbox); err != nil {
			s.untrack(job.Name)
			return err
		}
		return nil
	}
	return failure.NewJobTypeNotSupported(job.Name, s.name)
}

// SubmitPilotJob routes a pilot job to a pilot-capable child.
func (s *Service) SubmitPilotJob(job *action.PilotJob, submitter string) error {
	if s.State() == service.Down {
		return failure.NewServiceIsDown(s.name)
	}
	if !s.opts.SupportsPilotJobs {
		return failure.NewJobTypeNotSupported(job.Name, s.name)
	}
	for _, child := range s.pilotChildren {
		if !child.SupportsPilotJobs() {
			continue
		}
		s.track(job.Name, submitter)
		if err := child.SubmitPilotJob(job, s.inbox); err != nil {
			s.untrack(job.Name)
			return err
		}
		return nil
	}
	return failure.NewJobTypeNotSupported(job.Name, s.name)
}

func (s *Service) track(job, submitter string) {
	s.mu.Lock()
	s.submitters[job] = submitter
	s.mu.Unlock()
}

func (s *Service) untrack(job string) {
	s.mu.Lock()
	delete(s.submitters, job)
	s.mu.Unlock()
}
