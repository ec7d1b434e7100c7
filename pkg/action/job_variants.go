package action

import "fmt"

// CompoundJob is a bare DAG of actions with no implied shape: the caller
// decides the graph. Bare-metal services accept it through
// SubmitCompoundJob, and raw AES.Submit callers that want custom shapes
// use it directly.
type CompoundJob struct {
	*Job
}

// NewCompoundJob wraps a fresh Job.
func NewCompoundJob(name string, args map[string]string) *CompoundJob {
	return &CompoundJob{Job: NewJob(name, args)}
}

// DeclaredOutput is one file a StandardJob promises to have written by the
// time it completes (from a FileWrite or Compute action with an output
// side effect). CheckCompletionInvariant uses this list, not the action
// graph, since Compute actions may also declare outputs in addition to
// FileWrite actions.
type DeclaredOutput struct {
	ActionName string
	Location   string
}

// StandardJob is a CompoundJob shaped by pkg/compute/baremetal into
// pre-copy/read/compute/write/post-delete actions. It additionally tracks
// the output files its constituent actions declared, so completion can
// verify every declared output exists at its destination.
type StandardJob struct {
	*CompoundJob
	Outputs []DeclaredOutput
}

// NewStandardJob wraps a fresh CompoundJob.
func NewStandardJob(name string, args map[string]string) *StandardJob {
	return &StandardJob{CompoundJob: NewCompoundJob(name, args)}
}

// DeclareOutput records that action must have written a file to location
// by the time the job completes.
func (s *StandardJob) DeclareOutput(action, location string) {
	s.Outputs = append(s.Outputs, DeclaredOutput{ActionName: action, Location: location})
}

// FileExister is implemented by the storage layer the caller checks
// declared outputs against (storage.Router and css.Service satisfy it).
// Kept minimal and defined here so pkg/action imports no storage package.
type FileExister interface {
	Exists(location string) bool
}

// CheckCompletionInvariant verifies every declared output exists, per the
// completion-file invariant. Called by pkg/compute/baremetal right before
// reporting a StandardJob COMPLETED.
func (s *StandardJob) CheckCompletionInvariant(fe FileExister) error {
	for _, out := range s.Outputs {
		if !fe.Exists(out.Location) {
			return fmt.Errorf("standard job %s: action %s declared output %s but it does not exist", s.Name, out.ActionName, out.Location)
		}
	}
	return nil
}

// PilotJob is a resource reservation whose body is an inner CompoundJob.
// The reservation itself has no actions of its own. Inner only records a
// job attached with Submit; no service runs it. Work reaches a started
// pilot by submission to the compute service named in PilotJobStarted.
type PilotJob struct {
	*Job
	RequestedCores int
	RequestedRAM   int64
	DurationSec    float64
	Inner          *CompoundJob
	BoundService   string // name of the compute service the pilot acquired, once started
}

// NewPilotJob creates a pilot reservation request.
func NewPilotJob(name string, cores int, ram int64, durationSec float64, args map[string]string) *PilotJob {
	return &PilotJob{
		Job:            NewJob(name, args),
		RequestedCores: cores,
		RequestedRAM:   ram,
		DurationSec:    durationSec,
	}
}

// Submit records inner as the pilot's Inner job; it does not run it.
func (p *PilotJob) Submit(inner *CompoundJob) {
	p.Inner = inner
}
