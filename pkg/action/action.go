// Package action implements the Action/Job DAG model shared by every
// compute service. A standard job's pre-copy/read/compute/write/delete
// shaping lives in pkg/compute/baremetal, which is the one caller that
// builds that particular shape; the DAG primitives themselves (add a
// dependency, detect a cycle, compute the ready set) are generic and live
// here so batch, cloud, and htcondor jobs can reuse them unchanged.
package action

import (
	"fmt"
	"time"

	"github.com/wrench-project/wrenchsim/pkg/idgen"
)

// Variant is one of the 7 action kinds.
type Variant int

const (
	Compute Variant = iota
	FileRead
	FileWrite
	FileCopy
	FileDelete
	Sleep
	Custom
)

func (v Variant) String() string {
	switch v {
	case Compute:
		return "Compute"
	case FileRead:
		return "FileRead"
	case FileWrite:
		return "FileWrite"
	case FileCopy:
		return "FileCopy"
	case FileDelete:
		return "FileDelete"
	case Sleep:
		return "Sleep"
	default:
		return "Custom"
	}
}

// State is an action's lifecycle state. It advances monotonically except
// that a crashed executor may reset READY/STARTED back to READY when the
// embedding AES is configured not to fail the action outright.
type State int

const (
	NotReady State = iota
	Ready
	Started
	Completed
	Killed
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Started:
		return "STARTED"
	case Completed:
		return "COMPLETED"
	case Killed:
		return "KILLED"
	case Failed:
		return "FAILED"
	default:
		return "NOT_READY"
	}
}

// Payload carries the variant-specific arguments an Action Executor needs.
// Exactly one of these fields is meaningful, selected by the Action's
// Variant; the others are left zero. A single struct (rather than an
// interface with seven implementations) keeps Action trivially copyable
// and keeps pkg/executor's simulate switch exhaustive without type
// assertions.
type Payload struct {
	Flops          float64 // Compute
	FileLocation   string  // FileRead, FileWrite, FileDelete: destination/source
	FileBytes      int64   // FileRead, FileWrite
	SrcLocation    string  // FileCopy
	DstLocation    string  // FileCopy
	SleepSeconds   float64 // Sleep
	CustomFn       func() error
}

// Cause, when attached to an Action, is whatever failure.Cause the
// executor or AES recorded. It is typed as interface{ Error() string } here
// so pkg/action does not import pkg/failure (action only needs to carry
// and print it, never construct or branch on its concrete type).
type Cause interface {
	Error() string
}

// Action is one node in a job's DAG.
type Action struct {
	Name    string
	JobName string
	Variant Variant
	Payload Payload

	MinCores int
	MaxCores int
	MinRAM   int64

	State State
	Err   Cause

	// StartedAt/EndedAt are simulated dates, set by the executing AES.
	StartedAt time.Time
	EndedAt   time.Time

	precedes map[string]struct{} // actions that must complete before this one
}

// NewAction creates an action named "action-N", with N minted via
// idgen.Sequence; callers may overwrite Name before adding it to a job.
func NewAction(job string, variant Variant, payload Payload, minCores, maxCores int, minRAM int64) *Action {
	name := fmt.Sprintf("action-%d", idgen.Sequence())
	if maxCores < minCores {
		maxCores = minCores
	}
	if minCores < 1 {
		minCores = 1
		maxCores = 1
	}
	return &Action{
		Name:     name,
		JobName:  job,
		Variant:  variant,
		Payload:  payload,
		MinCores: minCores,
		MaxCores: maxCores,
		MinRAM:   minRAM,
		State:    NotReady,
		precedes: make(map[string]struct{}),
	}
}

// Job is the common state every job variant shares: a DAG of actions plus
// submission metadata. CompoundJob, StandardJob, and PilotJob all embed it.
type Job struct {
	Name      string
	Priority  int
	Submitter string // commport mailbox name of the submitting client
	Args      map[string]string
	State     JobState

	actions map[string]*Action
	order   []string // insertion order, for FIFO-stable ready-set iteration
}

// JobState is a job's lifecycle state.
type JobState int

const (
	NotSubmitted JobState = iota
	Pending
	Running
	JobCompleted
	JobFailed
	Terminated
)

func (s JobState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case JobCompleted:
		return "COMPLETED"
	case JobFailed:
		return "FAILED"
	case Terminated:
		return "TERMINATED"
	default:
		return "NOT_SUBMITTED"
	}
}

// NewJob creates an empty job DAG.
func NewJob(name string, args map[string]string) *Job {
	if args == nil {
		args = make(map[string]string)
	}
	return &Job{
		Name:    name,
		Args:    args,
		State:   NotSubmitted,
		actions: make(map[string]*Action),
	}
}

// AddAction inserts an action into the job's DAG. The action starts
// NOT_READY; RecomputeReadySet moves it to READY once its precedence set
// is satisfied.
func (j *Job) AddAction(a *Action) {
	a.JobName = j.Name
	j.actions[a.Name] = a
	j.order = append(j.order, a.Name)
}

// Action looks up an action by name.
func (j *Job) Action(name string) (*Action, bool) {
	a, ok := j.actions[name]
	return a, ok
}

// Actions returns every action in insertion order.
func (j *Job) Actions() []*Action {
	out := make([]*Action, 0, len(j.order))
	for _, n := range j.order {
		out = append(out, j.actions[n])
	}
	return out
}

// AddDependency records that "before" must complete before "after" starts.
// It fails if either action is unknown to the job or if the edge would
// create a cycle.
func (j *Job) AddDependency(before, after string) error {
	a, ok := j.actions[before]
	if !ok {
		return fmt.Errorf("action %q: unknown predecessor", before)
	}
	b, ok := j.actions[after]
	if !ok {
		return fmt.Errorf("action %q: unknown successor", after)
	}
	if before == after {
		return fmt.Errorf("action %q: self-loop dependency", before)
	}
	b.precedes[before] = struct{}{}
	if j.hasCycleFrom(a.Name) {
		delete(b.precedes, before)
		return fmt.Errorf("dependency %s -> %s would create a cycle", before, after)
	}
	return nil
}

// hasCycleFrom runs a DFS from start, looking for a path back to itself
// through the precedes edges (which point successor -> predecessor, so we
// walk predecessor -> successor by scanning every action's precedes set).
func (j *Job) hasCycleFrom(start string) bool {
	visited := make(map[string]int) // 0=unvisited 1=in-progress 2=done
	var visit func(name string) bool
	visit = func(name string) bool {
		switch visited[name] {
		case 1:
			return true
		case 2:
			return false
		}
		visited[name] = 1
		for _, succName := range j.order {
			succ := j.actions[succName]
			if _, ok := succ.precedes[name]; ok {
				if visit(succName) {
					return true
				}
			}
		}
		visited[name] = 2
		return false
	}
	return visit(start)
}

// RecomputeReadySet moves every NOT_READY action whose precedence set is
// now fully COMPLETED into READY. Called after each action completion.
func (j *Job) RecomputeReadySet() []*Action {
	var newlyReady []*Action
	for _, name := range j.order {
		a := j.actions[name]
		if a.State != NotReady {
			continue
		}
		ready := true
		for pred := range a.precedes {
			if j.actions[pred].State != Completed {
				ready = false
				break
			}
		}
		if ready {
			a.State = Ready
			newlyReady = append(newlyReady, a)
		}
	}
	return newlyReady
}

// IsComplete reports whether every action in the job is COMPLETED.
func (j *Job) IsComplete() bool {
	for _, name := range j.order {
		if j.actions[name].State != Completed {
			return false
		}
	}
	return true
}

// FailedAction returns the first action found in FAILED or KILLED state,
// and true, or (nil, false) if none has failed yet. A job's state becomes
// FAILED as soon as any constituent action fails or is killed, unless the
// job itself was explicitly terminated.
func (j *Job) FailedAction() (*Action, bool) {
	for _, name := range j.order {
		a := j.actions[name]
		if a.State == Failed || a.State == Killed {
			return a, true
		}
	}
	return nil, false
}
