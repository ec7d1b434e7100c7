// Package executor implements the Action Executor: a single-use daemon
// that simulates one action's resource consumption (compute flops, file
// transfer bytes, sleep) and reports back how it ended. It is spawned by
// pkg/aes for every dispatched action and never outlives that action.
package executor

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wrench-project/wrenchsim/pkg/action"
	"github.com/wrench-project/wrenchsim/pkg/failure"
)

// Storage is the narrow file-transfer surface an executor needs from
// whatever storage service backs FileRead/FileWrite/FileCopy/FileDelete
// actions. pkg/storage's Router implements it; it is declared here
// (rather than imported from storage) so pkg/executor never depends on a
// concrete storage implementation.
type Storage interface {
	// ReserveWrite validates capacity and returns the simulated transfer
	// duration without mutating stored bytes yet, so a write that will
	// exceed capacity fails before any simulated time is spent.
	ReserveWrite(location string, bytes int64) (time.Duration, error)
	// CommitWrite applies the write after the transfer duration has
	// elapsed. AbortWrite releases the reservation instead, for a write
	// whose executor is killed or whose host crashes mid-transfer.
	CommitWrite(location string, bytes int64) error
	AbortWrite(location string, bytes int64)
	// Read validates the file exists and returns the simulated transfer
	// duration.
	Read(location string, bytes int64) (time.Duration, error)
	// Copy validates the source exists and dest has capacity, and returns
	// the simulated transfer duration. Committed atomically: callers never
	// observe a partially copied file.
	Copy(src, dst string) (time.Duration, error)
	// Delete removes a file, or fails with failure.FileNotFound.
	Delete(location string) error
}

// Params describes the binding an AES chose for the action: which host,
// how many cores, and how fast each core is.
type Params struct {
	Host     string
	Cores    int
	FlopRate float64
	// ComputeAsSleep simulates a Compute action as a timed sleep that
	// ignores core count, the cheap mode some large simulations run in.
	ComputeAsSleep bool
}

// Controls are the owning AES's levers over a running executor. Kill is
// closed exactly once to terminate the action; Suspend and Resume each
// deliver one token per VM suspend/resume cycle, freezing the action's
// remaining work for the duration of the suspension.
type Controls struct {
	Kill    <-chan struct{}
	Suspend <-chan struct{}
	Resume  <-chan struct{}
}

// Result is what an executor reports back to its owning AES when it
// finishes, one way or another.
type Result struct {
	Action *action.Action
	State  action.State // Completed, Failed, or Killed
	Cause  failure.Cause
	Host   string
	Cores  int
}

// Execute runs act to completion (or failure, or termination) and returns
// the outcome. It blocks the calling goroutine for the simulated duration
// of the action, waking early if ctl.Kill is closed.
//
// clk is normally the owning AES's platform clock; it is passed explicitly
// (rather than re-derived from a platform.Platform) so tests can drive a
// mock clock without constructing a whole platform.
func Execute(clk clock.Clock, p Params, storage Storage, act *action.Action, ctl Controls) Result {
	base := Result{Action: act, Host: p.Host, Cores: p.Cores}

	switch act.Variant {
	case action.Compute:
		return runTimed(clk, base, computeDuration(act, p), ctl)

	case action.Sleep:
		return runTimed(clk, base, time.Duration(act.Payload.SleepSeconds*float64(time.Second)), ctl)

	case action.FileRead:
		dur, err := storage.Read(act.Payload.FileLocation, act.Payload.FileBytes)
		if err != nil {
			return failed(base, err)
		}
		return runTimed(clk, base, dur, ctl)

	case action.FileWrite:
		dur, err := storage.ReserveWrite(act.Payload.FileLocation, act.Payload.FileBytes)
		if err != nil {
			return failed(base, err)
		}
		res := runTimed(clk, base, dur, ctl)
		if res.State == action.Completed {
			if err := storage.CommitWrite(act.Payload.FileLocation, act.Payload.FileBytes); err != nil {
				return failed(base, err)
			}
		} else {
			storage.AbortWrite(act.Payload.FileLocation, act.Payload.FileBytes)
		}
		return res

	case action.FileCopy:
		dur, err := storage.Copy(act.Payload.SrcLocation, act.Payload.DstLocation)
		if err != nil {
			return failed(base, err)
		}
		return runTimed(clk, base, dur, ctl)

	case action.FileDelete:
		if err := storage.Delete(act.Payload.FileLocation); err != nil {
			return failed(base, err)
		}
		return runTimed(clk, base, 0, ctl)

	case action.Custom:
		if act.Payload.CustomFn == nil {
			base.State = action.Completed
			return base
		}
		if err := act.Payload.CustomFn(); err != nil {
			base.State = action.Failed
			base.Cause = failure.NewNotAllowed(act.JobName, err.Error())
			return base
		}
		base.State = action.Completed
		return base

	default:
		base.State = action.Failed
		base.Cause = failure.NewNotAllowed(act.JobName, "unknown action variant")
		return base
	}
}

func computeDuration(act *action.Action, p Params) time.Duration {
	if p.FlopRate <= 0 {
		return 0
	}
	cores := p.Cores
	if p.ComputeAsSleep || cores <= 0 {
		cores = 1
	}
	seconds := act.Payload.Flops / (p.FlopRate * float64(cores))
	return time.Duration(seconds * float64(time.Second))
}

// runTimed blocks for d of simulated time, honouring kill and
// suspend/resume. A suspension stops the clock on the action's remaining
// work: the time spent suspended is not progress, so turnaround extends
// by exactly the suspension span.
func runTimed(clk clock.Clock, base Result, d time.Duration, ctl Controls) Result {
	remaining := d
	for remaining > 0 {
		start := clk.Now()
		timer := clk.Timer(remaining)
		select {
		case <-timer.C:
			remaining = 0
		case <-ctl.Kill:
			timer.Stop()
			return killed(base)
		case <-ctl.Suspend:
			timer.Stop()
			elapsed := clk.Now().Sub(start)
			if elapsed > remaining {
				elapsed = remaining
			}
			remaining -= elapsed
			select {
			case <-ctl.Resume:
			case <-ctl.Kill:
				return killed(base)
			}
		}
	}
	base.State = action.Completed
	return base
}

func killed(base Result) Result {
	base.State = action.Killed
	base.Cause = failure.NewJobKilled(base.Action.JobName)
	return base
}

func failed(base Result, err error) Result {
	base.State = action.Failed
	if c, ok := err.(failure.Cause); ok {
		base.Cause = c
	} else {
		base.Cause = failure.NewFileNotFound(base.Action.Payload.FileLocation)
	}
	return base
}
