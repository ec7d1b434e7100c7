package controller

import (
	"sync"
	"time"

	"github.com/wrench-project/wrenchsim/pkg/action"
	"github.com/wrench-project/wrenchsim/pkg/events"
	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/storage"
)

// StandardSubmitter is any compute service a standard job can go to.
type StandardSubmitter interface {
	SubmitStandardJob(job *action.StandardJob, submitter string) error
}

// CompoundSubmitter is any compute service a compound job can go to.
type CompoundSubmitter interface {
	SubmitCompoundJob(job *action.CompoundJob, submitter string) error
}

// PilotSubmitter is any compute service a pilot job can go to.
type PilotSubmitter interface {
	SubmitPilotJob(job *action.PilotJob, submitter string) error
}

// Terminator is any compute service a job can be terminated on.
type Terminator interface {
	TerminateJob(name string) error
}

// JobManager submits jobs on a controller's behalf, guarding against
// duplicate submissions so the controller observes exactly one terminal
// event per job.
type JobManager struct {
	c *Controller

	mu        sync.Mutex
	submitted map[string]bool
}

// CreateJobManager builds a job manager bound to this controller.
func (c *Controller) CreateJobManager() *JobManager {
	return &JobManager{c: c, submitted: make(map[string]bool)}
}

func (jm *JobManager) claim(name string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.submitted[name] {
		return failure.NewNotAllowed(jm.c.name, "job "+name+" was already submitted")
	}
	jm.submitted[name] = true
	return nil
}

func (jm *JobManager) release(name string) {
	jm.mu.Lock()
	delete(jm.submitted, name)
	jm.mu.Unlock()
}

// SubmitStandardJob submits a standard job with the controller's mailbox
// as the event destination.
func (jm *JobManager) SubmitStandardJob(svc StandardSubmitter, job *action.StandardJob) error {
	if err := jm.claim(job.Name); err != nil {
		return err
	}
	if err := svc.SubmitStandardJob(job, jm.c.Mailbox()); err != nil {
		jm.release(job.Name)
		return err
	}
	return nil
}

// SubmitCompoundJob submits a compound job.
func (jm *JobManager) SubmitCompoundJob(svc CompoundSubmitter, job *action.CompoundJob) error {
	if err := jm.claim(job.Name); err != nil {
		return err
	}
	if err := svc.SubmitCompoundJob(job, jm.c.Mailbox()); err != nil {
		jm.release(job.Name)
		return err
	}
	return nil
}

// SubmitPilotJob submits a pilot job.
func (jm *JobManager) SubmitPilotJob(svc PilotSubmitter, job *action.PilotJob) error {
	if err := jm.claim(job.Name); err != nil {
		return err
	}
	if err := svc.SubmitPilotJob(job, jm.c.Mailbox()); err != nil {
		jm.release(job.Name)
		return err
	}
	return nil
}

// TerminateJob forwards a terminate request to the service hosting the
// job.
func (jm *JobManager) TerminateJob(svc Terminator, name string) error {
	return svc.TerminateJob(name)
}

// DataMovementManager initiates file operations on a controller's behalf
// and reports their outcomes as events on the controller's mailbox.
type DataMovementManager struct {
	c      *Controller
	router *storage.Router
}

// CreateDataMovementManager builds a data movement manager over the
// storage router.
func (c *Controller) CreateDataMovementManager(router *storage.Router) *DataMovementManager {
	return &DataMovementManager{c: c, router: router}
}

func (dm *DataMovementManager) post(ev events.Event) {
	dm.c.hub.DPut(dm.c.inbox, dm.c.name, events.NewSource(dm.c.name, ev))
}

// InitiateFileCopy starts an asynchronous copy; a FileCopyCompleted or
// FileCopyFailed event follows after the simulated transfer time.
func (dm *DataMovementManager) InitiateFileCopy(src, dst string) {
	go func() {
		dur, err := dm.router.Copy(src, dst)
		if err != nil {
			dm.post(events.FileCopyFailed{Src: src, Dst: dst, Cause: toCause(err)})
			return
		}
		dm.wait(dur)
		dm.post(events.FileCopyCompleted{Src: src, Dst: dst})
	}()
}

// InitiateFileRead starts an asynchronous read of bytes from a location.
func (dm *DataMovementManager) InitiateFileRead(loc string, bytes int64) {
	go func() {
		dur, err := dm.router.Read(loc, bytes)
		if err != nil {
			dm.post(events.FileReadFailed{Location: loc, Cause: toCause(err)})
			return
		}
		dm.wait(dur)
		dm.post(events.FileReadCompleted{Location: loc})
	}()
}

// InitiateFileWrite starts an asynchronous write of bytes to a location.
func (dm *DataMovementManager) InitiateFileWrite(loc string, bytes int64) {
	go func() {
		dur, err := dm.router.ReserveWrite(loc, bytes)
		if err != nil {
			dm.post(events.FileWriteFailed{Location: loc, Cause: toCause(err)})
			return
		}
		dm.wait(dur)
		if err := dm.router.CommitWrite(loc, bytes); err != nil {
			dm.post(events.FileWriteFailed{Location: loc, Cause: toCause(err)})
			return
		}
		dm.post(events.FileWriteCompleted{Location: loc})
	}()
}

func (dm *DataMovementManager) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	<-dm.c.plat.Clock().After(d)
}

func toCause(err error) failure.Cause {
	if c, ok := err.(failure.Cause); ok {
		return c
	}
	return failure.NewNetworkError(err.Error())
}
