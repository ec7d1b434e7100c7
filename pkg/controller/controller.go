// Package controller implements the execution controller: the
// user-authored daemon that drives a simulation run. A controller owns
// one commport mailbox; every service it submits work to delivers
// lifecycle events there, in enqueue order. Waiting for events is a
// restartable iteration over that mailbox, with optional simulated-time
// timeouts and per-variant dispatch.
package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrench-project/wrenchsim/pkg/commport"
	"github.com/wrench-project/wrenchsim/pkg/events"
	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/idgen"
	"github.com/wrench-project/wrenchsim/pkg/log"
	"github.com/wrench-project/wrenchsim/pkg/platform"
)

// Controller is one execution controller instance.
type Controller struct {
	name   string
	host   string
	plat   platform.Platform
	hub    *commport.Hub
	broker *events.Broker
	inbox  string
	logger zerolog.Logger
}

// New creates a controller on a host. broker, when non-nil, receives a
// copy of every event the controller consumes (the trace exporter's
// feed).
func New(name, host string, plat platform.Platform, hub *commport.Hub, broker *events.Broker) *Controller {
	return &Controller{
		name:   name,
		host:   host,
		plat:   plat,
		hub:    hub,
		broker: broker,
		inbox:  name + "-" + idgen.New("inbox"),
		logger: log.WithComponent(name),
	}
}

// Mailbox is the commport name services deliver this controller's events
// to; pass it as the submitter on every job submission.
func (c *Controller) Mailbox() string { return c.inbox }

// SetTimer arranges for a TimerFired event carrying tag to be enqueued
// at the given simulated date.
func (c *Controller) SetTimer(date time.Time, tag string) {
	clk := c.plat.Clock()
	delay := date.Sub(clk.Now())
	if delay < 0 {
		delay = 0
	}
	clk.AfterFunc(delay, func() {
		c.hub.DPut(c.inbox, c.name, events.NewSource(c.name, events.TimerFired{Tag: tag}))
	})
}

// PostCustom enqueues a Custom event on the controller's own mailbox,
// for daemon-to-controller signalling.
func (c *Controller) PostCustom(payload interface{}) {
	c.hub.DPut(c.inbox, c.name, events.NewSource(c.name, events.Custom{Payload: payload}))
}

// WaitForNextEvent blocks until the next event arrives. A non-zero
// timeout is simulated time; its expiry surfaces as NetworkTimeout.
func (c *Controller) WaitForNextEvent(timeout time.Duration) (events.Event, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if timeout > 0 {
		timer := c.plat.Clock().AfterFunc(timeout, cancel)
		defer timer.Stop()
	}

	env, err := c.hub.Get(ctx, c.inbox)
	if err != nil {
		return nil, err
	}
	ev, ok := env.Msg.(events.Event)
	if !ok {
		return nil, failure.NewNetworkError(c.inbox)
	}
	if c.broker != nil {
		c.broker.Publish(ev)
	}
	return ev, nil
}

// Handlers dispatches one event to its per-variant handler. Unset
// handlers fall through to Default; an unset Default drops the event.
type Handlers struct {
	StandardJobCompleted func(events.StandardJobCompleted)
	StandardJobFailed    func(events.StandardJobFailed)
	CompoundJobCompleted func(events.CompoundJobCompleted)
	CompoundJobFailed    func(events.CompoundJobFailed)
	PilotJobStarted      func(events.PilotJobStarted)
	PilotJobExpired      func(events.PilotJobExpired)
	FileCopyCompleted    func(events.FileCopyCompleted)
	FileCopyFailed       func(events.FileCopyFailed)
	FileReadCompleted    func(events.FileReadCompleted)
	FileReadFailed       func(events.FileReadFailed)
	FileWriteCompleted   func(events.FileWriteCompleted)
	FileWriteFailed      func(events.FileWriteFailed)
	TimerFired           func(events.TimerFired)
	Custom               func(events.Custom)
	Default              func(events.Event)
}

// WaitForAndProcessNextEvent waits for the next event and dispatches it.
func (c *Controller) WaitForAndProcessNextEvent(timeout time.Duration, h Handlers) error {
	ev, err := c.WaitForNextEvent(timeout)
	if err != nil {
		return err
	}
	dispatch(ev, h)
	return nil
}

func dispatch(ev events.Event, h Handlers) {
	switch e := ev.(type) {
	case events.StandardJobCompleted:
		if h.StandardJobCompleted != nil {
			h.StandardJobCompleted(e)
			return
		}
	case events.StandardJobFailed:
		if h.StandardJobFailed != nil {
			h.StandardJobFailed(e)
			return
		}
	case events.CompoundJobCompleted:
		if h.CompoundJobCompleted != nil {
			h.CompoundJobCompleted(e)
			return
		}
	case events.CompoundJobFailed:
		if h.CompoundJobFailed != nil {
			h.CompoundJobFailed(e)
			return
		}
	case events.PilotJobStarted:
		if h.PilotJobStarted != nil {
			h.PilotJobStarted(e)
			return
		}
	case events.PilotJobExpired:
		if h.PilotJobExpired != nil {
			h.PilotJobExpired(e)
			return
		}
	case events.FileCopyCompleted:
		if h.FileCopyCompleted != nil {
			h.FileCopyCompleted(e)
			return
		}
	case events.FileCopyFailed:
		if h.FileCopyFailed != nil {
			h.FileCopyFailed(e)
			return
		}
	case events.FileReadCompleted:
		if h.FileReadCompleted != nil {
			h.FileReadCompleted(e)
			return
		}
	case events.FileReadFailed:
		if h.FileReadFailed != nil {
			h.FileReadFailed(e)
			return
		}
	case events.FileWriteCompleted:
		if h.FileWriteCompleted != nil {
			h.FileWriteCompleted(e)
			return
		}
	case events.FileWriteFailed:
		if h.FileWriteFailed != nil {
			h.FileWriteFailed(e)
			return
		}
	case events.TimerFired:
		if h.TimerFired != nil {
			h.TimerFired(e)
			return
		}
	case events.Custom:
		if h.Custom != nil {
			h.Custom(e)
			return
		}
	}
	if h.Default != nil {
		h.Default(ev)
	}
}
