// Package service implements the UP/DOWN/SUSPENDED lifecycle the AES
// runs on; compute services reuse its State values. The daemon loop is a
// single goroutine selecting on a ticker and a stop channel.
package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/log"
	"github.com/wrench-project/wrenchsim/pkg/platform"
)

// State is a service's lifecycle state.
type State int

const (
	Down State = iota
	Up
	Suspended
)

func (s State) String() string {
	switch s {
	case Up:
		return "UP"
	case Suspended:
		return "SUSPENDED"
	default:
		return "DOWN"
	}
}

// Tick is invoked once per daemon loop iteration while the service is Up.
// Implementations return an error only for unexpected internal failures;
// expected conditions (no work, resources busy) are not errors.
type Tick func() error

// Base supplies the lifecycle state machine and daemon loop; the AES
// holds one. Compute services and the controller keep their own state.
type Base struct {
	Name     string
	Host     string
	Platform platform.Platform
	Logger   zerolog.Logger

	mu         sync.RWMutex
	state      State
	stopCh     chan struct{}
	doneCh     chan struct{}
	lastCause  failure.Cause
	period     time.Duration
	tick       Tick
	onRestart  func()
	restarting bool
}

// NewBase constructs a stopped service. Call Start to begin the daemon
// loop; tick is invoked on every period while the service is Up.
func NewBase(name, host string, plat platform.Platform, period time.Duration, tick Tick) *Base {
	return &Base{
		Name:     name,
		Host:     host,
		Platform: plat,
		Logger:   log.WithComponent(name),
		state:    Down,
		period:   period,
		tick:     tick,
	}
}

// OnRestart registers a hook invoked after an auto-restart, before the
// daemon loop resumes ticking. Implementations use it to rebuild ledgers
// from pkg/platform rather than from pre-crash snapshots.
func (b *Base) OnRestart(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRestart = fn
}

// Start transitions the service Up and begins its daemon loop.
func (b *Base) Start() {
	b.mu.Lock()
	if b.state == Up {
		b.mu.Unlock()
		return
	}
	b.state = Up
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	go b.run()
}

func (b *Base) run() {
	defer close(b.doneCh)

	ticker := b.Platform.Clock().Ticker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if b.State() != Up {
				continue
			}
			if err := b.tick(); err != nil {
				b.Logger.Error().Err(err).Msg("tick failed")
			}
		case <-b.stopCh:
			return
		}
	}
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stop transitions the service Down. If drain is true, callers are
// expected to have already waited for in-flight work to finish (AES and
// compute services check their own queues before calling Stop(true, ...));
// Base itself does not block on pending work. cause is recorded and
// attached to any FailedEvent the caller raises for jobs still in flight.
func (b *Base) Stop(drain bool, cause failure.Cause) {
	b.mu.Lock()
	if b.state == Down {
		b.mu.Unlock()
		return
	}
	b.state = Down
	b.lastCause = cause
	stopCh := b.stopCh
	doneCh := b.doneCh
	b.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Kill is an ungraceful Stop: no drain semantics are implied, matching a
// host crash. Equivalent to Stop(false, cause) but named for call-site
// clarity at AES/compute-service failure-injection points.
func (b *Base) Kill(cause failure.Cause) {
	b.Stop(false, cause)
}

// Suspend freezes the daemon loop without tearing it down: a suspended
// service stops ticking but its state (queues, ledgers) is preserved for
// Resume, mirroring the cloud service's VM suspend/resume.
func (b *Base) Suspend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Up {
		b.state = Suspended
	}
}

// Resume reverses Suspend.
func (b *Base) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Suspended {
		b.state = Up
	}
}

// LastFailureCause returns the Cause recorded by the most recent Stop or
// Kill, or nil if the service has never been stopped.
func (b *Base) LastFailureCause() failure.Cause {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastCause
}

// Restart stops the service (if up) and starts it again, invoking the
// registered OnRestart hook in between so ledgers are rebuilt from
// pkg/platform rather than resurrected from whatever state existed before
// the crash.
func (b *Base) Restart() error {
	b.mu.Lock()
	if b.restarting {
		b.mu.Unlock()
		return fmt.Errorf("service %s: restart already in progress", b.Name)
	}
	b.restarting = true
	hook := b.onRestart
	b.mu.Unlock()

	if b.State() != Down {
		b.Stop(false, failure.NewServiceIsDown(b.Name))
	}
	if hook != nil {
		hook()
	}
	b.Start()

	b.mu.Lock()
	b.restarting = false
	b.mu.Unlock()
	return nil
}
