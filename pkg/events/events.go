package events

import (
	"sync"

	"github.com/wrench-project/wrenchsim/pkg/failure"
)

// Event is the closed set of lifecycle events the bus carries to
// controllers. Every variant implements commport.Message so events can be
// enqueued on a controller's mailbox directly; delivery order is the order
// events are enqueued, so concurrent producers interleave.
type Event interface {
	// Source is the name of the service that emitted the event. A
	// meta-scheduler re-emits child events with itself as source.
	EventSource() string
	// PayloadBytes is the simulated wire size of the event notification.
	PayloadBytes() int64
	isEvent()
}

// eventBase carries the fields every variant shares.
type eventBase struct {
	Source string
}

func (e eventBase) EventSource() string { return e.Source }
func (e eventBase) PayloadBytes() int64 { return 1024 }
func (e eventBase) isEvent()            {}

// StandardJobCompleted reports a standard job whose actions all completed.
type StandardJobCompleted struct {
	eventBase
	Job string
}

// StandardJobFailed reports a standard job that failed, with the first
// failed action's cause attached.
type StandardJobFailed struct {
	eventBase
	Job   string
	Cause failure.Cause
}

// CompoundJobCompleted reports a compound job whose actions all completed.
type CompoundJobCompleted struct {
	eventBase
	Job string
}

// CompoundJobFailed reports a failed compound job.
type CompoundJobFailed struct {
	eventBase
	Job   string
	Cause failure.Cause
}

// PilotJobStarted reports that a pilot reservation has been granted.
// ComputeService names the nested service the pilot's inner jobs run on.
type PilotJobStarted struct {
	eventBase
	Job            string
	ComputeService string
}

// PilotJobExpired reports that a pilot reservation reached its deadline.
type PilotJobExpired struct {
	eventBase
	Job string
}

// FileCopyCompleted reports a finished file copy.
type FileCopyCompleted struct {
	eventBase
	Src string
	Dst string
}

// FileCopyFailed reports a failed file copy.
type FileCopyFailed struct {
	eventBase
	Src   string
	Dst   string
	Cause failure.Cause
}

// FileReadCompleted reports a finished file read.
type FileReadCompleted struct {
	eventBase
	Location string
}

// FileReadFailed reports a failed file read.
type FileReadFailed struct {
	eventBase
	Location string
	Cause    failure.Cause
}

// FileWriteCompleted reports a finished file write.
type FileWriteCompleted struct {
	eventBase
	Location string
}

// FileWriteFailed reports a failed file write.
type FileWriteFailed struct {
	eventBase
	Location string
	Cause    failure.Cause
}

// TimerFired reports a timer set via Controller.SetTimer.
type TimerFired struct {
	eventBase
	Tag string
}

// Custom carries an arbitrary user payload between daemons.
type Custom struct {
	eventBase
	Payload interface{}
}

// NewSource tags an event variant with its emitting service. Variants are
// plain structs; this helper exists so call sites read
// events.NewSource("batch1", events.PilotJobExpired{Job: j}) instead of
// fiddling with the embedded base.
func NewSource(source string, e Event) Event {
	switch ev := e.(type) {
	case StandardJobCompleted:
		ev.Source = source
		return ev
	case StandardJobFailed:
		ev.Source = source
		return ev
	case CompoundJobCompleted:
		ev.Source = source
		return ev
	case CompoundJobFailed:
		ev.Source = source
		return ev
	case PilotJobStarted:
		ev.Source = source
		return ev
	case PilotJobExpired:
		ev.Source = source
		return ev
	case FileCopyCompleted:
		ev.Source = source
		return ev
	case FileCopyFailed:
		ev.Source = source
		return ev
	case FileReadCompleted:
		ev.Source = source
		return ev
	case FileReadFailed:
		ev.Source = source
		return ev
	case FileWriteCompleted:
		ev.Source = source
		return ev
	case FileWriteFailed:
		ev.Source = source
		return ev
	case TimerFired:
		ev.Source = source
		return ev
	case Custom:
		ev.Source = source
		return ev
	}
	return e
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// Broker fans events out to observers that are not the controller: the
// trace exporter, test harnesses, metrics shims. Controllers do NOT
// subscribe here; they get events on their own commport mailbox so
// per-controller FIFO ordering holds. The broker is strictly a side tap.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan Event
	stopCh      chan struct{}
}

// NewBroker creates a stopped broker; call Start to begin distribution.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish hands an event to the broker for distribution.
func (b *Broker) Publish(event Event) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
