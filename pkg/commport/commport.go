// Package commport implements named mailboxes and the request/reply
// primitive every service and client uses to talk to every other service.
// It is the one place in the kernel that models message-passing delay and
// network failure, so every higher layer (service, aes, compute service,
// controller) can treat "send a message" as a single call instead of
// re-implementing timeouts and retries.
package commport

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wrench-project/wrenchsim/pkg/failure"
)

// Network resolves the simulated link between two named endpoints and
// supplies the clock transfer delays are charged against.
// platform.Simulated satisfies it once routes are registered.
type Network interface {
	Route(from, to string) (bandwidthBps int64, latencySec float64, ok bool)
	Clock() clock.Clock
}

// Message is anything a service can put on a commport. Concrete request and
// notification types live alongside the service that defines them; commport
// itself is payload-agnostic.
type Message interface {
	// PayloadBytes is the simulated wire size, used to charge link bandwidth
	// and compute transfer latency.
	PayloadBytes() int64
}

// Envelope wraps a Message with the commport metadata callers need to
// correlate replies and compute network cost.
type Envelope struct {
	Msg  Message
	From string
}

// Hub owns every named mailbox in a simulation. Mailboxes are created
// lazily on first use. A hub built over a Network charges every message
// the transfer time its payload costs on the sender→receiver link
// before the message becomes visible to Get; a plain hub delivers
// instantaneously.
type Hub struct {
	net      Network
	mu       sync.Mutex
	mailbox  map[string]*mailbox
	nextAnon uint64
}

type mailbox struct {
	mu     sync.Mutex
	queue  *list.List
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{queue: list.New(), notify: make(chan struct{}, 1)}
}

// wake pings any goroutine blocked in Get. Non-blocking: at most one pending
// ping is ever needed since Get always re-checks the queue after waking.
func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// NewHub creates an empty mailbox registry with instantaneous delivery,
// for wirings that model no network between endpoints.
func NewHub() *Hub {
	return &Hub{mailbox: make(map[string]*mailbox)}
}

// NewHubWithNetwork creates a mailbox registry whose deliveries are
// charged against the network's links: latency plus payload bytes over
// bandwidth, per routed sender→receiver pair. Unrouted pairs deliver
// without delay.
func NewHubWithNetwork(net Network) *Hub {
	return &Hub{net: net, mailbox: make(map[string]*mailbox)}
}

func (h *Hub) get(name string) *mailbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.mailbox[name]
	if !ok {
		m = newMailbox()
		h.mailbox[name] = m
	}
	return m
}

// NewMailboxName mints a process-unique anonymous mailbox name, the way a
// client creates a throwaway "answer mailbox" for one request/reply.
func (h *Hub) NewMailboxName(prefix string) string {
	h.mu.Lock()
	h.nextAnon++
	n := h.nextAnon
	h.mu.Unlock()
	return fmt.Sprintf("%s-answer-%d", prefix, n)
}

// transferDelay is the simulated time msg spends on the wire between
// from and to: the routed link's latency plus payload bytes over its
// bandwidth. Zero when the hub has no network or the pair is unrouted.
func (h *Hub) transferDelay(to, from string, msg Message) time.Duration {
	if h.net == nil {
		return 0
	}
	bps, latency, ok := h.net.Route(from, to)
	if !ok {
		return 0
	}
	d := time.Duration(latency * float64(time.Second))
	if bps > 0 && msg.PayloadBytes() > 0 {
		d += time.Duration(float64(msg.PayloadBytes()) / float64(bps) * float64(time.Second))
	}
	return d
}

// Put enqueues msg on the named mailbox, charging the sender the
// message's transfer time on the sender→receiver link first. It blocks
// for that simulated span; cancellation mid-transfer surfaces as
// NetworkTimeout.
func (h *Hub) Put(ctx context.Context, to, from string, msg Message) error {
	if delay := h.transferDelay(to, from, msg); delay > 0 {
		select {
		case <-h.net.Clock().After(delay):
		case <-ctx.Done():
			return failure.NewNetworkTimeout(to)
		}
	}
	if err := h.enqueue(to, from, msg); err != nil {
		return err
	}
	return ctx.Err()
}

// DPut is the detached put: the sender does not wait, but the message is
// still charged its transfer time and only becomes visible to Get once
// that span has elapsed. A message in flight to a mailbox that closes
// meanwhile is dropped, the way a packet to a dead endpoint would be.
func (h *Hub) DPut(to, from string, msg Message) {
	delay := h.transferDelay(to, from, msg)
	if delay == 0 {
		_ = h.enqueue(to, from, msg)
		return
	}
	clk := h.net.Clock()
	go func() {
		<-clk.After(delay)
		_ = h.enqueue(to, from, msg)
	}()
}

func (h *Hub) enqueue(to, from string, msg Message) error {
	m := h.get(to)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return failure.NewNetworkError(to)
	}
	m.queue.PushBack(Envelope{Msg: msg, From: from})
	m.mu.Unlock()
	m.wake()
	return nil
}

// Get blocks until a message arrives on the named mailbox, the context is
// cancelled (surfaced as failure.NetworkTimeout), or the mailbox is closed.
func (h *Hub) Get(ctx context.Context, name string) (Envelope, error) {
	m := h.get(name)

	for {
		m.mu.Lock()
		if m.queue.Len() > 0 {
			front := m.queue.Front()
			m.queue.Remove(front)
			m.mu.Unlock()
			return front.Value.(Envelope), nil
		}
		if m.closed {
			m.mu.Unlock()
			return Envelope{}, failure.NewNetworkError(name)
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
			// loop and re-check the queue
		case <-ctx.Done():
			return Envelope{}, failure.NewNetworkTimeout(name)
		}
	}
}

// GetRace blocks until a message arrives on any one of the named mailboxes,
// returning which mailbox it came from, for callers that watch several
// inboxes at once.
func (h *Hub) GetRace(ctx context.Context, names ...string) (string, Envelope, error) {
	type result struct {
		name string
		env  Envelope
		err  error
	}
	results := make(chan result, len(names))
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, n := range names {
		n := n
		go func() {
			env, err := h.Get(raceCtx, n)
			select {
			case results <- result{n, env, err}:
			case <-raceCtx.Done():
			}
		}()
	}

	select {
	case r := <-results:
		return r.name, r.env, r.err
	case <-ctx.Done():
		return "", Envelope{}, failure.NewNetworkTimeout(fmt.Sprintf("%v", names))
	}
}

// Close marks a mailbox closed; blocked Gets that find it empty return a
// NetworkError instead of waiting forever. Used when tearing down a
// service's own mailbox on shutdown.
func (h *Hub) Close(name string) {
	m := h.get(name)
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}
