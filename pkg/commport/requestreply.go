package commport

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wrench-project/wrenchsim/pkg/failure"
)

// Client sends requests to a "to" mailbox and blocks for the answer on a
// reply mailbox the caller names (see Hub.NewMailboxName), bounded by a
// timeout. Requests to a given destination are load-shed through a circuit breaker
// once that destination has timed out repeatedly, backing off instead of
// hammering a service that is down.
type Client struct {
	hub       *Hub
	self      string
	breakers  map[string]*gobreaker.CircuitBreaker
	newBreaker func(name string) *gobreaker.CircuitBreaker
}

// NewClient builds a request/reply client bound to a hub and the caller's
// own mailbox name (used as the From field on every message sent).
func NewClient(hub *Hub, self string) *Client {
	c := &Client{hub: hub, self: self, breakers: make(map[string]*gobreaker.CircuitBreaker)}
	c.newBreaker = func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return c
}

func (c *Client) breaker(to string) *gobreaker.CircuitBreaker {
	if b, ok := c.breakers[to]; ok {
		return b
	}
	b := c.newBreaker(to)
	c.breakers[to] = b
	return b
}

// ReplyMessage is the envelope a request handler sends back to the
// mailbox named in the request. Concrete request types embed a ReplyTo
// field of this shape; Request only needs to know where to listen.
type ReplyMessage = Message

// Request puts req on the "to" mailbox (req must carry its own reply-to
// mailbox name, conventionally minted with NewMailboxName) and waits up to
// timeout for a reply on replyMailbox. A tripped circuit breaker fails fast
// with failure.NetworkError rather than waiting out the timeout again.
func (c *Client) Request(ctx context.Context, to, replyMailbox string, req Message, timeout time.Duration) (Message, error) {
	breaker := c.breaker(to)

	result, err := breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := c.hub.Put(reqCtx, to, c.self, req); err != nil {
			return nil, err
		}
		env, err := c.hub.Get(reqCtx, replyMailbox)
		if err != nil {
			return nil, err
		}
		return env.Msg, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, failure.NewNetworkError(fmt.Sprintf("%s (circuit open)", to))
		}
		return nil, err
	}
	return result.(Message), nil
}
