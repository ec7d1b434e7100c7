package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrench-project/wrenchsim/pkg/failure"
)

func TestNewSourceTagsVariant(t *testing.T) {
	e := NewSource("batch1", StandardJobFailed{Job: "j1", Cause: failure.NewJobTimeout("j1")})
	assert.Equal(t, "batch1", e.EventSource())

	failed, ok := e.(StandardJobFailed)
	require.True(t, ok)
	assert.Equal(t, "j1", failed.Job)
	assert.IsType(t, &failure.JobTimeout{}, failed.Cause)
}

func TestEventsCarryPayloadBytes(t *testing.T) {
	var e Event = TimerFired{Tag: "checkpoint"}
	assert.Positive(t, e.PayloadBytes())
}

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Publish(NewSource("bm1", StandardJobCompleted{Job: "j1"}))

	select {
	case e := <-sub:
		done, ok := e.(StandardJobCompleted)
		require.True(t, ok)
		assert.Equal(t, "j1", done.Job)
		assert.Equal(t, "bm1", done.EventSource())
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}
