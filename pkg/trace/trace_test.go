package trace

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrench-project/wrenchsim/pkg/events"
	"github.com/wrench-project/wrenchsim/pkg/failure"
)

func TestToRecordFlattensVariants(t *testing.T) {
	rec := ToRecord(events.NewSource("batch0", events.StandardJobFailed{
		Job: "j1", Cause: failure.NewJobTimeout("j1"),
	}))
	assert.Equal(t, "StandardJobFailed", rec.Type)
	assert.Equal(t, "batch0", rec.Source)
	assert.Equal(t, "j1", rec.Job)
	assert.Contains(t, rec.Cause, "timed out")

	rec = ToRecord(events.NewSource("css0", events.FileCopyCompleted{Src: "a:/f", Dst: "b:/f"}))
	assert.Equal(t, "FileCopyCompleted", rec.Type)
	assert.Equal(t, "a:/f", rec.Src)
	assert.Equal(t, "b:/f", rec.Dst)
}

func TestHealthz(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	srv := httptest.NewServer(NewServer(broker).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketStreamsPublishedEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	srv := httptest.NewServer(NewServer(broker).Routes())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Let the handler subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	broker.Publish(events.NewSource("bm0", events.StandardJobCompleted{Job: "j1"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var rec Record
	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, "StandardJobCompleted", rec.Type)
	assert.Equal(t, "j1", rec.Job)
	assert.Equal(t, "bm0", rec.Source)
}
