// Package trace exposes the live event stream of a simulation run over
// HTTP: a websocket endpoint pushing every lifecycle event a subscribed
// broker sees, for external dashboards. It is strictly an observer and
// never sits on a simulation's critical path.
package trace

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wrench-project/wrenchsim/pkg/events"
	"github.com/wrench-project/wrenchsim/pkg/log"
)

// Record is the wire form of one traced event.
type Record struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Job    string `json:"job,omitempty"`
	Src    string `json:"src,omitempty"`
	Dst    string `json:"dst,omitempty"`
	Loc    string `json:"location,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// Server streams broker events to websocket clients.
type Server struct {
	broker   *events.Broker
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer builds a trace server over an event broker.
func NewServer(broker *events.Broker) *Server {
	return &Server{
		broker:   broker,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   log.WithComponent("trace"),
	}
}

// Routes returns the HTTP router: GET /events upgrades to a websocket
// event stream; GET /healthz answers liveness probes.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for ev := range sub {
		if err := conn.WriteJSON(ToRecord(ev)); err != nil {
			return
		}
	}
}

// ToRecord flattens an event into its wire form.
func ToRecord(ev events.Event) Record {
	rec := Record{Source: ev.EventSource()}
	switch e := ev.(type) {
	case events.StandardJobCompleted:
		rec.Type = "StandardJobCompleted"
		rec.Job = e.Job
	case events.StandardJobFailed:
		rec.Type = "StandardJobFailed"
		rec.Job = e.Job
		rec.Cause = causeString(e.Cause)
	case events.CompoundJobCompleted:
		rec.Type = "CompoundJobCompleted"
		rec.Job = e.Job
	case events.CompoundJobFailed:
		rec.Type = "CompoundJobFailed"
		rec.Job = e.Job
		rec.Cause = causeString(e.Cause)
	case events.PilotJobStarted:
		rec.Type = "PilotJobStarted"
		rec.Job = e.Job
	case events.PilotJobExpired:
		rec.Type = "PilotJobExpired"
		rec.Job = e.Job
	case events.FileCopyCompleted:
		rec.Type = "FileCopyCompleted"
		rec.Src = e.Src
		rec.Dst = e.Dst
	case events.FileCopyFailed:
		rec.Type = "FileCopyFailed"
		rec.Src = e.Src
		rec.Dst = e.Dst
		rec.Cause = causeString(e.Cause)
	case events.FileReadCompleted:
		rec.Type = "FileReadCompleted"
		rec.Loc = e.Location
	case events.FileReadFailed:
		rec.Type = "FileReadFailed"
		rec.Loc = e.Location
		rec.Cause = causeString(e.Cause)
	case events.FileWriteCompleted:
		rec.Type = "FileWriteCompleted"
		rec.Loc = e.Location
	case events.FileWriteFailed:
		rec.Type = "FileWriteFailed"
		rec.Loc = e.Location
		rec.Cause = causeString(e.Cause)
	case events.TimerFired:
		rec.Type = "TimerFired"
		rec.Tag = e.Tag
	case events.Custom:
		rec.Type = "Custom"
	default:
		rec.Type = "Unknown"
	}
	return rec
}

func causeString(c error) string {
	if c == nil {
		return ""
	}
	return c.Error()
}
