package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components never use it
// directly; they derive a scoped child via WithComponent.
var Logger zerolog.Logger

// Option adjusts the root logger built by Init.
type Option func(*settings)

type settings struct {
	level   string
	console bool
	out     io.Writer
}

// WithLevel sets the minimum level by name ("debug", "info", "warn",
// "error", ...). Unparseable names fall back to info.
func WithLevel(level string) Option {
	return func(s *settings) { s.level = level }
}

// WithConsole switches from JSON lines to human-readable console output.
func WithConsole() Option {
	return func(s *settings) { s.console = true }
}

// WithOutput redirects log output, e.g. to a buffer in tests.
func WithOutput(w io.Writer) Option {
	return func(s *settings) { s.out = w }
}

// Init rebuilds the root logger. With no options: JSON at info level on
// stdout. Safe to call again to reconfigure.
func Init(opts ...Option) {
	s := settings{level: "info", out: os.Stdout}
	for _, opt := range opts {
		opt(&s)
	}

	lvl, err := zerolog.ParseLevel(s.level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	w := s.out
	if s.console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(w).With().Timestamp().Logger()
}

// The module has no cmd/ front-end, so the default configuration must be
// usable before any embedder thinks to call Init.
func init() {
	Init()
}

// WithComponent derives a child logger tagged with the emitting
// subsystem ("aes", "batch", "css", ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
