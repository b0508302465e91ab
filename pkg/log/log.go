package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process root logger. Until Init runs it stays a zero
// zerolog.Logger, which drops every event; package tests lean on that
// silence.
var Logger zerolog.Logger

// Level is a config-friendly log level name.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// zerologLevel maps the name onto zerolog's scale. Unrecognized names fall
// back to info rather than failing startup.
func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init sets the global level and rebuilds Logger. JSON is the production
// format; console output is for a human watching the terminal.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerologLevel())

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the component name.
// Components take their child at construction time, so a later Init does not
// retarget them; the orchestrator initializes logging before wiring anything.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
