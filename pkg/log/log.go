package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It is usable before Init so that early
// failures in a worker child still land somewhere.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the process-wide logger. Unknown level names fall back to
// info. Output goes to w, or to stderr when w is nil — and stderr is the
// only sane default here: interpreter worker processes use stdout as the
// frame channel back to the broker, so a single stray log line there would
// corrupt the protocol.
func Init(level string, json bool, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if !json {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a broker-side component
// name (pool, broker, worker, installer, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ForWorker returns the logger for code paths that act on one pooled
// interpreter: every line carries the client identity, the environment, and
// the subprocess pid, which together name a WorkerKey when reading logs.
func ForWorker(component, clientID, env string, pid int) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("client_id", clientID).
		Str("env", env).
		Int("worker_pid", pid).
		Logger()
}
