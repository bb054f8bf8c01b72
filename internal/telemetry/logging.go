// Package telemetry configures the process-wide structured logger.
// Every SpecMem component receives a scoped zerolog.Logger at
// construction time rather than reaching for a package-level global,
// but the process entrypoint (cmd/specmemd) builds the root logger here.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the root logger's behavior.
type Config struct {
	// Level is the minimum level emitted.
	Level zerolog.Level
	// Pretty enables human-readable console output (for local/dev use).
	Pretty bool
	// Output overrides the destination writer; defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns sensible defaults for interactive use.
func DefaultConfig() Config {
	return Config{
		Level:  zerolog.InfoLevel,
		Pretty: true,
		Output: os.Stderr,
	}
}

// NewRoot builds the root logger for the process. Components derive
// scoped loggers from it via Scope.
func NewRoot(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
}

// Scope returns a child logger tagged with the owning component's
// name as a structured field, rather than a string prefix.
func Scope(root zerolog.Logger, component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}
