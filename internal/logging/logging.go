// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup wires the global logger. Verbose enables debug level; pretty renders
// console output instead of JSON, which is what the CLI wants on a TTY.
func Setup(verbose, pretty bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// Silence discards all log output; used by commands with machine-readable
// output on stdout.
func Silence() {
	log.Logger = zerolog.New(io.Discard)
}
