package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Out is the log output writer.
var Out io.Writer = os.Stderr

// Mode dev prints in console format and prod in json output.
var Mode = "dev"

// New returns a process logger for the given service name.
// In dev mode the output is a human readable console writer,
// in prod mode structured json.
func New(service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	out := Out
	if Mode == "dev" {
		out = zerolog.ConsoleWriter{Out: Out}
	}

	return zerolog.New(out).With().
		Timestamp().
		Str("service", service).
		Int("pid", os.Getpid()).
		Logger().Level(lvl)
}
