// Package logging builds the zerolog logger used across chunky.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Options configures a logger.
type Options struct {
	// Level is a zerolog level name. Default: warn
	Level string

	// Mode "dev" prints in console format, "json" prints one JSON object per
	// line. Default: dev
	Mode string

	// Out is the log output writer. Default: os.Stderr
	Out io.Writer
}

// New returns a logger tagged with the process id.
func New(opts Options) (zerolog.Logger, error) {
	if opts.Out == nil {
		opts.Out = os.Stderr
	}

	level := zerolog.WarnLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), err
		}
		level = l
	}

	out := opts.Out
	if opts.Mode == "" || opts.Mode == "dev" {
		out = zerolog.ConsoleWriter{Out: opts.Out, NoColor: !isTerminal(opts.Out)}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Int("pid", os.Getpid()).
		Logger(), nil
}

// isTerminal reports whether w is a character device.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
