package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Verbosity levels accepted on the command line, lowest first.
const (
	VerbosityError = 0
	VerbosityWarn  = 1
	VerbosityInfo  = 2
	VerbosityDebug = 3
)

// Level maps a verbosity value to a slog level. Values above debug clamp to
// debug, values below error clamp to error.
func Level(verbosity int) slog.Level {
	switch {
	case verbosity <= VerbosityError:
		return slog.LevelError
	case verbosity == VerbosityWarn:
		return slog.LevelWarn
	case verbosity == VerbosityInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses tinted human-readable text
// with colour only when stdout is a terminal.
func NewLogger(env string, verbosity int) *slog.Logger {
	return newLogger(os.Stdout, env, verbosity, isatty.IsTerminal(os.Stdout.Fd()))
}

func newLogger(w io.Writer, env string, verbosity int, color bool) *slog.Logger {
	level := Level(verbosity)

	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02 15:04:05.000000",
		NoColor:    !color,
	}))
}
