// Package log configures the process-wide structured logger shared by
// the voxline binaries. Output is slog text on stderr; components tag
// their records through WithModule.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs the default logger at the given level. Unknown level
// names fall back to info.
func Setup(logLevel string) {
	level := slog.LevelInfo

	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// WithModule returns the default logger tagged with the component
// name.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
