// Package observability provides the structured log sink and per-component
// metrics counters for the relay broker.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the process-wide slog logger. Stdout is never a valid
// destination: it carries the JSON-RPC transport. Everything logs to stderr
// or a file.
func NewLogger(level, destination string) (*slog.Logger, io.Closer, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", level)
	}

	var w io.Writer = os.Stderr
	var closer io.Closer
	switch destination {
	case "", "stderr":
	case "stdout":
		return nil, nil, fmt.Errorf("stdout is reserved for the JSON-RPC transport")
	default:
		f, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log destination: %w", err)
		}
		w = f
		closer = f
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), closer, nil
}
