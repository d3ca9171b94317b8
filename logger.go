package main

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// newLogger writes human-readable text to a terminal and JSON records
// otherwise, e.g. when a background server's stderr is redirected.
func newLogger(level slog.Level, out *os.File) *slog.Logger {
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(out.Fd())) {
		handler = slog.NewTextHandler(out, options)
	} else {
		handler = slog.NewJSONHandler(out, options)
	}
	return slog.New(handler)
}
