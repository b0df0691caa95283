// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package logger provides structured logging shared by all engine components.
//
// A [Logger] bundles a [slog.Logger] with the [slog.LevelVar] that controls
// its verbosity, so components can raise or lower the level at runtime (for
// example, dry-run mode enables debug logging). Loggers are passed through
// [context.Context].
package logger

import (
	"context"
	"io"
	"log/slog"
)

// Logf is the basic logger type: a printf-like func. Like [log.Printf], the
// format need not end in a newline. Logf functions must be safe for concurrent
// use.
type Logf func(format string, args ...any)

// Write implements the [io.Writer] interface.
func (f Logf) Write(p []byte) (n int, err error) {
	f("%s", p)
	return len(p), nil
}

// Logger is a [slog.Logger] paired with its level control.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar
}

// New returns a new Logger writing text logs to w at [slog.LevelInfo].
func New(w io.Writer) *Logger {
	level := new(slog.LevelVar)
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})),
		Level:  level,
	}
}

type ctxKey struct{}

// With returns a new context carrying l.
func With(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Get returns the Logger carried by ctx, or a discarding Logger if none is
// present.
func Get(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	level := new(slog.LevelVar)
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
		Level:  level,
	}
}
