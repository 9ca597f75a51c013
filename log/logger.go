package log

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelCrit  slog.Level = 12
)

var levelNames = map[slog.Level]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelCrit:  "crit",
}

// LevelString returns the lower-case name of l, or "unknown".
func LevelString(l slog.Level) string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// Logger writes module-tagged records to a slog.Handler.
type Logger interface {
	// With returns a Logger that adds the given key/value pairs to every record.
	With(ctx ...any) Logger

	// Write emits one record at level. module is added as the "module"
	// attribute when non-empty.
	Write(level slog.Level, module string, msg string, attrs ...any)

	Enabled(ctx context.Context, level slog.Level) bool

	Handler() slog.Handler
}

type logger struct {
	inner *slog.Logger
}

// NewLogger returns a Logger backed by h.
func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) Handler() slog.Handler { return l.inner.Handler() }

func (l *logger) With(ctx ...any) Logger { return &logger{l.inner.With(ctx...)} }

func (l *logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.inner.Enabled(ctx, level)
}

func (l *logger) Write(level slog.Level, module string, msg string, attrs ...any) {
	ctx := context.Background()
	if !l.inner.Enabled(ctx, level) {
		return
	}
	// skip runtime.Callers, Write and the package-level helper
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	if module != "" {
		r.AddAttrs(slog.String("module", module))
	}
	r.Add(attrs...)
	_ = l.inner.Handler().Handle(ctx, r)
}
