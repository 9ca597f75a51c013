package log

import (
	"context"
	"io"
	"log/slog"
)

// NewTerminalHandlerWithLevel returns a text handler writing records at or
// above lvl. Level names come from LevelString so trace and crit show up
// instead of slog's numeric offsets.
func NewTerminalHandlerWithLevel(w io.Writer, lvl slog.Level, addSource bool) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   addSource,
		ReplaceAttr: replaceLevel,
	})
}

// JSONHandlerWithLevel returns a JSON handler writing records at or above lvl.
func JSONHandlerWithLevel(w io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceLevel,
	})
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok {
		a.Value = slog.StringValue(LevelString(lvl))
	}
	return a
}

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	panic("not implemented")
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &discardHandler{}
}
