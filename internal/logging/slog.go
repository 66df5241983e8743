package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// Slog returns a *slog.Logger that writes through logger. Libraries that only
// accept slog (the embedded broker) log with the same sink and format.
func Slog(logger zerolog.Logger) *slog.Logger {
	return slog.New(&slogHandler{logger: logger})
}

type slogHandler struct {
	logger zerolog.Logger
	group  string
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l >= slog.LevelError:
		return zerolog.ErrorLevel
	case l >= slog.LevelWarn:
		return zerolog.WarnLevel
	case l >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

func (h *slogHandler) Enabled(_ context.Context, l slog.Level) bool {
	return zerologLevel(l) >= h.logger.GetLevel()
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	ev := h.logger.WithLevel(zerologLevel(r.Level))
	r.Attrs(func(a slog.Attr) bool {
		ev = ev.Interface(h.key(a.Key), a.Value.Any())
		return true
	})
	ev.Msg(r.Message)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	ctx := h.logger.With()
	for _, a := range attrs {
		ctx = ctx.Interface(h.key(a.Key), a.Value.Any())
	}
	return &slogHandler{logger: ctx.Logger(), group: h.group}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{logger: h.logger, group: h.key(name)}
}

func (h *slogHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}
