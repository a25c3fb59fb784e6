package logging

import (
	"context"
	"log/slog"

	"github.com/arloliu/vigil/types"
)

// handler forwards slog records to a types.Logger.
type handler struct {
	logger types.Logger
	attrs  []any
	group  string
}

var _ slog.Handler = (*handler)(nil)

// ToSlog returns a *slog.Logger writing to logger.
//
// Loggers created by NewSlog hand back their underlying slog.Logger; any other
// implementation is bridged record by record, keeping its level methods.
//
// Parameters:
//   - logger: Destination logger; nil logs nothing
//
// Returns:
//   - *slog.Logger: Logger usable by slog-based libraries
func ToSlog(logger types.Logger) *slog.Logger {
	if s, ok := logger.(interface{ Slog() *slog.Logger }); ok {
		return s.Slog()
	}

	return slog.New(&handler{logger: OrNop(logger)})
}

func (h *handler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	kv := make([]any, 0, len(h.attrs)+2*r.NumAttrs())
	kv = append(kv, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		kv = append(kv, h.key(a.Key), a.Value.Resolve().Any())
		return true
	})

	switch {
	case r.Level >= slog.LevelError:
		h.logger.Error(r.Message, kv...)
	case r.Level >= slog.LevelWarn:
		h.logger.Warn(r.Message, kv...)
	case r.Level >= slog.LevelInfo:
		h.logger.Info(r.Message, kv...)
	default:
		h.logger.Debug(r.Message, kv...)
	}

	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &handler{logger: h.logger, group: h.group}
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.key(a.Key), a.Value.Resolve().Any())
	}

	return next
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := &handler{logger: h.logger, attrs: h.attrs, group: h.key(name)}

	return next
}

func (h *handler) key(k string) string {
	if h.group == "" {
		return k
	}

	return h.group + "." + k
}
