package security

import (
	"context"
	"log/slog"
)

// RedactingHandler wraps a slog.Handler and scrubs secrets from the message
// and from every string attribute, so DSNs and tokens never reach the log.
type RedactingHandler struct {
	inner    slog.Handler
	redactor *Redactor
}

var _ slog.Handler = (*RedactingHandler)(nil)

// NewRedactingHandler wraps inner.
func NewRedactingHandler(inner slog.Handler, redactor *Redactor) *RedactingHandler {
	return &RedactingHandler{inner: inner, redactor: redactor}
}

// Enabled delegates to the inner handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle redacts the record and passes it on.
func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactor.Redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

// WithAttrs redacts attrs once and folds them into the inner handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted), redactor: h.redactor}
}

// WithGroup delegates to the inner handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), redactor: h.redactor}
}

func (h *RedactingHandler) redactAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()

	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(h.redactor.Redact(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		redacted := make([]slog.Attr, len(group))
		for i, ga := range group {
			redacted[i] = h.redactAttr(ga)
		}
		a.Value = slog.GroupValue(redacted...)
	case slog.KindAny:
		// Errors and other values are compared by their text form.
		text := a.Value.String()
		if scrubbed := h.redactor.Redact(text); scrubbed != text {
			a.Value = slog.StringValue(scrubbed)
		}
	}
	return a
}
