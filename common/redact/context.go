package redact

import (
	"context"
	"log/slog"
)

type sensitiveIDsKey struct{}

// WithSensitiveIDs attaches a set of ids (user IDs, group IDs, request IDs)
// to ctx that a Handler should treat as sensitive for the lifetime of the
// request, without requiring every log call-site to know and pass them
// explicitly (spec.md §4.9).
func WithSensitiveIDs(ctx context.Context, ids ...string) context.Context {
	existing := SensitiveIDsFrom(ctx)
	merged := make([]string, 0, len(existing)+len(ids))
	merged = append(merged, existing...)
	merged = append(merged, ids...)
	return context.WithValue(ctx, sensitiveIDsKey{}, merged)
}

// SensitiveIDsFrom returns the ids accumulated on ctx by WithSensitiveIDs,
// or nil if none were set.
func SensitiveIDsFrom(ctx context.Context) []string {
	ids, _ := ctx.Value(sensitiveIDsKey{}).([]string)
	return ids
}

// Handler wraps an slog.Handler and redacts every string attribute value
// added to a record (and every string found in the record's message)
// against the ids carried on each record's context. Attributes attached
// through WithAttrs are passed to the wrapped handler unredacted.
type Handler struct {
	next slog.Handler
}

// NewHandler wraps next so records flowing through it are redacted against
// whatever ids are present in their context.
func NewHandler(next slog.Handler) *Handler {
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	ids := SensitiveIDsFrom(ctx)
	if len(ids) == 0 {
		return h.next.Handle(ctx, record)
	}

	redacted := slog.NewRecord(record.Time, record.Level, String(record.Message, ids...), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a, ids))
		return true
	})
	return h.next.Handle(ctx, redacted)
}

func redactAttr(a slog.Attr, ids []string) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, String(a.Value.String(), ids...))
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		out := make([]slog.Attr, len(group))
		for i, ga := range group {
			out[i] = redactAttr(ga, ids)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}
