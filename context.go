package pgaudit

import (
	"context"
)

// metaKey is an unexported context key type.
type metaKey struct{}
type skipKey struct{}

// meta carries per-request activity values keyed by activity column.
type meta map[string]any

// WithActor attaches the acting user's identifier to the context.
func WithActor(ctx context.Context, v any) context.Context {
	return WithValue(ctx, "actor_id", v)
}

// WithClientAddr attaches the client's network address.
func WithClientAddr(ctx context.Context, addr string) context.Context {
	return WithValue(ctx, "client_addr", addr)
}

// WithValue attaches a value for an arbitrary activity column. It overrides the manager's defaults.
func WithValue(ctx context.Context, column string, v any) context.Context {
	prev := extractMeta(ctx)
	m := make(meta, len(prev)+1)
	for k, pv := range prev {
		m[k] = pv
	}
	m[column] = v
	return context.WithValue(ctx, metaKey{}, m)
}

// WithSkip marks the context so transactions begun with it write no activity.
func WithSkip(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipKey{}, true)
}

// extractMeta extracts metadata from context.
func extractMeta(ctx context.Context) meta {
	if v := ctx.Value(metaKey{}); v != nil {
		if m, ok := v.(meta); ok {
			return m
		}
	}
	return nil
}

// Skipped reports whether ctx was marked with WithSkip.
func Skipped(ctx context.Context) bool {
	if v, ok := ctx.Value(skipKey{}).(bool); ok {
		return v
	}
	return false
}
