// Package logctx carries a request-scoped *slog.Logger through a
// context.Context so each call session logs with its own attributes.
package logctx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// With returns a copy of ctx that carries logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// From returns the logger stored in ctx, or slog.Default() if none was set.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// FromOr returns the logger stored in ctx, or fallback if none was set.
func FromOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return fallback
}
