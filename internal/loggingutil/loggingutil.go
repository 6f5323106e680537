// Package loggingutil resolves request loggers that may be absent.
package loggingutil

import (
	"context"

	"pkt.systems/pslog"
)

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// FromContext returns the logger stored in ctx, or a disabled logger.
func FromContext(ctx context.Context) pslog.Logger {
	if ctx == nil {
		return pslog.NoopLogger()
	}
	return EnsureLogger(pslog.LoggerFromContext(ctx))
}

// FromContextOr returns the logger stored in ctx, falling back to fallback.
func FromContextOr(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	return EnsureLogger(fallback)
}
