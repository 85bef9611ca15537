package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.UpdateID != 0 {
		logger = logger.With().Int("update_id", tc.UpdateID).Logger()
	}
	if tc.ChatID != 0 {
		logger = logger.With().Int64("chat_id", tc.ChatID).Logger()
	}
	if tc.UserID != 0 {
		logger = logger.With().Int64("user_id", tc.UserID).Logger()
	}
	if tc.Lane != "" {
		logger = logger.With().Str("lane", tc.Lane).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Detach returns a background context carrying the same tracing values, so work
// can outlive the cancellation of the inbound request.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
