package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// ChatIDKey is the context key for the chat an update belongs to
	ChatIDKey ContextKey = "chat_id"
	// UserIDKey is the context key for the user who sent an update
	UserIDKey ContextKey = "user_id"
	// LaneKey is the context key for the serialisation lane
	LaneKey ContextKey = "lane"
	// UpdateIDKey is the context key for the Telegram update ID
	UpdateIDKey ContextKey = "update_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID  string
	ChatID   int64
	UserID   int64
	Lane     string
	UpdateID int
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithChatID adds a chat ID to the context
func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, ChatIDKey, chatID)
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLane adds a queue lane to the context
func WithLane(ctx context.Context, lane string) context.Context {
	return context.WithValue(ctx, LaneKey, lane)
}

// WithUpdateID adds a Telegram update ID to the context
func WithUpdateID(ctx context.Context, updateID int) context.Context {
	return context.WithValue(ctx, UpdateIDKey, updateID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetChatID retrieves the chat ID from the context
func GetChatID(ctx context.Context) int64 {
	if chatID, ok := ctx.Value(ChatIDKey).(int64); ok {
		return chatID
	}
	return 0
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) int64 {
	if userID, ok := ctx.Value(UserIDKey).(int64); ok {
		return userID
	}
	return 0
}

// GetLane retrieves the queue lane from the context
func GetLane(ctx context.Context) string {
	if lane, ok := ctx.Value(LaneKey).(string); ok {
		return lane
	}
	return ""
}

// GetUpdateID retrieves the Telegram update ID from the context
func GetUpdateID(ctx context.Context) int {
	if updateID, ok := ctx.Value(UpdateIDKey).(int); ok {
		return updateID
	}
	return 0
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:  GetTraceID(ctx),
		ChatID:   GetChatID(ctx),
		UserID:   GetUserID(ctx),
		Lane:     GetLane(ctx),
		UpdateID: GetUpdateID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.ChatID != 0 {
		ctx = WithChatID(ctx, tc.ChatID)
	}
	if tc.UserID != 0 {
		ctx = WithUserID(ctx, tc.UserID)
	}
	if tc.Lane != "" {
		ctx = WithLane(ctx, tc.Lane)
	}
	if tc.UpdateID != 0 {
		ctx = WithUpdateID(ctx, tc.UpdateID)
	}
	return ctx
}

// NewUpdateContext creates a context for one inbound update with a fresh trace ID
func NewUpdateContext(ctx context.Context, updateID int, chatID, userID int64) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithUpdateID(ctx, updateID)
	ctx = WithChatID(ctx, chatID)
	return WithUserID(ctx, userID)
}
