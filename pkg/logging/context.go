package logging

import (
	"context"
)

const (
	TraceIDKey     = "trace_id"
	MessageIDKey   = "message_id"
	GroupKeyKey    = "group_key"
	ServiceNameKey = "service_name"
)

type ctxKey string

// WithMessageID tags the context with the provider message id of the email
// being processed.
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, ctxKey(MessageIDKey), messageID)
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey(TraceIDKey), traceID)
}

func WithGroupKey(ctx context.Context, groupKey string) context.Context {
	return context.WithValue(ctx, ctxKey(GroupKeyKey), groupKey)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ctxKey(ServiceNameKey), serviceName)
}

func value(ctx context.Context, key string) string {
	if v, ok := ctx.Value(ctxKey(key)).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string {
	return value(ctx, TraceIDKey)
}

func GetMessageID(ctx context.Context) string {
	return value(ctx, MessageIDKey)
}

func GetGroupKey(ctx context.Context) string {
	return value(ctx, GroupKeyKey)
}

func GetServiceName(ctx context.Context) string {
	return value(ctx, ServiceNameKey)
}

// GetLogFields returns the context values as alternating key/value pairs for
// the sugared logger.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 8)

	for _, key := range []string{TraceIDKey, MessageIDKey, GroupKeyKey, ServiceNameKey} {
		if v := value(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}

	return fields
}
