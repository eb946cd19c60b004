package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithMessageID(ctx, "<msg-1@smtp>")
	ctx = WithGroupKey(ctx, "Welcome|2024-03-01")
	ctx = WithServiceName(ctx, "ledger-service")

	assert.Equal(t, []interface{}{
		"trace_id", "trace-1",
		"message_id", "<msg-1@smtp>",
		"group_key", "Welcome|2024-03-01",
		"service_name", "ledger-service",
	}, GetLogFields(ctx))
}

func TestContextValuesDoNotCollideWithPlainStrings(t *testing.T) {
	ctx := context.WithValue(context.Background(), MessageIDKey, "plain")
	assert.Equal(t, "", GetMessageID(ctx))
}
