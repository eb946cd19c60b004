package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mailtrail/pkg/logging"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNew(t *testing.T) {
	log, err := New("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestContextFieldsArePrepended(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := &SugaredLogger{SugaredLogger: zap.New(core).Sugar()}
	log.SetServiceName("ledger-service")

	ctx := logging.WithMessageID(context.Background(), "m-1")
	log.InfowCtx(ctx, "event applied", "type", "delivered")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "m-1", fields["message_id"])
	assert.Equal(t, "ledger-service", fields["service_name"])
	assert.Equal(t, "delivered", fields["type"])
}

func TestForServiceTagsEntries(t *testing.T) {
	log, err := ForService("info", "json", "history-import")
	require.NoError(t, err)
	assert.Equal(t, "history-import", log.(*SugaredLogger).serviceName)
}
