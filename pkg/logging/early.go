package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EarlyLog reports failures that happen before the configured logger
// exists. It always writes console lines to stderr.
type EarlyLog struct {
	sugar *zap.SugaredLogger
}

func NewEarlyLog() *EarlyLog {
	return newEarlyLog(zapcore.Lock(os.Stderr))
}

func newEarlyLog(out zapcore.WriteSyncer) *EarlyLog {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), out, zapcore.InfoLevel)
	return &EarlyLog{sugar: zap.New(core).Sugar()}
}

func (l *EarlyLog) Info(msg string, args ...interface{}) {
	l.sugar.Infof(msg, args...)
}

func (l *EarlyLog) Warn(msg string, args ...interface{}) {
	l.sugar.Warnf(msg, args...)
}

// Error logs without exiting; the caller returns the error to cobra.
func (l *EarlyLog) Error(msg string, args ...interface{}) {
	l.sugar.Errorf(msg, args...)
}

func (l *EarlyLog) Fatal(msg string, args ...interface{}) {
	l.sugar.Fatalf(msg, args...)
}
