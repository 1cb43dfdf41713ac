package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/crmpulse/sym"
)

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(5))
}

func TestInitializeReplacesNopLogger(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	require.NoError(t, Initialize(true))
	assert.True(t, JSONOutput)
	assert.NotNil(t, Logger)

	require.NoError(t, InitializeWithLevel(false, zapcore.DebugLevel))
	assert.False(t, JSONOutput)
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithJob(context.Background(), "job-1", "batch-process", "kirby")
	assert.Equal(t, []interface{}{FieldJobID, "job-1", FieldJobType, "batch-process", FieldOwner, "kirby"}, FieldsFromContext(ctx))

	system := WithJob(context.Background(), "job-2", "jobs-cleanup", "")
	assert.Equal(t, []interface{}{FieldJobID, "job-2", FieldJobType, "jobs-cleanup"}, FieldsFromContext(system), "system jobs have no owner")

	assert.Empty(t, FieldsFromContext(context.Background()))
}

func TestLoggerFromContext(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })
	core, logs := observer.New(zapcore.InfoLevel)
	Logger = zap.New(core).Sugar()

	LoggerFromContext(WithJob(context.Background(), "job-1", "send-pending", "")).Infow("sent")
	LoggerFromContext(context.Background()).Infow("idle")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "job-1", logs.All()[0].ContextMap()[FieldJobID])
	assert.NotContains(t, logs.All()[1].ContextMap(), FieldJobID)
}

func TestSymbolLoggers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	AddPulseOpenSymbol(base).Debugw("open")
	AddPulseCloseSymbol(base).Warnw("close")
	AddDBSymbol(base).Infow("db")
	AddSignalSymbol(base).Infow("signal")

	var got []interface{}
	for _, entry := range logs.All() {
		got = append(got, entry.ContextMap()[FieldSymbol])
	}
	assert.Equal(t, []interface{}{sym.PulseOpen, sym.PulseClose, sym.DB, sym.Signal}, got)
}

func TestAddPulseSymbol(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := AddPulseSymbol(zap.New(core).Sugar())

	l.Infow("tick", FieldCount, 3)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, sym.Pulse, fields[FieldSymbol])
	assert.EqualValues(t, 3, fields[FieldCount])
}
