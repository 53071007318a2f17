package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitRejectsBadLevel(t *testing.T) {
	err := Init(Config{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestWithContextAddsTaskFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(nil) })

	ctx := WithTask(context.Background(), "task-1", "stream-9", "google")
	ctx = WithActivity(ctx, "act-3")
	WithContext(ctx).Info("sync started")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "task-1", fields["task_id"])
	assert.Equal(t, "stream-9", fields["stream_id"])
	assert.Equal(t, "google", fields["source"])
	assert.Equal(t, "act-3", fields["activity_id"])
}

func TestWithContextSkipsMissingValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(nil) })

	WithContext(WithTask(context.Background(), "", "", "ios")).Info("push")

	fields := logs.All()[0].ContextMap()
	assert.NotContains(t, fields, "task_id")
	assert.Equal(t, "ios", fields["source"])
}
