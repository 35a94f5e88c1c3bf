package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	logger, err := New("debug", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = New("warn", "")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	_, err = New("loud", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := WithFields(context.Background(), zap.String("principal", "alice"))
	ctx2 := WithFields(ctx, zap.String("operation", "Put"))
	assert.Len(t, Fields(ctx), 1, "parent context is not modified")

	WithContext(ctx2, base).Info("hello")
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "alice", fields["principal"])
	assert.Equal(t, "Put", fields["operation"])

	assert.Same(t, base, WithContext(context.Background(), base))
	assert.NotNil(t, OrNop(nil))
}
