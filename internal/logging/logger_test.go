package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestContextFieldsAttached(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithBlockID(WithJobID(WithRequestID(context.Background(), "req-1"), "job-1"), "code")

	tl.Info(ctx, "job queued", zap.Int("attempt", 1))

	entries := tl.FilterMessage("job queued").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request.id"])
	assert.Equal(t, "job-1", fields["job.id"])
	assert.Equal(t, "code", fields["block.id"])
	assert.EqualValues(t, 1, fields["attempt"])
	tl.AssertLogged(t, zapcore.InfoLevel, "queued")
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)

	l, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l.Named("dispatcher"))
}
