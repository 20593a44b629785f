package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewParsesLevel(t *testing.T) {
	l, err := New("warn")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	l, err = New("loud")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestOrNopFallsBackToGlobal(t *testing.T) {
	assert.Same(t, nop, OrNop(nil))

	l := NewNop()
	SetGlobal(l)
	t.Cleanup(func() { global.Store(nil) })
	assert.Same(t, l, OrNop(nil))

	own := NewNop()
	assert.Same(t, own, OrNop(own))
}
