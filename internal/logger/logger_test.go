package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Run("Json", func(t *testing.T) {
		l, err := NewLogger("debug", "json", "listener")
		assert.NoError(t, err)
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("Console", func(t *testing.T) {
		l, err := NewLogger("warn", "console", "")
		assert.NoError(t, err)
		assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
		assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
	})

	t.Run("BadLevel", func(t *testing.T) {
		_, err := NewLogger("loud", "json", "")
		assert.Error(t, err)
	})

	t.Run("BadFormat", func(t *testing.T) {
		_, err := NewLogger("info", "xml", "")
		assert.Error(t, err)
	})
}
