package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Flavors(t *testing.T) {
	t.Parallel()

	dev, err := New(Config{Development: true})
	require.NoError(t, err)
	require.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	prod, err := New(Config{})
	require.NoError(t, err)
	require.False(t, prod.Core().Enabled(zapcore.DebugLevel))
	require.True(t, prod.Core().Enabled(zapcore.InfoLevel))
}

func TestNew_LevelOverride(t *testing.T) {
	t.Parallel()

	quiet, err := New(Config{Development: true, Level: "warn"})
	require.NoError(t, err)
	require.False(t, quiet.Core().Enabled(zapcore.InfoLevel))
	require.True(t, quiet.Core().Enabled(zapcore.WarnLevel))

	_, err = New(Config{Level: "chatty"})
	require.Error(t, err)
}
