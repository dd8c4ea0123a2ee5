package logging

import (
	"context"
	"testing"

	"trade_guard/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZapLoggerLevels(t *testing.T) {
	for _, level := range []string{"DEBUG", "info", "Warn", "ERROR", "bogus"} {
		logger, err := NewZapLogger(level)
		require.NoError(t, err, "level %q", level)
		require.NotNil(t, logger)
	}
}

func TestZapLoggerOTelBridge(t *testing.T) {
	tel, err := telemetry.Setup("logger-test")
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(context.Background()) }()

	logger, err := NewZapLogger("DEBUG")
	require.NoError(t, err)

	// The teed core must accept key/value pairs without panicking,
	// including odd-length and non-string keys
	logger.Info("bridge check", "symbol", "BTCUSDT", "size", 1.5)
	logger.Debug("odd length", "dangling")
	logger.Warn("non-string key", 42, "value")

	_ = logger.Sync()
}

func TestWithFieldReturnsIndependentLogger(t *testing.T) {
	base, err := NewZapLogger("INFO")
	require.NoError(t, err)

	scoped := base.WithField("component", "monitor")
	assert.NotSame(t, base, scoped)

	nested := scoped.WithFields(map[string]interface{}{"symbol": "ETHUSDT", "side": "Sell"})
	assert.NotSame(t, scoped, nested)
	nested.Info("scoped entry")
}

func TestGlobalLogger(t *testing.T) {
	original := GetGlobalLogger()
	defer SetGlobalLogger(original)

	replacement, err := NewZapLogger("ERROR")
	require.NoError(t, err)
	SetGlobalLogger(replacement)

	assert.Same(t, replacement, GetGlobalLogger())
	Info("suppressed at error level")
}
