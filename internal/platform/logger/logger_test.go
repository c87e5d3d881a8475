package logger

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/phrazzld/applyq/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupValidLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "INFO", "Warn"} {
		t.Run(level, func(t *testing.T) {
			logger, err := Setup(config.ServerConfig{LogLevel: level})
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestSetupInvalidLevelFallsBackToInfo(t *testing.T) {
	logger, err := Setup(config.ServerConfig{LogLevel: "verbose"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestFromContextReturnsStoredLogger(t *testing.T) {
	stored := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx := WithLogger(context.Background(), stored)

	assert.Same(t, stored, FromContext(ctx))
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	assert.NotNil(t, FromContext(nil)) //nolint:staticcheck // exercising the nil-context guard
}
