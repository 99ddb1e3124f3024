package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dukafiti/dukasync/errors"
)

func TestLogger(t *testing.T) {
	configs := []Config{
		{Level: "debug", Format: "text", Environment: EnvDevelopment, AddSource: true},
		{Level: "info", Format: "json", Environment: EnvProduction, AddSource: false},
	}

	for _, config := range configs {
		t.Run("Environment_"+config.Environment, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerTo(config, &buf)

			logger.Info("Info message", slog.Int("count", 42))

			testErr := errors.NewServerError(errors.OpApply, 503, fmt.Errorf("unavailable"))
			logger.LogError(context.Background(), testErr, "Operation failed")

			childLogger := logger.WithComponent(Component("queue"))
			childLogger.Info("Child logger message")

			err := logger.LogOperation(
				context.Background(),
				Operation("drain"),
				Component("queue"),
				func() error {
					time.Sleep(time.Millisecond)
					return nil
				},
			)
			require.NoError(t, err)

			out := buf.String()
			assert.Contains(t, out, "Info message")
			assert.Contains(t, out, "server_transient_failure")
			assert.Contains(t, out, "queue")
		})
	}
}

func TestLogErrorJSONShape(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "info", Format: "json"}, &buf)

	logger.LogError(context.Background(), errors.NewServerError(errors.OpApply, 422, fmt.Errorf("bad sale")), "apply failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	syncErr, ok := entry["sync_error"].(map[string]any)
	require.True(t, ok, "sync_error group missing: %s", buf.String())
	assert.Equal(t, "server_rejected", syncErr["kind"])
	assert.Equal(t, float64(422), syncErr["status"])
	assert.Equal(t, false, syncErr["retryable"])
}

func TestDynamicLevel(t *testing.T) {
	config := Config{
		Level:       "info",
		Format:      "text",
		Environment: EnvTest,
	}

	logger, levelVar := NewLoggerWithDynamicLevel(config)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))

	assert.True(t, levelVar.SetFromString("debug"))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	assert.False(t, levelVar.SetFromString("loud"))
}

func TestSyncErrorValuer(t *testing.T) {
	syncErr := &errors.SyncError{
		Op:        errors.OpSync,
		Component: "test",
		Code:      errors.ErrCodeStorageFailure,
		Kind:      errors.KindInternal,
		Err:       fmt.Errorf("underlying error"),
		Retryable: true,
		Metadata: map[string]interface{}{
			"retry_count": 3,
		},
	}

	logValue := SyncErrorValuer{SyncError: syncErr}.LogValue()
	assert.Equal(t, slog.KindGroup, logValue.Kind())
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dukasync.log")
	cfg := DefaultConfig
	cfg.File = path

	rotating, ok := cfg.Output().(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, path, rotating.Filename)

	logger := NewLogger(cfg)
	logger.Info("to file")
}

func TestGetConfigFromEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("LOG_FILE", "/tmp/x.log")

	cfg := GetConfigFromEnv()
	assert.Equal(t, EnvProduction, cfg.Environment)
	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "/tmp/x.log", cfg.File)
}

func BenchmarkLogger(b *testing.B) {
	logger := Discard()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.InfoContext(ctx, "Benchmark message",
			slog.String("operation", "benchmark"),
			slog.Int("iteration", i),
		)
	}
}
