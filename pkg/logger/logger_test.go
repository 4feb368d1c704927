package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger := New(Config{ServiceName: "katiba-test"})
	assert.NotNil(t, logger)
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(&buf),
		zapcore.InfoLevel,
	)

	logger := zap.New(core)

	testMessage := "test message"
	logger.Info(testMessage,
		zap.String("bill_id", "42"),
		zap.Int("attempt", 3),
	)

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, testMessage, logEntry["msg"])
	assert.Equal(t, "info", logEntry["level"])
	assert.Equal(t, "42", logEntry["bill_id"])
	assert.Equal(t, float64(3), logEntry["attempt"]) // JSON numbers are float64
	assert.Contains(t, logEntry, "ts")
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(&buf),
		zapcore.InfoLevel,
	)

	base := zap.New(core)
	ctx := WithContext(context.Background(), "analysis")
	FromContext(ctx, base).Info("scoped")

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "scoped", logEntry["msg"])
	assert.Equal(t, "analysis", logEntry["component"])
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(&buf),
		zapcore.DebugLevel,
	)

	logger := zap.New(core)

	tests := []struct {
		level   zapcore.Level
		message string
	}{
		{zapcore.DebugLevel, "debug message"},
		{zapcore.InfoLevel, "info message"},
		{zapcore.WarnLevel, "warn message"},
		{zapcore.ErrorLevel, "error message"},
	}

	for _, tt := range tests {
		buf.Reset()
		t.Run(tt.level.String(), func(t *testing.T) {
			switch tt.level {
			case zapcore.DebugLevel:
				logger.Debug(tt.message)
			case zapcore.InfoLevel:
				logger.Info(tt.message)
			case zapcore.WarnLevel:
				logger.Warn(tt.message)
			case zapcore.ErrorLevel:
				logger.Error(tt.message)
			}

			var logEntry map[string]interface{}
			err := json.Unmarshal(buf.Bytes(), &logEntry)
			require.NoError(t, err)

			assert.Equal(t, tt.message, logEntry["msg"])
			assert.Equal(t, tt.level.String(), logEntry["level"])
		})
	}
}
