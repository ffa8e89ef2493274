package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level LogLevel) (*KilnLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(&LoggerConfig{Level: level, Format: "json", Output: &buf}), &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerLevels(t *testing.T) {
	logger, buf := newBufferLogger(LevelWarn)
	ctx := context.Background()

	logger.Debug(ctx, "hidden")
	logger.Info(ctx, "hidden too")
	logger.Warn(ctx, errors.New("slow"), "slow transform")
	logger.Error(ctx, errors.New("boom"), "transform failed")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "slow transform", lines[0]["msg"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestLoggerFieldsAndComponent(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	child := logger.WithComponent("transform").With("url", "/src/main.ts")
	child.Info(context.Background(), "served", "status", 200)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "transform", lines[0]["component"])
	assert.Equal(t, "/src/main.ts", lines[0]["url"])
	assert.Equal(t, float64(200), lines[0]["status"])
}

func TestLoggerOddFieldsIgnored(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo)

	logger.Info(context.Background(), "msg", "dangling")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	_, ok := lines[0]["dangling"]
	assert.False(t, ok)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"WARN", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNopLogger(t *testing.T) {
	var l Logger = NopLogger{}
	assert.NotPanics(t, func() {
		l.With("a", 1).WithComponent("x").Error(context.Background(), errors.New("e"), "m")
	})
	assert.IsType(t, NopLogger{}, OrNop(nil))
}

func TestPerfLogger(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo)

	op := StartOperation(logger, "build")
	d := op.End(context.Background(), "modules", 3)

	assert.GreaterOrEqual(t, int64(d), int64(0))
	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "build", lines[0]["operation"])
	assert.Equal(t, float64(3), lines[0]["modules"])
}
