package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected zapcore.Level
		wantErr  bool
	}{
		{input: "", expected: zapcore.InfoLevel},
		{input: "debug", expected: zapcore.DebugLevel},
		{input: "INFO", expected: zapcore.InfoLevel},
		{input: "warning", expected: zapcore.WarnLevel},
		{input: "error", expected: zapcore.ErrorLevel},
		{input: "verbose", expected: zapcore.InfoLevel, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			lvl, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expected, lvl)
		})
	}
}

//nolint:paralleltest // mutates the global logger
func TestSetAndStructuredLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(zap.NewNop()) })

	Infow("rows dropped", "dataset", "abalone", "count", 3)
	Debugf("not recorded %d", 1)
	Warnf("mirror %s failed", "https://example.org")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "rows dropped", entries[0].Message)
	assert.Equal(t, "abalone", entries[0].ContextMap()["dataset"])
	assert.Equal(t, "mirror https://example.org failed", entries[1].Message)
}

//nolint:paralleltest // mutates the global logger
func TestInitialize_InvalidLevel(t *testing.T) {
	require.Error(t, Initialize("loud", true))
	require.NoError(t, Initialize("debug", false))
	t.Cleanup(func() { Set(zap.NewNop()) })
}
