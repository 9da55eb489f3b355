package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(testContext *testing.T) {
	testCases := []struct {
		level    string
		expected zapcore.Level
	}{
		{level: "debug", expected: zapcore.DebugLevel},
		{level: "", expected: zapcore.InfoLevel},
		{level: " WARNING ", expected: zapcore.WarnLevel},
		{level: "error", expected: zapcore.ErrorLevel},
		{level: "verbose", expected: zapcore.InfoLevel},
	}
	for _, testCase := range testCases {
		logger, err := NewLogger(testCase.level, "json")
		require.NoError(testContext, err)
		require.True(testContext, logger.Core().Enabled(testCase.expected), testCase.level)
		if testCase.expected > zapcore.DebugLevel {
			require.False(testContext, logger.Core().Enabled(testCase.expected-1), testCase.level)
		}
	}
}

func TestNewLoggerEncodings(testContext *testing.T) {
	_, err := NewLogger("info", "console")
	require.NoError(testContext, err)

	_, err = NewLogger("info", "xml")
	require.Error(testContext, err)
}
