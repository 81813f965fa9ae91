package rdplog

import (
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*Logger, *logrustest.Hook) {
	base, hook := logrustest.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	return &Logger{entry: base.WithField("component", "test")}, hook
}

func TestSetLevelFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"DEBUG", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"invalid", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			l, _ := newTestLogger()
			l.SetLevelFromString(tt.input)
			require.Equal(t, tt.expected, l.entry.Logger.GetLevel())
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, hook := newTestLogger()

	l.SetLevel(LevelInfo)
	l.Debug("should not appear")
	require.Len(t, hook.Entries, 0)

	l.Info("hello %d", 1)
	require.Len(t, hook.Entries, 1)
	require.Equal(t, "hello 1", hook.LastEntry().Message)
	require.Equal(t, "test", hook.LastEntry().Data["component"])
}

func TestLogger_With_AddsField(t *testing.T) {
	l, hook := newTestLogger()
	l.SetLevel(LevelDebug)

	tagged := l.With("channel", "drdynvc")
	tagged.Warn("closing")

	require.Equal(t, "drdynvc", hook.LastEntry().Data["channel"])
	require.Equal(t, "test", hook.LastEntry().Data["component"])
	require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
