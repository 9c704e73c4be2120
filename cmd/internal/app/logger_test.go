package app

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{level: "debug", enabled: slog.LevelDebug, muted: slog.LevelDebug - 1},
		{level: "info", enabled: slog.LevelInfo, muted: slog.LevelDebug},
		{level: "warn", enabled: slog.LevelWarn, muted: slog.LevelInfo},
		{level: "WARNING", enabled: slog.LevelWarn, muted: slog.LevelInfo},
		{level: "error", enabled: slog.LevelError, muted: slog.LevelWarn},
		{level: "unknown", enabled: slog.LevelInfo, muted: slog.LevelDebug},
		{level: "", enabled: slog.LevelInfo, muted: slog.LevelDebug},
	}
	ctx := context.Background()
	for _, tc := range cases {
		log := NewLogger(tc.level)
		if log == nil {
			t.Fatalf("NewLogger(%q) returned nil", tc.level)
		}
		if !log.Enabled(ctx, tc.enabled) {
			t.Fatalf("NewLogger(%q): level %v should be enabled", tc.level, tc.enabled)
		}
		if log.Enabled(ctx, tc.muted) {
			t.Fatalf("NewLogger(%q): level %v should be muted", tc.level, tc.muted)
		}
	}
}
