package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		want          zapcore.Level
	}{
		{"info", "console", zapcore.InfoLevel},
		{"DEBUG", "json", zapcore.DebugLevel},
		{"warn", "", zapcore.WarnLevel},
	}
	for _, tt := range tests {
		logger, err := New(tt.level, tt.format)
		if err != nil {
			t.Fatalf("New(%q, %q): %v", tt.level, tt.format, err)
		}
		if !logger.Core().Enabled(tt.want) {
			t.Errorf("New(%q): level %v not enabled", tt.level, tt.want)
		}
		if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
			t.Errorf("New(%q): level below %v should be disabled", tt.level, tt.want)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New("loud", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
