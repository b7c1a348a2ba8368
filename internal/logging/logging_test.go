package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		env, level string
		enabled    zapcore.Level
		disabled   zapcore.Level
	}{
		{"prod", "", zapcore.InfoLevel, zapcore.DebugLevel},
		{"dev", "debug", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"prod", "warn", zapcore.WarnLevel, zapcore.InfoLevel},
	}
	for _, tt := range tests {
		log, err := New(tt.env, tt.level)
		if err != nil {
			t.Fatalf("%s/%s: %v", tt.env, tt.level, err)
		}
		if !log.Core().Enabled(tt.enabled) {
			t.Errorf("%s/%s: %v disabled", tt.env, tt.level, tt.enabled)
		}
		if log.Core().Enabled(tt.disabled) {
			t.Errorf("%s/%s: %v enabled", tt.env, tt.level, tt.disabled)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("prod", "loud"); err == nil {
		t.Fatal("expected error")
	}
}
