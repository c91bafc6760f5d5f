package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", Off},
		{"off", Off},
		{"0", Off},
		{"info", slog.LevelInfo},
		{" INFO ", slog.LevelInfo},
		{"1", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"verbose", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"loud", Off},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetLevel(t *testing.T) {
	prev := level.Level()
	t.Cleanup(func() { level.Set(prev) })

	SetLevel("debug")
	if !For("test").Enabled(t.Context(), slog.LevelDebug) {
		t.Error("debug disabled after SetLevel(debug)")
	}
	SetLevel("off")
	if For("test").Enabled(t.Context(), slog.LevelError) {
		t.Error("error enabled after SetLevel(off)")
	}
}
