package logger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tc := range tests {
		if got := parseLevel(tc.input); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"0xshort", "0xshort"},
		{"123456789012", "123456789012"},
		{"0xabcdefabcdefabcdefabcdefabcdef1234", "0xabcdef...1234"},
	}

	for _, tc := range tests {
		if got := Truncate(tc.input); got != tc.want {
			t.Errorf("Truncate(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID = %q", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("empty context request id = %q", got)
	}
}

func TestFromContextFallsBack(t *testing.T) {
	// Must not panic and must return a usable logger.
	log := FromContext(context.Background())
	log.Debug().Msg("noop")

	injected := New(Config{Level: "error", Format: "json", Service: "test"})
	ctx := WithContext(context.Background(), injected)
	if got := FromContext(ctx); got.GetLevel() != injected.GetLevel() {
		t.Error("FromContext must return the injected logger")
	}
}
