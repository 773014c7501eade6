package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "WARN", JSON: true, Out: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Str("region", "r.0.0").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, `"region":"r.0.0"`) || !strings.Contains(out, "shown") {
		t.Errorf("warn line missing: %s", out)
	}
}

func TestNewUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "loud", JSON: true, Out: &buf})
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
	logger.Info().Msg("still logs")
	if !strings.Contains(buf.String(), "still logs") {
		t.Error("fallback logger did not log at info")
	}
}
