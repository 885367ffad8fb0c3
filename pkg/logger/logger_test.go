package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriter_EmitsJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("production", &buf)
	l.Info("poll", "hit", true)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if line["service"] != serviceName {
		t.Fatalf("expected service attr, got %v", line["service"])
	}
	if line["msg"] != "poll" {
		t.Fatalf("unexpected msg %v", line["msg"])
	}
}

func TestNewWithWriter_DebugOnlyInLocalAndDev(t *testing.T) {
	var prod bytes.Buffer
	NewWithWriter("production", &prod).Debug("hidden")
	if prod.Len() != 0 {
		t.Fatalf("expected debug suppressed in production")
	}

	var dev bytes.Buffer
	NewWithWriter("dev", &dev).Debug("shown")
	if !strings.Contains(dev.String(), "shown") {
		t.Fatalf("expected debug line in dev")
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	if From(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger")
	}
	l := Discard()
	if From(With(context.Background(), l)) != l {
		t.Fatalf("expected stored logger")
	}
}
