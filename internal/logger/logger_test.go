package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("keeper").WithField("round", 3)
	if v, ok := entry.Entry.Data["component"]; !ok || v != "keeper" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
	if v := entry.Entry.Data["round"]; v != 3 {
		t.Fatalf("round field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalid(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("loud", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	path := filepath.Join(t.TempDir(), "logs", "keeper.log")
	if err := log.Configure("debug", "json", path, 7); err != nil {
		t.Fatalf("configure: %v", err)
	}
}

func TestJSONFields(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.WithComponent("engine").Info("round closed")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["message"] != "round closed" || rec["component"] != "engine" || rec["level"] != "info" {
		t.Fatalf("unexpected record: %v", rec)
	}
}
