package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterEmitsJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "production", "", "worker")
	logger.Info().Str("job_id", "job-1").Msg("picked job")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "worker" {
		t.Fatalf("expected component=worker, got %v", line["component"])
	}
	if line["job_id"] != "job-1" {
		t.Fatalf("expected job_id=job-1, got %v", line["job_id"])
	}
}

func TestNewWithWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "production", "warn", "api")
	logger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}
}
