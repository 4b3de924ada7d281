package workflow

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goliatone/go-logger/glog"
)

func TestGoLoggerSatisfiesLoggerDirectly(t *testing.T) {
	buf := &bytes.Buffer{}
	var logger Logger = glog.NewLogger(
		glog.WithWriter(buf),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel("debug"),
	)

	bound := loggerWith(logger, map[string]any{"workflow_id": "wf-1"})
	bound.Warn("lifecycle hook failed at index=%d: %v", 0, "sink down")

	logged := buf.String()
	if strings.TrimSpace(logged) == "" {
		t.Fatalf("expected go-logger output")
	}
	if !strings.Contains(logged, "workflow_id") {
		t.Fatalf("expected structured field in output, got %q", logged)
	}
}

func TestEnsureLoggerFallsBackToPlainLogger(t *testing.T) {
	if _, ok := ensureLogger(nil).(*PlainLogger); !ok {
		t.Fatalf("expected nil logger to fall back to PlainLogger")
	}

	buf := &bytes.Buffer{}
	fallback := NewPlainLogger(buf)
	loggerWith(fallback, map[string]any{"step_name": "deploy_contract"}).
		Info("step retry queued")
	if !strings.Contains(buf.String(), "step_name=deploy_contract") {
		t.Fatalf("expected fields in fallback output, got %q", buf.String())
	}
}

func TestPlainLoggerStacksFieldSuffixes(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewPlainLogger(buf).
		WithFields(map[string]any{"workflow_id": "wf-9"}).(*PlainLogger).
		WithFields(map[string]any{"attempt": 2})
	logger.Error("step failed")

	line := buf.String()
	if !strings.Contains(line, "workflow_id=wf-9") || !strings.Contains(line, "attempt=2") {
		t.Fatalf("expected both field sets in output, got %q", line)
	}
}
