package filewatcher

import (
	"bytes"
	"testing"
	"time"

	"github.com/johnlindquist/lootbox/internal/logger"
)

func discardLogger() logger.Logger {
	return logger.NewConsoleLogger(logger.NewTextPrinter(new(bytes.Buffer)), func(int) {})
}

func TestRecordFailure_BackoffIsMonotoneAndCapped(t *testing.T) {
	m := NewManager(discardLogger())

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}

	for i, w := range want {
		blocked := m.RecordFailure("bad.go")
		got := backoffDuration(i + 1)
		if got != w {
			t.Errorf("attempt %d: backoff = %v, want %v", i+1, got, w)
		}
		wantBlocked := i+1 >= blockAfterFails
		if blocked != wantBlocked {
			t.Errorf("attempt %d: blocked = %v, want %v", i+1, blocked, wantBlocked)
		}
	}
}

func TestRecordFailure_BlocksAtFiveConsecutiveFailures(t *testing.T) {
	m := NewManager(discardLogger())

	var blocked bool
	for i := 0; i < blockAfterFails; i++ {
		blocked = m.RecordFailure("bad.go")
	}
	if !blocked {
		t.Fatal("expected file to be blocked after 5 consecutive failures")
	}
	if !m.IsBlocked("bad.go") {
		t.Fatal("IsBlocked should report true after blockAfterFails failures")
	}
}

func TestResetFileBackoff_UnblocksFile(t *testing.T) {
	m := NewManager(discardLogger())
	for i := 0; i < blockAfterFails; i++ {
		m.RecordFailure("bad.go")
	}
	if !m.IsBlocked("bad.go") {
		t.Fatal("expected file to be blocked")
	}

	m.ResetFileBackoff("bad.go")
	if m.IsBlocked("bad.go") {
		t.Fatal("expected ResetFileBackoff to unblock the file")
	}
}

func TestRecordSuccess_ClearsFailureState(t *testing.T) {
	m := NewManager(discardLogger())
	m.RecordFailure("flaky.go")
	m.RecordSuccess("flaky.go")

	if m.IsBlocked("flaky.go") {
		t.Fatal("expected success to clear failure state")
	}
	if !m.NextAllowedAt("flaky.go").IsZero() {
		t.Fatal("expected NextAllowedAt to be zero after RecordSuccess")
	}
}

func TestIsToolSource(t *testing.T) {
	cases := map[string]bool{
		"tool.go":      true,
		"tool_test.go": false,
		"readme.md":    false,
		"nested/a.go":  true,
	}
	for path, want := range cases {
		if got := isToolSource(path); got != want {
			t.Errorf("isToolSource(%q) = %v, want %v", path, got, want)
		}
	}
}
