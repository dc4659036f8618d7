package orchestrator

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnlindquist/lootbox/internal/config"
	"github.com/johnlindquist/lootbox/internal/logger"
)

func discardLogger() logger.Logger {
	return logger.NewConsoleLogger(logger.NewTextPrinter(new(bytes.Buffer)), func(int) {})
}

const fakeToolWorkerScript = `#!/bin/sh
echo '{"type":"ready"}'
while IFS= read -r line; do
  case "$line" in
    *'"type":"shutdown"'*) exit 0 ;;
  esac
done
exit 0
`

func writeFakeToolWorker(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-toolworker.sh")
	if err := os.WriteFile(path, []byte(fakeToolWorkerScript), 0o755); err != nil {
		t.Fatalf("writing fake toolworker: %v", err)
	}
	return path
}

func writeToolFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".go")
	src := "package tools\n\nvar Functions = map[string]any{\"ping\": nil}\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("writing tool file %s: %v", name, err)
	}
	return path
}

// fakeWatcher is a no-op fileWatcher that records RecordSuccess/RecordFailure
// calls, standing in for filewatcher.Manager so this test never touches
// fsnotify or a real debounce timer.
type fakeWatcher struct {
	onChange  func(paths []string)
	successes []string
	failures  []string
}

func (f *fakeWatcher) StartWatching(dir string, onChange func(paths []string)) error {
	f.onChange = onChange
	return nil
}
func (f *fakeWatcher) StopWatching() error { return nil }
func (f *fakeWatcher) RecordFailure(path string) bool {
	f.failures = append(f.failures, path)
	return false
}
func (f *fakeWatcher) RecordSuccess(path string) {
	f.successes = append(f.successes, path)
}
func (f *fakeWatcher) IsBlocked(path string) bool          { return false }
func (f *fakeWatcher) NextAllowedAt(path string) time.Time { return time.Time{} }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestHandleFileChanges_StartsNewAndRestartsChanged(t *testing.T) {
	toolsDir := t.TempDir()
	echoPath := writeToolFile(t, toolsDir, "echo")

	cfg := config.Default()
	cfg.ToolsDir = toolsDir
	cfg.ToolWorkerPath = writeFakeToolWorker(t)

	fw := &fakeWatcher{}
	o := New(discardLogger(), cfg, fw)
	defer o.workers.StopAllWorkers(time.Second)

	if err := o.cache.RefreshCache(); err != nil {
		t.Fatalf("RefreshCache() = %v", err)
	}
	for name, f := range o.cache.GetUniqueFiles() {
		if err := o.workers.StartWorker(f); err != nil {
			t.Fatalf("StartWorker(%q) = %v", name, err)
		}
	}
	waitFor(t, func() bool { return o.workers.GetStats().ReadyWorkers == 1 })

	// Add a second tool file and trigger the targeted-restart path as if
	// FileWatcherManager observed a change to echo.go only; greet.go is new to
	// the refreshed cache, so it is started rather than restarted.
	writeToolFile(t, toolsDir, "greet")
	o.handleFileChanges([]string{echoPath})

	waitFor(t, func() bool { return o.workers.GetStats().ReadyWorkers == 2 })

	if len(fw.successes) != 1 || fw.successes[0] != echoPath {
		t.Fatalf("RecordSuccess calls = %v, want exactly [%s]", fw.successes, echoPath)
	}
}

func TestHandleFileChanges_StopsRemovedWorker(t *testing.T) {
	toolsDir := t.TempDir()
	writeToolFile(t, toolsDir, "echo")

	cfg := config.Default()
	cfg.ToolsDir = toolsDir
	cfg.ToolWorkerPath = writeFakeToolWorker(t)

	fw := &fakeWatcher{}
	o := New(discardLogger(), cfg, fw)
	defer o.workers.StopAllWorkers(time.Second)

	if err := o.cache.RefreshCache(); err != nil {
		t.Fatalf("RefreshCache() = %v", err)
	}
	for _, f := range o.cache.GetUniqueFiles() {
		if err := o.workers.StartWorker(f); err != nil {
			t.Fatalf("StartWorker() = %v", err)
		}
	}
	waitFor(t, func() bool { return o.workers.GetStats().ReadyWorkers == 1 })

	if err := os.Remove(filepath.Join(toolsDir, "echo.go")); err != nil {
		t.Fatalf("removing tool file: %v", err)
	}
	o.handleFileChanges(nil)

	waitFor(t, func() bool { return o.workers.GetStats().TotalWorkers == 0 })
}
