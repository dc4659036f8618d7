package worker

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnlindquist/lootbox/internal/logger"
	"github.com/johnlindquist/lootbox/internal/session"
	"github.com/johnlindquist/lootbox/internal/toolfile"
)

func discardLogger() logger.Logger {
	return logger.NewConsoleLogger(logger.NewTextPrinter(new(bytes.Buffer)), func(int) {})
}

// fakeToolWorker is a tiny shell script standing in for cmd/toolworker: it
// ignores its flags, emits a ready frame, then echoes back every call frame
// as a result frame with the args as data, until it reads a shutdown frame.
const fakeToolWorkerScript = `#!/bin/sh
echo '{"type":"ready"}'
while IFS= read -r line; do
  case "$line" in
    *'"type":"shutdown"'*) exit 0 ;;
    *'"type":"call"'*)
      id=$(echo "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
      echo '{"type":"result","id":"'"$id"'","data":{"ok":true}}'
      ;;
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

func TestStartWorker_BecomesReady(t *testing.T) {
	m := NewManager(discardLogger(), writeFakeToolWorker(t), session.NewStore())
	defer m.StopAllWorkers(time.Second)

	if err := m.StartWorker(toolfile.File{Name: "echo", Path: "echo.go"}); err != nil {
		t.Fatalf("StartWorker() = %v", err)
	}

	waitFor(t, func() bool {
		return m.GetStats().ReadyWorkers == 1
	})
}

func TestWorkerPIDs_ReportsOnlyReadyWorkers(t *testing.T) {
	m := NewManager(discardLogger(), writeFakeToolWorker(t), session.NewStore())
	defer m.StopAllWorkers(time.Second)

	if err := m.StartWorker(toolfile.File{Name: "echo", Path: "echo.go"}); err != nil {
		t.Fatalf("StartWorker() = %v", err)
	}

	waitFor(t, func() bool {
		return len(m.WorkerPIDs()) == 1
	})

	pids := m.WorkerPIDs()
	if pid, ok := pids["echo"]; !ok || pid <= 0 {
		t.Fatalf("WorkerPIDs()[echo] = %d, ok=%v, want positive pid", pid, ok)
	}
}

func TestCallFunction_ReturnsResult(t *testing.T) {
	m := NewManager(discardLogger(), writeFakeToolWorker(t), session.NewStore())
	defer m.StopAllWorkers(time.Second)

	if err := m.StartWorker(toolfile.File{Name: "echo", Path: "echo.go"}); err != nil {
		t.Fatalf("StartWorker() = %v", err)
	}
	waitFor(t, func() bool { return m.GetStats().ReadyWorkers == 1 })

	res := m.CallFunction(CallRequest{
		ClientCallID: "c1",
		Namespace:    "echo",
		FunctionName: "run",
		Args:         json.RawMessage(`{"a":1}`),
	})
	if res.Err != nil {
		t.Fatalf("CallFunction() error = %v", res.Err)
	}
	var data map[string]bool
	if err := json.Unmarshal(res.Data, &data); err != nil {
		t.Fatalf("unmarshalling result: %v", err)
	}
	if !data["ok"] {
		t.Fatalf("result = %v, want ok:true", data)
	}
}

func TestCallFunction_UnknownNamespaceErrors(t *testing.T) {
	m := NewManager(discardLogger(), writeFakeToolWorker(t), session.NewStore())
	defer m.StopAllWorkers(time.Second)

	res := m.CallFunction(CallRequest{Namespace: "missing", FunctionName: "run"})
	if res.Err == nil {
		t.Fatal("expected an error calling an unregistered namespace")
	}
}

func TestStopWorker_RemovesWorker(t *testing.T) {
	m := NewManager(discardLogger(), writeFakeToolWorker(t), session.NewStore())
	defer m.StopAllWorkers(time.Second)

	if err := m.StartWorker(toolfile.File{Name: "echo", Path: "echo.go"}); err != nil {
		t.Fatalf("StartWorker() = %v", err)
	}
	waitFor(t, func() bool { return m.GetStats().ReadyWorkers == 1 })

	if err := m.StopWorker("echo"); err != nil {
		t.Fatalf("StopWorker() = %v", err)
	}
	if m.GetStats().TotalWorkers != 0 {
		t.Fatalf("expected worker to be removed after StopWorker")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
