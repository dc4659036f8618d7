// Package worker implements the Worker and WorkerManager from
// SPEC_FULL.md §3/§4.2: spawning, health-checking, crash recovery, per-call
// timeout/progress/timeout-extension logic, graceful shutdown, and
// session-memory plumbing for tool worker subprocesses.
package worker

import (
	"encoding/json"
	"time"

	"github.com/johnlindquist/lootbox/internal/process"
	"github.com/johnlindquist/lootbox/internal/toolfile"
)

// Status is the Worker state machine from SPEC_FULL.md §4.2.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusCrashed  Status = "crashed"
	StatusFailed   Status = "failed"
)

// PendingCall is server-side bookkeeping for one outstanding invocation
// (SPEC_FULL.md §3).
type PendingCall struct {
	CallID       string
	ClientCallID string
	Namespace    string
	FunctionName string
	CreatedAt    time.Time

	timer    *time.Timer
	resultCh chan callResult
}

type callResult struct {
	Data json.RawMessage
	Err  error
}

// Worker is the live embodiment of one ToolFile.
type Worker struct {
	Name          string
	Path          string
	TempEntryPath string
	ToolFile      toolfile.File

	Status       Status
	PendingCalls map[string]*PendingCall
	RestartCount int
	LastRestart  time.Time
	EverReady    bool
	LastPong     time.Time

	Stopping bool

	proc      *process.Process
	transport *Transport

	pendingPingID   string
	pendingPingSent time.Time
	pingTimer       *time.Timer
}

func newWorker(f toolfile.File, tempEntryPath string) *Worker {
	return &Worker{
		Name:          f.Name,
		Path:          f.Path,
		TempEntryPath: tempEntryPath,
		ToolFile:      f,
		Status:        StatusStarting,
		PendingCalls:  map[string]*PendingCall{},
	}
}

// Stats is the aggregate snapshot returned by Manager.GetStats.
type Stats struct {
	TotalWorkers  int
	ReadyWorkers  int
	FailedWorkers int
	PendingCalls  int
}
