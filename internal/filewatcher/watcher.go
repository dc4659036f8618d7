// Package filewatcher implements the FileWatcherManager from SPEC_FULL.md
// §4.4: a debounced, coalesced view of filesystem churn, with per-file
// failure backoff so a tool that crashes on every load doesn't get
// hot-reloaded into a restart storm.
package filewatcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/johnlindquist/lootbox/internal/logger"
	"github.com/johnlindquist/lootbox/internal/retry"
)

const (
	debounceInterval = 200 * time.Millisecond
	backoffUnit      = 1 * time.Second
	backoffCap       = 60 * time.Second
	blockAfterFails  = 5
)

// FailedFileInfo tracks consecutive startup failures for one file, per
// SPEC_FULL.md §3.
type FailedFileInfo struct {
	FailCount   int
	LastAttempt time.Time
	NextAllowed time.Time
}

// Manager watches a directory recursively and delivers a debounced,
// coalesced set of changed paths to onChange, suppressing paths currently in
// backoff.
type Manager struct {
	logger logger.Logger
	watch  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	failed  map[string]*FailedFileInfo

	onChange func(paths []string)
	stopped  chan struct{}
}

func NewManager(l logger.Logger) *Manager {
	return &Manager{
		logger:  l,
		pending: map[string]struct{}{},
		failed:  map[string]*FailedFileInfo{},
		stopped: make(chan struct{}),
	}
}

// StartWatching recursively watches dir, ignoring non-source and test files,
// and invokes onChange with a debounced batch of changed paths.
func (m *Manager) StartWatching(dir string, onChange func(paths []string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watch = w
	m.onChange = onChange

	if err := addDirsRecursive(w, dir); err != nil {
		return err
	}

	go m.loop()
	return nil
}

func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func (m *Manager) loop() {
	for {
		select {
		case ev, ok := <-m.watch.Events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case err, ok := <-m.watch.Errors:
			if !ok {
				return
			}
			m.logger.Warn("[FileWatcher] watch error: %v", err)
		case <-m.stopped:
			return
		}
	}
}

func (m *Manager) handleEvent(ev fsnotify.Event) {
	if !isToolSource(ev.Name) {
		return
	}

	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		abs = ev.Name
	}

	m.mu.Lock()
	// A manual edit to a blocked file resets its backoff immediately; a file
	// still mid-backoff (failCount < blockAfterFails) keeps accumulating so
	// the automatic retry cadence can actually reach the block threshold.
	if info, ok := m.failed[abs]; ok && info.FailCount >= blockAfterFails {
		delete(m.failed, abs)
	}
	m.pending[abs] = struct{}{}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(debounceInterval, m.fire)
	m.mu.Unlock()
}

func (m *Manager) fire() {
	m.mu.Lock()
	paths := make([]string, 0, len(m.pending))
	for p := range m.pending {
		paths = append(paths, p)
	}
	m.pending = map[string]struct{}{}
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil && len(paths) > 0 {
		onChange(paths)
	}
}

func isToolSource(path string) bool {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".go") {
		return false
	}
	return !strings.HasSuffix(base, "_test.go")
}

// StopWatching tears down the underlying filesystem watch.
func (m *Manager) StopWatching() error {
	close(m.stopped)
	if m.watch != nil {
		return m.watch.Close()
	}
	return nil
}

// RecordFailure records one more consecutive startup failure for path and
// reports whether the file is now blocked (failCount >= 5).
func (m *Manager) RecordFailure(path string) (blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.failed[path]
	if !ok {
		info = &FailedFileInfo{}
		m.failed[path] = info
	}
	info.FailCount++
	info.LastAttempt = time.Now()
	info.NextAllowed = info.LastAttempt.Add(backoffDuration(info.FailCount))

	return info.FailCount >= blockAfterFails
}

// RecordSuccess clears any backoff state for path after a successful start.
func (m *Manager) RecordSuccess(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failed, path)
}

// ResetFileBackoff clears path's failure state, as if it had never failed.
func (m *Manager) ResetFileBackoff(path string) {
	m.RecordSuccess(path)
}

// IsBlocked reports whether path is currently blocked from auto-reload.
func (m *Manager) IsBlocked(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.failed[path]
	return ok && info.FailCount >= blockAfterFails
}

// NextAllowedAt returns when path may next be auto-spawned, the zero time if
// it is not currently in backoff.
func (m *Manager) NextAllowedAt(path string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.failed[path]
	if !ok {
		return time.Time{}
	}
	return info.NextAllowed
}

// backoffDuration implements min(1s * 2^(failCount-1), 60s) via the shared
// retry.CappedExponential strategy, rather than a hand-rolled math.Pow call.
func backoffDuration(failCount int) time.Duration {
	r := retry.NewRetrier(
		retry.WithStrategy(retry.CappedExponential(backoffUnit, backoffCap)),
		retry.TryForever(),
	)
	for i := 1; i < failCount; i++ {
		r.MarkAttempt()
	}
	return r.NextInterval()
}
