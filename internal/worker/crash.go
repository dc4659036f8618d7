package worker

import (
	"fmt"
	"time"

	"github.com/johnlindquist/lootbox/internal/retry"
)

// handleExit runs on the actor goroutine when a worker's process has
// terminated. A worker that is Stopping exited because we asked it to;
// everything else is a crash, subject to in-place respawn with backoff
// (SPEC_FULL.md §4.2, "crash recovery"), distinct from the operator-driven
// RestartWorker path in manager.go which replaces the Worker entity outright.
func (m *Manager) handleExit(s *state, w *Worker) {
	if w.Stopping {
		return
	}

	s.rejectAll(w, fmt.Errorf("worker %q exited unexpectedly", w.Name))

	if !w.EverReady {
		w.Status = StatusFailed
		delete(s.workers, w.Name)
		m.logger.Warn("[WorkerManager] worker %q failed before becoming ready", w.Name)
		if m.onWorkerFailed != nil {
			m.onWorkerFailed(w.Name, w.Path)
		}
		return
	}

	w.Status = StatusCrashed
	w.RestartCount++
	w.LastRestart = time.Now()
	if m.onWorkerRestart != nil {
		m.onWorkerRestart(w.Name)
	}

	delay := crashBackoff(w.RestartCount)
	m.logger.Warn("[WorkerManager] worker %q crashed (restart #%d), respawning in %s", w.Name, w.RestartCount, delay)

	time.AfterFunc(delay, func() {
		m.enqueue(func(s *state) {
			cur, ok := s.workers[w.Name]
			if !ok || cur != w {
				return // superseded by a RestartWorker/StopWorker in the meantime
			}
			w.TempEntryPath = scratchPath(w.Name)
			if err := m.spawn(s, w); err != nil {
				m.logger.Error("[WorkerManager] respawning %q: %v", w.Name, err)
				w.Status = StatusFailed
				if m.onWorkerFailed != nil {
					m.onWorkerFailed(w.Name, w.Path)
				}
				return
			}
			w.Status = StatusStarting
		})
	})
}

// crashBackoff implements min(1s * 2^(restartCount-1), 30s).
func crashBackoff(restartCount int) time.Duration {
	r := retry.NewRetrier(
		retry.WithStrategy(retry.CappedExponential(restartBackoffUnit, restartBackoffCap)),
		retry.TryForever(),
	)
	for i := 1; i < restartCount; i++ {
		r.MarkAttempt()
	}
	return r.NextInterval()
}
