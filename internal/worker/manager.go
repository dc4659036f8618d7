package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/johnlindquist/lootbox/internal/logger"
	"github.com/johnlindquist/lootbox/internal/process"
	"github.com/johnlindquist/lootbox/internal/session"
	"github.com/johnlindquist/lootbox/internal/toolfile"
)

const (
	initialCallTimeout     = 30 * time.Second
	progressCallExtension  = 60 * time.Second
	stopGraceTimeout       = 500 * time.Millisecond
	healthCheckInterval    = 30 * time.Second
	pongTimeout            = 10 * time.Second
	staleSweepInterval     = 60 * time.Second
	staleCallAge           = 5 * time.Minute
	restartBackoffUnit     = 1 * time.Second
	restartBackoffCap      = 30 * time.Second
)

// Manager is the WorkerManager: the sole owner of Worker lifetimes and their
// PendingCalls maps. All state is mutated only from the single goroutine
// started by NewManager; every public method and every IPC/timer callback communicates
// with that goroutine over the actions channel (SPEC_FULL.md Design Note
// "Shared mutable state").
type Manager struct {
	logger         logger.Logger
	toolWorkerPath string
	session        *session.Store

	actions chan func(*state)
	done    chan struct{}

	onWorkerFailed  func(name, path string) // hook for file-watch backoff bookkeeping
	onWorkerRestart func(name string)       // hook for metrics bookkeeping

	callMetrics CallMetrics
}

// CallMetrics is the subset of metrics.Collector CallFunction reports
// against; an interface here keeps internal/worker from importing
// internal/metrics directly.
type CallMetrics interface {
	ObserveCallDuration(namespace, function string, seconds float64)
}

// SetCallMetrics installs the sink that records completed-call durations.
func (m *Manager) SetCallMetrics(cm CallMetrics) { m.callMetrics = cm }

// state is the data exclusively owned by the actor goroutine.
type state struct {
	workers      map[string]*Worker
	progressSink func(clientCallID, message string)
	shuttingDown bool
}

func NewManager(l logger.Logger, toolWorkerPath string, sessionStore *session.Store) *Manager {
	m := &Manager{
		logger:         l,
		toolWorkerPath: toolWorkerPath,
		session:        sessionStore,
		actions:        make(chan func(*state), 256),
		done:           make(chan struct{}),
	}
	go m.run()
	return m
}

// OnWorkerFailed registers the callback invoked exactly once when a worker
// transitions to failed after never having become ready - the trigger for
// FileWatcherManager's backoff bookkeeping.
func (m *Manager) OnWorkerFailed(fn func(name, path string)) {
	m.onWorkerFailed = fn
}

// OnWorkerRestart registers the callback invoked every time a crashed worker
// is respawned in place, for metrics.Collector.WorkerRestarts bookkeeping.
func (m *Manager) OnWorkerRestart(fn func(name string)) {
	m.onWorkerRestart = fn
}

func (m *Manager) run() {
	s := &state{
		workers:      map[string]*Worker{},
		progressSink: func(string, string) {},
	}

	healthTicker := time.NewTicker(healthCheckInterval)
	defer healthTicker.Stop()
	staleTicker := time.NewTicker(staleSweepInterval)
	defer staleTicker.Stop()

	for {
		select {
		case fn := <-m.actions:
			fn(s)
		case <-healthTicker.C:
			m.healthCheck(s)
		case <-staleTicker.C:
			m.sweepStaleCalls(s)
		case <-m.done:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish.
func (m *Manager) do(fn func(*state) error) error {
	errCh := make(chan error, 1)
	select {
	case m.actions <- func(s *state) { errCh <- fn(s) }:
	case <-m.done:
		return fmt.Errorf("worker manager shutting down")
	}
	return <-errCh
}

// enqueue runs fn on the actor goroutine without waiting.
func (m *Manager) enqueue(fn func(*state)) {
	select {
	case m.actions <- fn:
	case <-m.done:
	}
}

// SetProgressCallback installs the sink that receives (clientCallId,
// message) pairs for every progress frame.
func (m *Manager) SetProgressCallback(cb func(clientCallID, message string)) {
	m.enqueue(func(s *state) { s.progressSink = cb })
}

// GetStats returns the current aggregate worker/call counts.
func (m *Manager) GetStats() Stats {
	resultCh := make(chan Stats, 1)
	m.enqueue(func(s *state) {
		var st Stats
		for _, w := range s.workers {
			st.TotalWorkers++
			switch w.Status {
			case StatusReady:
				st.ReadyWorkers++
			case StatusFailed:
				st.FailedWorkers++
			}
			st.PendingCalls += len(w.PendingCalls)
		}
		resultCh <- st
	})
	return <-resultCh
}

// StartWorker spawns a fresh worker for f, registering it in the starting
// state.
func (m *Manager) StartWorker(f toolfile.File) error {
	return m.do(func(s *state) error {
		return s.startWorker(m, f)
	})
}

func (s *state) startWorker(m *Manager, f toolfile.File) error {
	if _, exists := s.workers[f.Name]; exists {
		return fmt.Errorf("worker for namespace %q already running", f.Name)
	}

	tempEntry := scratchPath(f.Name)
	w := newWorker(f, tempEntry)
	s.workers[f.Name] = w

	if err := m.spawn(s, w); err != nil {
		delete(s.workers, f.Name)
		return err
	}
	return nil
}

func scratchPath(name string) string {
	return fmt.Sprintf("%s/lootbox-worker-%s-%s.so", os.TempDir(), name, uuid.NewString())
}

// spawn execs the toolworker binary for w and wires up its IPC reader and
// exit monitor. It does not block on the module finishing loading; ready is
// observed asynchronously via the ready frame.
func (m *Manager) spawn(s *state, w *Worker) error {
	p := process.New(m.logger, process.Config{
		Path: m.toolWorkerPath,
		Args: []string{
			"-entry", w.TempEntryPath,
			"-source", w.Path,
			"-namespace", w.Name,
		},
		SignalGracePeriod: stopGraceTimeout,
	})

	if err := p.Start(context.Background()); err != nil {
		return fmt.Errorf("starting worker process for %q: %w", w.Name, err)
	}

	w.proc = p
	w.transport = NewTransport(p.Stdout(), p.Stdin())

	go m.readLoop(w)
	go m.waitExit(w)

	return nil
}

// readLoop decodes frames from one worker's stdout and marshals them onto
// the actor goroutine; it is the only place inbound IPC handlers run, and
// they run there, not on this goroutine.
func (m *Manager) readLoop(w *Worker) {
	for {
		env, err := w.transport.Recv()
		if err != nil {
			return // waitExit will observe the process exit and drive cleanup
		}
		frame := env
		m.enqueue(func(s *state) {
			cur, ok := s.workers[w.Name]
			if !ok || cur != w {
				return // worker already replaced/removed; stale frame
			}
			m.handleFrame(s, cur, frame)
		})
	}
}

func (m *Manager) waitExit(w *Worker) {
	_ = w.proc.Wait()
	os.Remove(w.TempEntryPath)
	m.enqueue(func(s *state) {
		cur, ok := s.workers[w.Name]
		if !ok || cur != w {
			return
		}
		m.handleExit(s, w)
	})
}

// StopWorker sends shutdown, waits up to 500ms, then SIGKILLs; rejects all
// PendingCalls for that worker with "stopped"; removes the Worker.
func (m *Manager) StopWorker(name string) error {
	var w *Worker
	err := m.do(func(s *state) error {
		ww, ok := s.workers[name]
		if !ok {
			return fmt.Errorf("worker for namespace %q not found", name)
		}
		ww.Stopping = true
		w = ww
		return nil
	})
	if err != nil {
		return err
	}

	_ = w.transport.Send(Envelope{Type: FrameShutdown})

	select {
	case <-w.proc.Done():
	case <-time.After(stopGraceTimeout):
		_ = w.proc.Terminate()
		<-w.proc.Done()
	}

	return m.do(func(s *state) error {
		cur, ok := s.workers[name]
		if ok && cur == w {
			s.rejectAll(cur, fmt.Errorf("stopped"))
			delete(s.workers, name)
		}
		return nil
	})
}

// RestartWorker stops then starts the worker for name/f: a fresh Worker
// entity with RestartCount reset, used for the targeted hot-reload path
// (SPEC_FULL.md §4.7 step 6f), distinct from the internal crash-triggered
// respawn which reuses the same entity and its restart counter.
func (m *Manager) RestartWorker(name string, f toolfile.File) error {
	if err := m.StopWorker(name); err != nil {
		m.logger.Debug("[WorkerManager] stop during restart of %q: %v", name, err)
	}
	return m.StartWorker(f)
}

// StopAllWorkers performs a graceful shutdown: it marks the manager as
// shutting down, waits up to gracePeriod for pending calls to drain, then
// stops every worker through StopWorker (shutdown frame, SIGKILL after
// 500ms, remaining calls rejected as stopped). Only after that does it close
// done, which ends the actor goroutine and its health-check and stale-call
// tickers; health checks keep running during the drain wait.
func (m *Manager) StopAllWorkers(gracePeriod time.Duration) {
	m.enqueue(func(s *state) { s.shuttingDown = true })

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if m.GetStats().PendingCalls == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	names := m.workerNames()
	for _, name := range names {
		if err := m.StopWorker(name); err != nil {
			m.logger.Warn("[WorkerManager] stopping %q during shutdown: %v", name, err)
		}
	}

	close(m.done)
}

// WorkerPIDs returns the OS pid of every ready worker, keyed by namespace,
// for internal/health's resource sampler.
func (m *Manager) WorkerPIDs() map[string]int {
	resultCh := make(chan map[string]int, 1)
	m.enqueue(func(s *state) {
		pids := make(map[string]int, len(s.workers))
		for name, w := range s.workers {
			if w.Status == StatusReady && w.proc != nil {
				pids[name] = w.proc.Pid()
			}
		}
		resultCh <- pids
	})
	return <-resultCh
}

func (m *Manager) workerNames() []string {
	resultCh := make(chan []string, 1)
	m.enqueue(func(s *state) {
		names := make([]string, 0, len(s.workers))
		for n := range s.workers {
			names = append(names, n)
		}
		resultCh <- names
	})
	return <-resultCh
}

func (s *state) rejectAll(w *Worker, err error) {
	for id, pc := range w.PendingCalls {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.resultCh <- callResult{Err: err}
		delete(w.PendingCalls, id)
	}
}
