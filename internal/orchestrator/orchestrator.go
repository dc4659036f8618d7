// Package orchestrator wires RpcCacheManager, FileWatcherManager,
// WorkerManager, ConnectionManager, and MessageRouter together and drives the
// start/stop sequence from SPEC_FULL.md §4.7.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/johnlindquist/lootbox/internal/config"
	"github.com/johnlindquist/lootbox/internal/connection"
	"github.com/johnlindquist/lootbox/internal/health"
	"github.com/johnlindquist/lootbox/internal/logger"
	"github.com/johnlindquist/lootbox/internal/metrics"
	"github.com/johnlindquist/lootbox/internal/router"
	"github.com/johnlindquist/lootbox/internal/session"
	"github.com/johnlindquist/lootbox/internal/status"
	"github.com/johnlindquist/lootbox/internal/toolfile"
	"github.com/johnlindquist/lootbox/internal/worker"
)

const readyWaitTimeout = 5 * time.Second

// Orchestrator owns the full set of lootboxd subsystems and drives their
// lifecycle per SPEC_FULL.md §4.7.
type Orchestrator struct {
	logger logger.Logger
	cfg    config.Config

	cache   *toolfile.Manager
	watcher fileWatcher
	workers *worker.Manager
	conns   *connection.Manager
	rt      *router.Router
	metrics *metrics.Collector
	statusR *status.Registry
	hmon    *health.Monitor

	httpServer *http.Server
	gaugeStop  chan struct{}
}

// fileWatcher is the subset of filewatcher.Manager the orchestrator needs;
// kept as an interface here so it can be swapped in tests without pulling in
// fsnotify.
type fileWatcher interface {
	StartWatching(dir string, onChange func(paths []string)) error
	StopWatching() error
	RecordFailure(path string) bool
	RecordSuccess(path string)
	IsBlocked(path string) bool
	NextAllowedAt(path string) time.Time
}

func New(l logger.Logger, cfg config.Config, fw fileWatcher) *Orchestrator {
	sessionStore := session.NewStore()
	cache := toolfile.NewManager(l, cfg.ToolsDir, cfg.GlobalToolsDir, toolfile.FunctionNames)
	workers := worker.NewManager(l, cfg.ToolWorkerPath, sessionStore)
	conns := connection.NewManager(l)
	mcol := metrics.NewCollector()
	statusR := status.NewRegistry()

	o := &Orchestrator{
		logger:  l,
		cfg:     cfg,
		cache:   cache,
		watcher: fw,
		workers: workers,
		conns:   conns,
		rt:      router.New(l, workers, cache),
		metrics: mcol,
		statusR: statusR,
	}

	o.hmon = health.NewMonitor(l, workers)

	workers.SetCallMetrics(mcol)
	workers.OnWorkerFailed(func(name, path string) {
		mcol.WorkerFailures.WithLabelValues(name).Inc()
		if fw.RecordFailure(path) {
			o.logger.Warn("[Orchestrator] %q blocked after repeated startup failures; waiting for a file edit", name)
			return
		}
		o.scheduleRetry(name, path)
	})
	workers.OnWorkerRestart(func(name string) {
		mcol.WorkerRestarts.WithLabelValues(name).Inc()
	})
	workers.SetProgressCallback(o.rt.OnProgress(conns))

	cache.OnCacheRefreshed(func(names []string) {
		conns.Broadcast(mustMarshalFunctionsUpdated(names))
	})

	conns.OnMessage(func(c *connection.Conn, msg []byte) {
		o.rt.HandleMessage(c.Send, c.ClientCWD, c.ConsumeFirstFrame(), msg)
	})
	conns.OnRateLimited(func(c *connection.Conn) {
		mcol.RateLimitRejections.Inc()
	})

	statusR.Register("workers", func() any { return workers.GetStats() })
	statusR.Register("connections", func() any { return conns.Count() })
	statusR.Register("functions", func() any { return cache.GetFunctionNames() })

	return o
}

func mustMarshalFunctionsUpdated(names []string) []byte {
	type frame struct {
		Type      string   `json:"type"`
		Functions []string `json:"functions"`
	}
	b, _ := json.Marshal(frame{Type: "functions_updated", Functions: names})
	return b
}

// Start runs the full SPEC_FULL.md §4.7 start sequence.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.cache.RefreshCache(); err != nil {
		return fmt.Errorf("initial tool discovery: %w", err)
	}

	if err := o.watcher.StartWatching(o.cfg.ToolsDir, o.handleFileChanges); err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}

	mux := o.buildRouter()
	o.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", o.cfg.Port), Handler: mux}
	go func() {
		if err := o.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.logger.Error("[Orchestrator] HTTP server error: %v", err)
		}
	}()

	files := o.cache.GetUniqueFiles()
	for name, f := range files {
		o.tryStartWorker(name, f)
	}
	o.waitForReady(len(files))

	o.hmon.Start()
	o.gaugeStop = make(chan struct{})
	go o.runGaugeLoop()

	o.logger.Info("[Orchestrator] listening on :%d (tools-dir=%s)", o.cfg.Port, o.cfg.ToolsDir)
	return nil
}

// waitForReady blocks up to readyWaitTimeout for every started worker to
// report ready, so the first batch of discovered tools is usable as soon as
// Start returns rather than racing the initial clients (SPEC_FULL.md §4.7
// step 8). It never fails Start: workers still starting when the deadline
// passes simply become ready later, same as a hot-reloaded worker would.
func (o *Orchestrator) waitForReady(expected int) {
	if expected == 0 {
		return
	}
	deadline := time.Now().Add(readyWaitTimeout)
	for time.Now().Before(deadline) {
		st := o.workers.GetStats()
		if st.ReadyWorkers+st.FailedWorkers >= expected {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	o.logger.Debug("[Orchestrator] waitForReady timed out after %s", readyWaitTimeout)
}

func (o *Orchestrator) runGaugeLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.metrics.ActiveConnections.Set(float64(o.conns.Count()))
			o.metrics.PendingCalls.Set(float64(o.workers.GetStats().PendingCalls))
		case <-o.gaugeStop:
			return
		}
	}
}

func (o *Orchestrator) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status.json", o.statusR.Handler().ServeHTTP)
	r.Handle("/metrics", o.metrics.Handler())
	r.Get("/ws", o.conns.ServeHTTP)
	return r
}

// handleFileChanges implements SPEC_FULL.md §4.7 step 6: the targeted
// restart algorithm. It never tears down workers untouched by this batch.
func (o *Orchestrator) handleFileChanges(paths []string) {
	before := o.cache.GetUniqueFiles()

	if err := o.cache.RefreshCache(); err != nil {
		o.logger.Warn("[Orchestrator] refreshing tool cache: %v", err)
		return
	}

	after := o.cache.GetUniqueFiles()

	for name := range before {
		if _, stillExists := after[name]; !stillExists {
			if err := o.workers.StopWorker(name); err != nil {
				o.logger.Debug("[Orchestrator] stopping removed worker %q: %v", name, err)
			}
		}
	}

	for name, f := range after {
		if _, existedBefore := before[name]; !existedBefore {
			o.tryStartWorker(name, f)
			continue
		}

		if changedSetContains(paths, f.Path) {
			o.tryRestartWorker(name, f)
		}
	}
}

// tryStartWorker starts f's worker unless its file is currently blocked by
// the file watcher's backoff (SPEC_FULL.md §4.4/§8 "Blocked file").
func (o *Orchestrator) tryStartWorker(name string, f toolfile.File) {
	if o.watcher.IsBlocked(f.Path) {
		o.logger.Debug("[Orchestrator] skipping start of blocked file %q", f.Path)
		return
	}
	if err := o.workers.StartWorker(f); err != nil {
		o.logger.Warn("[Orchestrator] starting worker %q: %v", name, err)
	}
}

// tryRestartWorker restarts name's worker unless its file is blocked, and
// records success with the watcher so its backoff clears.
func (o *Orchestrator) tryRestartWorker(name string, f toolfile.File) {
	if o.watcher.IsBlocked(f.Path) {
		o.logger.Debug("[Orchestrator] skipping restart of blocked file %q", f.Path)
		return
	}
	if err := o.workers.RestartWorker(name, f); err != nil {
		o.logger.Warn("[Orchestrator] restarting worker %q: %v", name, err)
		return
	}
	o.watcher.RecordSuccess(f.Path)
}

// scheduleRetry arms a one-shot timer for the file watcher's NextAllowedAt
// for path, re-attempting name's worker automatically so a file that fails
// repeatedly with no intervening edit can actually reach blockAfterFails
// consecutive failures (SPEC_FULL.md §8 E2E scenario 6), rather than relying
// solely on fsnotify events to drive retries.
func (o *Orchestrator) scheduleRetry(name, path string) {
	wait := time.Until(o.watcher.NextAllowedAt(path))
	if wait < 0 {
		wait = 0
	}
	time.AfterFunc(wait, func() {
		if o.watcher.IsBlocked(path) {
			return
		}
		f, ok := o.cache.GetUniqueFiles()[name]
		if !ok || f.Path != path {
			return // file removed or replaced since the failure
		}
		o.tryStartWorker(name, f)
	})
}

func changedSetContains(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}

// Stop runs the SPEC_FULL.md §4.7 stop sequence, the reverse of Start.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.hmon.Stop()
	if o.gaugeStop != nil {
		close(o.gaugeStop)
	}
	o.workers.StopAllWorkers(o.cfg.ShutdownGrace)
	o.conns.Stop()

	if err := o.watcher.StopWatching(); err != nil {
		o.logger.Debug("[Orchestrator] stopping file watcher: %v", err)
	}

	if o.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := o.httpServer.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("[Orchestrator] HTTP server shutdown: %v", err)
		}
	}

	o.logger.Info("[Orchestrator] stopped")
}
