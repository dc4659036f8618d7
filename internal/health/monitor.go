// Package health implements the resource watchdog from SPEC_FULL.md §4.8: a
// periodic CPU%/RSS sample per worker that only ever logs a warning on
// threshold crossing, and never kills a worker (SPEC_FULL.md Non-goals carry
// that restriction forward unchanged).
package health

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/johnlindquist/lootbox/internal/logger"
)

const (
	sampleInterval  = 5 * time.Second
	cpuWarnPercent  = 80.0
	rssWarnBytes    = 512 * 1024 * 1024
	pageSizeDefault = 4096
)

// Sample is one worker's resource reading at a point in time.
type Sample struct {
	Namespace string
	CPUPct    float64
	RSSBytes  uint64
}

// PidLister supplies the current namespace -> pid mapping to sample.
type PidLister interface {
	WorkerPIDs() map[string]int
}

// Monitor samples /proc for every live worker pid every sampleInterval and
// logs a warning when CPU or RSS crosses its threshold. There is
// deliberately no mechanism here to act on a sample beyond logging: killing
// an over-budget worker is explicitly out of scope (SPEC_FULL.md §4.8).
type Monitor struct {
	logger logger.Logger
	pids   PidLister

	mu     sync.Mutex
	prev   map[int]cpuTimes
	stopCh chan struct{}
}

type cpuTimes struct {
	totalJiffies uint64
	sampledAt    time.Time
}

func NewMonitor(l logger.Logger, pids PidLister) *Monitor {
	return &Monitor{
		logger: l,
		pids:   pids,
		prev:   map[int]cpuTimes{},
		stopCh: make(chan struct{}),
	}
}

// Start runs the sample loop until Stop is called.
func (m *Monitor) Start() {
	ticker := time.NewTicker(sampleInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sampleAll()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) sampleAll() {
	for namespace, pid := range m.pids.WorkerPIDs() {
		s, err := m.sample(namespace, pid)
		if err != nil {
			m.logger.Debug("[HealthMonitor] sampling %q (pid %d): %v", namespace, pid, err)
			continue
		}

		if s.CPUPct > cpuWarnPercent {
			m.logger.Warn("[HealthMonitor] worker %q CPU usage %.1f%% exceeds %.0f%% threshold", namespace, s.CPUPct, cpuWarnPercent)
		}
		if s.RSSBytes > rssWarnBytes {
			m.logger.Warn("[HealthMonitor] worker %q RSS %d bytes exceeds %d byte threshold", namespace, s.RSSBytes, rssWarnBytes)
		}
	}
}

// sample reads /proc/<pid>/stat for RSS and a CPU% derived from the delta in
// utime+stime jiffies between two samples. There is no third-party library
// in the corpus for process resource sampling, so this reads procfs
// directly, guarded to Linux; on other platforms it returns an error and the
// monitor simply stays quiet (SPEC_FULL.md §10 ambient-stack stdlib
// justification).
func (m *Monitor) sample(namespace string, pid int) (Sample, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return Sample{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return Sample{}, fmt.Errorf("empty /proc/%d/stat", pid)
	}

	// Fields after the parenthesised comm are space separated; utime/stime
	// are fields 14/15 (1-indexed), rss is field 24.
	line := scanner.Text()
	closeParen := strings.LastIndex(line, ")")
	if closeParen < 0 {
		return Sample{}, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(line[closeParen+1:])
	if len(fields) < 22 {
		return Sample{}, fmt.Errorf("unexpected /proc/%d/stat field count", pid)
	}

	utime, _ := strconv.ParseUint(fields[11], 10, 64)
	stime, _ := strconv.ParseUint(fields[12], 10, 64)
	rssPages, _ := strconv.ParseUint(fields[21], 10, 64)

	now := time.Now()
	total := utime + stime

	m.mu.Lock()
	prev, ok := m.prev[pid]
	m.prev[pid] = cpuTimes{totalJiffies: total, sampledAt: now}
	m.mu.Unlock()

	var cpuPct float64
	if ok {
		elapsed := now.Sub(prev.sampledAt).Seconds()
		if elapsed > 0 && total >= prev.totalJiffies {
			jiffiesPerSec := 100.0 // USER_HZ is 100 on virtually all Linux configs
			cpuPct = (float64(total-prev.totalJiffies) / jiffiesPerSec) / elapsed * 100.0
		}
	}

	return Sample{
		Namespace: namespace,
		CPUPct:    cpuPct,
		RSSBytes:  rssPages * pageSizeDefault,
	}, nil
}
