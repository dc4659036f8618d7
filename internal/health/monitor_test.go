package health

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/johnlindquist/lootbox/internal/logger"
)

func discardLogger() logger.Logger {
	return logger.NewConsoleLogger(logger.NewTextPrinter(new(bytes.Buffer)), func(int) {})
}

type fakePidLister struct{ pids map[string]int }

func (f *fakePidLister) WorkerPIDs() map[string]int { return f.pids }

func TestSample_ReadsOwnProcSelfStat(t *testing.T) {
	m := NewMonitor(discardLogger(), &fakePidLister{})
	s, err := m.sample("self", os.Getpid())
	if err != nil {
		t.Fatalf("sample() = %v", err)
	}
	if s.RSSBytes == 0 {
		t.Fatal("expected a nonzero RSS reading for the current process")
	}
}

func TestSample_UnknownPidErrors(t *testing.T) {
	m := NewMonitor(discardLogger(), &fakePidLister{})
	if _, err := m.sample("ghost", 1<<30); err == nil {
		t.Fatal("expected an error sampling a nonexistent pid")
	}
}

func TestStart_StopsCleanlyWithoutPanicking(t *testing.T) {
	m := NewMonitor(discardLogger(), &fakePidLister{pids: map[string]int{}})
	m.Start()
	time.Sleep(10 * time.Millisecond)
	m.Stop()
}
