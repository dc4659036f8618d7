package process_test

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/johnlindquist/lootbox/internal/logger"
	"github.com/johnlindquist/lootbox/internal/process"
)

func discardLogger() logger.Logger {
	return logger.NewConsoleLogger(logger.NewTextPrinter(new(bytes.Buffer)), func(int) {})
}

func TestProcessStdinStdoutRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	p := process.New(discardLogger(), process.Config{
		Path:              "cat",
		SignalGracePeriod: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("p.Start() = %v", err)
	}

	if _, err := p.Stdin().Write([]byte("hello\n")); err != nil {
		t.Fatalf("writing to stdin: %v", err)
	}

	reader := bufio.NewReader(p.Stdout())
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading from stdout: %v", err)
	}
	if line != "hello\n" {
		t.Errorf("line = %q, want %q", line, "hello\n")
	}

	p.Stdin().Close()
	if err := p.Wait(); err != nil {
		t.Fatalf("p.Wait() = %v", err)
	}
}

func TestInterruptTerminatesProcess(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	p := process.New(discardLogger(), process.Config{
		Path:              "sleep",
		Args:              []string{"30"},
		SignalGracePeriod: 100 * time.Millisecond,
	})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("p.Start() = %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	if err := p.Interrupt(); err != nil {
		t.Fatalf("p.Interrupt() = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Interrupt")
	}
}
