// Command toolworker is the child process spawned once per tool namespace by
// lootboxd's WorkerManager. It compiles the tool's source file into a Go
// plugin, loads its exported Functions dispatch table, and serves calls over
// a newline-delimited JSON protocol on stdin/stdout (SPEC_FULL.md §4.1/§4.2).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"plugin"
	"time"

	"github.com/johnlindquist/lootbox/internal/session"
	"github.com/johnlindquist/lootbox/internal/worker"
	"github.com/johnlindquist/lootbox/lootbox"
)

// maxCallDuration is the hard per-call execution ceiling; a handler running
// longer than this is abandoned (its goroutine is leaked, matching the
// accepted tradeoff documented in DESIGN.md under "Open Questions resolved",
// since Go cannot forcibly preempt a running goroutine).
const maxCallDuration = 5 * time.Minute

func main() {
	entry := flag.String("entry", "", "path to write/load the compiled plugin artifact")
	source := flag.String("source", "", "path to the tool's Go source file")
	namespace := flag.String("namespace", "", "tool namespace this worker serves")
	flag.Parse()

	if *entry == "" || *source == "" || *namespace == "" {
		fmt.Fprintln(os.Stderr, "toolworker: -entry, -source and -namespace are required")
		os.Exit(1)
	}

	transport := worker.NewTransport(os.Stdin, os.Stdout)

	table, err := buildAndLoad(*source, *entry)
	if err != nil {
		emitCrash(transport, err)
		os.Exit(1)
	}

	srv := &server{
		namespace: *namespace,
		table:     table,
		transport: transport,
		memory:    session.Snapshot{},
	}
	srv.run()
}

// buildAndLoad invokes the go toolchain to compile source into a plugin at
// entry, then loads it and returns its exported Functions table. A build or
// load failure here means the worker never sends ready, which is exactly how
// SPEC_FULL.md §4.1 wants "module load failure" to surface.
func buildAndLoad(source, entry string) (lootbox.Table, error) {
	cmd := exec.Command("go", "build", "-buildmode=plugin", "-o", entry, source)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("compiling tool plugin: %w", err)
	}

	p, err := plugin.Open(entry)
	if err != nil {
		return nil, fmt.Errorf("loading tool plugin: %w", err)
	}

	sym, err := p.Lookup("Functions")
	if err != nil {
		return nil, fmt.Errorf("tool plugin does not export a Functions table: %w", err)
	}

	table, ok := sym.(*lootbox.Table)
	if !ok {
		return nil, fmt.Errorf("tool plugin's Functions symbol is %T, want lootbox.Table", sym)
	}
	return *table, nil
}

func emitCrash(t *worker.Transport, err error) {
	_ = t.Send(worker.Envelope{Type: worker.FrameCrash, Message: err.Error()})
}

// server drains call/ping/shutdown frames from the parent over transport.
type server struct {
	namespace string
	table     lootbox.Table
	transport *worker.Transport
	memory    session.Snapshot
}

func (s *server) run() {
	if err := s.transport.Send(worker.Envelope{Type: worker.FrameReady}); err != nil {
		return
	}

	for {
		env, err := s.transport.Recv()
		if err != nil {
			return
		}

		switch env.Type {
		case worker.FrameCall:
			go s.handleCall(env)
		case worker.FramePing:
			_ = s.transport.Send(worker.Envelope{Type: worker.FramePong, ID: env.ID})
		case worker.FrameShutdown:
			return
		}
	}
}

func (s *server) handleCall(env worker.Envelope) {
	handler, ok := s.table[env.FunctionName]
	if !ok {
		s.sendError(env.ID, fmt.Errorf("unknown function %q", env.FunctionName))
		return
	}

	args, clientCWD, inbound := s.unpackArgs(env.Args)

	done := make(chan struct{})
	var data any
	var callErr error

	go func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("panic in %s: %v", env.FunctionName, r)
			}
			close(done)
		}()

		handle := session.NewHandle(inbound)
		ctx := lootbox.CallContext{
			Context:   context.Background(),
			ClientCWD: clientCWD,
			Memory:    handle,
			Progress: func(message string) {
				_ = s.transport.Send(worker.Envelope{Type: worker.FrameProgress, ID: env.ID, Message: message})
			},
		}
		data, callErr = handler(ctx, args)
		s.memory = handle.Export()
	}()

	select {
	case <-done:
	case <-time.After(maxCallDuration):
		s.sendError(env.ID, fmt.Errorf("%s exceeded maximum call duration", env.FunctionName))
		return
	}

	if callErr != nil {
		s.sendError(env.ID, callErr)
		return
	}
	s.sendResult(env.ID, data)
}

func (s *server) unpackArgs(raw json.RawMessage) (args []byte, clientCWD string, mem session.Snapshot) {
	var obj map[string]json.RawMessage
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &obj)
	}

	if cwd, ok := obj["_client_cwd"]; ok {
		_ = json.Unmarshal(cwd, &clientCWD)
		delete(obj, "_client_cwd")
	}
	if memRaw, ok := obj["_session_memory"]; ok {
		_ = json.Unmarshal(memRaw, &mem)
		delete(obj, "_session_memory")
	}
	if mem.KV == nil {
		mem.KV = map[string]session.Entry{}
	}

	cleaned, err := json.Marshal(obj)
	if err != nil {
		return raw, clientCWD, mem
	}
	return cleaned, clientCWD, mem
}

func (s *server) sendResult(callID string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.sendError(callID, fmt.Errorf("marshalling result: %w", err))
		return
	}
	mem, _ := json.Marshal(s.memory)
	_ = s.transport.Send(worker.Envelope{Type: worker.FrameResult, ID: callID, Data: payload, Memory: mem})
}

func (s *server) sendError(callID string, err error) {
	mem, _ := json.Marshal(s.memory)
	_ = s.transport.Send(worker.Envelope{Type: worker.FrameError, ID: callID, Error: err.Error(), Memory: mem})
}
