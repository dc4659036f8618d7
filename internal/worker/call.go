package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johnlindquist/lootbox/internal/session"
)

// CallRequest describes one invocation of namespace.functionName, as routed
// in by the MessageRouter.
type CallRequest struct {
	ClientCallID string
	Namespace    string
	FunctionName string
	ClientCWD    string
	Args         json.RawMessage
}

// CallResult is what CallFunction eventually resolves to.
type CallResult struct {
	Data json.RawMessage
	Err  error
}

// CallFunction dispatches req to the ready worker for req.Namespace and
// blocks the calling goroutine (not the actor) until a result, error, or
// timeout arrives. The initial timeout is 30s; each progress frame observed
// for this call re-arms it to 60s from that frame (SPEC_FULL.md §4.2/§5).
func (m *Manager) CallFunction(req CallRequest) CallResult {
	resultCh := make(chan callResult, 1)
	callID := uuid.NewString()
	start := time.Now()

	err := m.do(func(s *state) error {
		w, ok := s.workers[req.Namespace]
		if !ok {
			return fmt.Errorf("Worker for namespace '%s' not found.", req.Namespace)
		}
		if w.Status != StatusReady {
			return fmt.Errorf("worker for namespace %q is not ready (status=%s)", req.Namespace, w.Status)
		}

		args, err := mergeSessionArgs(req.Args, req.ClientCWD, m.session.Get(req.Namespace))
		if err != nil {
			return fmt.Errorf("preparing call arguments: %w", err)
		}

		pc := &PendingCall{
			CallID:       callID,
			ClientCallID: req.ClientCallID,
			Namespace:    req.Namespace,
			FunctionName: req.FunctionName,
			CreatedAt:    time.Now(),
			resultCh:     resultCh,
		}
		pc.timer = time.AfterFunc(initialCallTimeout, func() {
			m.timeoutCall(req.Namespace, callID, initialCallTimeout)
		})
		w.PendingCalls[callID] = pc

		return w.transport.Send(Envelope{
			Type:         FrameCall,
			ID:           callID,
			FunctionName: req.FunctionName,
			Args:         args,
		})
	})
	if err != nil {
		return CallResult{Err: err}
	}

	res := <-resultCh
	if m.callMetrics != nil {
		m.callMetrics.ObserveCallDuration(req.Namespace, req.FunctionName, time.Since(start).Seconds())
	}
	return CallResult{Data: res.Data, Err: res.Err}
}

func mergeSessionArgs(args json.RawMessage, clientCWD string, snap session.Snapshot) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if len(args) > 0 {
		if err := json.Unmarshal(args, &obj); err != nil {
			return nil, fmt.Errorf("call args must be a JSON object: %w", err)
		}
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}

	cwd, err := json.Marshal(clientCWD)
	if err != nil {
		return nil, err
	}
	obj[reservedClientCWDKey] = cwd

	mem, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	obj[reservedSessionMemoryKey] = mem

	return json.Marshal(obj)
}

// timeoutCall fires on the actor goroutine when a call's timer expires;
// after is the wait that timer was armed with (30s initially, 60s after a
// progress frame) and is named in the rejection message.
func (m *Manager) timeoutCall(namespace, callID string, after time.Duration) {
	m.enqueue(func(s *state) {
		w, ok := s.workers[namespace]
		if !ok {
			return
		}
		pc, ok := w.PendingCalls[callID]
		if !ok {
			return
		}
		delete(w.PendingCalls, callID)
		pc.resultCh <- callResult{Err: fmt.Errorf("RPC call timeout: %s.%s (%d seconds)", namespace, pc.FunctionName, int(after/time.Second))}
	})
}

// handleFrame processes one inbound IPC frame from w's child process. It
// always runs on the actor goroutine (dispatched from readLoop).
func (m *Manager) handleFrame(s *state, w *Worker, env Envelope) {
	switch env.Type {
	case FrameReady:
		w.Status = StatusReady
		w.EverReady = true
		m.logger.Debug("[WorkerManager] worker %q ready", w.Name)

	case FrameResult:
		m.resolveCall(w, env.ID, callResult{Data: env.Data})
		m.applyMemoryUpdate(w, env)

	case FrameError:
		m.resolveCall(w, env.ID, callResult{Err: fmt.Errorf("%s", env.Error)})
		m.applyMemoryUpdate(w, env)

	case FrameProgress:
		if pc, ok := w.PendingCalls[env.ID]; ok {
			if pc.timer != nil {
				pc.timer.Stop()
			}
			ns, id := w.Name, env.ID
			pc.timer = time.AfterFunc(progressCallExtension, func() {
				m.timeoutCall(ns, id, progressCallExtension)
			})
			if s.progressSink != nil {
				s.progressSink(pc.ClientCallID, env.Message)
			}
		}

	case FramePong:
		w.LastPong = time.Now()
		w.pendingPingID = ""
		if w.pingTimer != nil {
			w.pingTimer.Stop()
		}

	case FrameCrash:
		m.logger.Warn("[WorkerManager] worker %q reported crash: %s", w.Name, env.Message)
	}
}

func (m *Manager) resolveCall(w *Worker, callID string, res callResult) {
	pc, ok := w.PendingCalls[callID]
	if !ok {
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	delete(w.PendingCalls, callID)
	pc.resultCh <- res
}

func (m *Manager) applyMemoryUpdate(w *Worker, env Envelope) {
	if len(env.Memory) == 0 {
		return
	}
	var snap session.Snapshot
	if err := json.Unmarshal(env.Memory, &snap); err != nil {
		m.logger.Warn("[WorkerManager] malformed memory_update from %q: %v", w.Name, err)
		return
	}
	m.session.Apply(w.Name, snap)
}

// sweepStaleCalls rejects any PendingCall older than staleCallAge that
// somehow survived its own timer (defensive against timer/actor races during
// heavy load), runs every staleSweepInterval.
func (m *Manager) sweepStaleCalls(s *state) {
	now := time.Now()
	for _, w := range s.workers {
		for id, pc := range w.PendingCalls {
			if now.Sub(pc.CreatedAt) > staleCallAge {
				delete(w.PendingCalls, id)
				if pc.timer != nil {
					pc.timer.Stop()
				}
				pc.resultCh <- callResult{Err: fmt.Errorf("call %s.%s exceeded maximum age", w.Name, pc.FunctionName)}
			}
		}
	}
}
