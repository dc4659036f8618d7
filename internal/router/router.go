// Package router implements the MessageRouter from SPEC_FULL.md §4.6:
// parsing inbound client frames, dispatching tool.function calls to the
// WorkerManager, and serving the rpc.listFunctions meta method.
package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/johnlindquist/lootbox/internal/connection"
	"github.com/johnlindquist/lootbox/internal/logger"
	"github.com/johnlindquist/lootbox/internal/worker"
)

// inboundFrame is the client-facing request shape: {id?, method, args?}.
type inboundFrame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// outboundFrame is the client-facing response shape.
type outboundFrame struct {
	ID        string          `json:"id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Functions []string        `json:"functions,omitempty"`
	Type      string          `json:"type,omitempty"`
}

// WorkerCaller is the subset of worker.Manager the router depends on.
type WorkerCaller interface {
	CallFunction(req worker.CallRequest) worker.CallResult
}

// FunctionLister supplies the current public registry for rpc.listFunctions.
type FunctionLister interface {
	GetFunctionNames() []string
}

// Router dispatches frames received over a connection.Manager to a
// WorkerCaller, and emits a welcome frame on first contact.
type Router struct {
	logger  logger.Logger
	workers WorkerCaller
	cache   FunctionLister
}

func New(l logger.Logger, workers WorkerCaller, cache FunctionLister) *Router {
	return &Router{logger: l, workers: workers, cache: cache}
}

// Welcome returns the frame sent to a client on its first non-call frame,
// advertising the currently discovered tool.function registry.
func (r *Router) Welcome() []byte {
	b, _ := json.Marshal(outboundFrame{
		Type:      "welcome",
		Functions: r.cache.GetFunctionNames(),
	})
	return b
}

// HandleMessage parses and dispatches one inbound frame from a client
// connection, writing the response back through send. The orchestrator calls
// it from connection.Manager's OnMessage callback. isFirst marks the connection's
// first inbound frame; if that frame carries no method, Welcome is sent
// instead of being routed (SPEC_FULL.md §4.5/§6).
func (r *Router) HandleMessage(send func([]byte) error, clientCWD string, isFirst bool, raw []byte) {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		_ = send(mustMarshal(outboundFrame{Error: fmt.Sprintf("invalid request: %v", err)}))
		return
	}

	if isFirst && in.Method == "" {
		_ = send(r.Welcome())
		return
	}

	if in.Method == "rpc.listFunctions" {
		_ = send(mustMarshal(outboundFrame{ID: in.ID, Result: mustMarshal(r.cache.GetFunctionNames())}))
		return
	}

	namespace, fn, err := splitMethod(in.Method)
	if err != nil {
		_ = send(mustMarshal(outboundFrame{ID: in.ID, Error: err.Error()}))
		return
	}

	res := r.workers.CallFunction(worker.CallRequest{
		ClientCallID: in.ID,
		Namespace:    namespace,
		FunctionName: fn,
		ClientCWD:    clientCWD,
		Args:         in.Args,
	})
	if res.Err != nil {
		_ = send(mustMarshal(outboundFrame{ID: in.ID, Error: res.Err.Error()}))
		return
	}
	_ = send(mustMarshal(outboundFrame{ID: in.ID, Result: res.Data}))
}

// OnProgress is wired to worker.Manager.SetProgressCallback; it sends a
// progress frame to every connection (the spec has no per-call routing
// table from clientCallID back to its originating connection beyond the
// caller that's already blocked on CallFunction, so progress is broadcast
// and clients match on id).
func (r *Router) OnProgress(conns *connection.Manager) func(clientCallID, message string) {
	return func(clientCallID, message string) {
		conns.Broadcast(mustMarshal(outboundFrame{ID: clientCallID, Message: message, Type: "progress"}))
	}
}

func splitMethod(method string) (namespace, fn string, err error) {
	idx := strings.LastIndex(method, ".")
	if idx <= 0 || idx == len(method)-1 {
		return "", "", fmt.Errorf("method %q must be in tool.function form", method)
	}
	return method[:idx], method[idx+1:], nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}
