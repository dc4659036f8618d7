package worker

import "encoding/json"

// FrameType identifies the kind of an IPC envelope exchanged between the
// parent (WorkerManager) and a tool worker child over stdin/stdout.
type FrameType string

const (
	// Parent -> child.
	FrameCall     FrameType = "call"
	FramePing     FrameType = "ping"
	FrameShutdown FrameType = "shutdown"

	// Child -> parent. Session memory rides the Memory field of result/error
	// frames rather than a standalone memory_update frame; there is no
	// separate FrameMemoryUpdate on this wire.
	FrameReady    FrameType = "ready"
	FrameResult   FrameType = "result"
	FrameError    FrameType = "error"
	FrameProgress FrameType = "progress"
	FramePong     FrameType = "pong"
	FrameCrash    FrameType = "crash"
)

// Envelope is the single wire frame shape used for every IPC message, newline
// delimited JSON in both directions. Only the fields relevant to Type are
// populated; everything else is the zero value.
type Envelope struct {
	Type FrameType `json:"type"`

	ID           string          `json:"id,omitempty"`
	FunctionName string          `json:"functionName,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`

	WorkerID string          `json:"workerId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Message  string          `json:"message,omitempty"`
	Memory   json.RawMessage `json:"memory,omitempty"`
}

// reservedClientCWDKey and reservedSessionMemoryKey are the argument keys
// the wire protocol reserves to carry context that in the source system
// arrived as magic argument fields (see SPEC_FULL.md §4.1 / Design Note 3).
const (
	reservedClientCWDKey     = "_client_cwd"
	reservedSessionMemoryKey = "_session_memory"
)
