// Package lootbox is the contract tool authors compile against. A tool file
// is a normal Go source file built as a plugin; it must export a package-level
// variable named Functions of type lootbox.Table mapping function names to
// handlers.
package lootbox

import "context"

// ProgressFunc streams advisory progress messages for the call currently in
// flight. Calling it after the handler has returned has no effect.
type ProgressFunc func(message string)

// Memory is the handle a tool handler uses to read and mutate its
// namespace's session memory for the duration of one call. Mutations made
// through Memory are serialized back to the parent in the memory field of the
// call's result or error frame when the call completes; they are not visible to other concurrent calls to
// the same namespace until then.
type Memory interface {
	Get(key string) (value any, ok bool)
	Set(key string, value any)
	Delete(key string)
	AppendHistory(role, content string, metadata map[string]any)
	History() []HistoryEntry
}

// HistoryEntry is one entry in a tool's conversation history.
type HistoryEntry struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CallContext is passed to every tool handler in place of the source
// runtime's magic "_client_cwd"/"_session_memory" argument fields.
type CallContext struct {
	context.Context

	// ClientCWD is the working directory the calling client requested,
	// if any.
	ClientCWD string

	// Memory is this call's handle onto the namespace's session memory.
	Memory Memory

	// Progress streams an advisory progress message back to the client.
	Progress ProgressFunc
}

// Handler is a single callable tool function.
type Handler func(ctx CallContext, args []byte) (any, error)

// Table is the dispatch table a tool plugin must export as a package-level
// variable named Functions.
type Table map[string]Handler
