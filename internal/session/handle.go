package session

import (
	"sync"
	"time"

	"github.com/johnlindquist/lootbox/lootbox"
)

// Handle is the per-call lootbox.Memory implementation. It is seeded from a
// Snapshot at the start of a call and exported back to a Snapshot at the
// end; it never talks to the parent Store directly (the child process that
// uses it has no access to the Store at all).
type Handle struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewHandle(snap Snapshot) *Handle {
	if snap.KV == nil {
		snap.KV = map[string]Entry{}
	}
	if snap.History == nil {
		snap.History = []lootbox.HistoryEntry{}
	}
	return &Handle{snap: snap}
}

var _ lootbox.Memory = (*Handle)(nil)

func (h *Handle) Get(key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.snap.KV[key]
	if !ok {
		return nil, false
	}
	if e.ExpiresAt != nil && e.ExpiresAt.Before(time.Now()) {
		delete(h.snap.KV, key)
		return nil, false
	}
	e.AccessCount++
	e.lastAccess = time.Now()
	h.snap.KV[key] = e
	return e.Value, true
}

func (h *Handle) Set(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.snap.KV[key]
	createdAt := time.Now()
	if ok {
		createdAt = existing.CreatedAt
	}
	h.snap.KV[key] = Entry{
		Value:      value,
		CreatedAt:  createdAt,
		lastAccess: time.Now(),
	}
}

func (h *Handle) Delete(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.snap.KV, key)
}

func (h *Handle) AppendHistory(role, content string, metadata map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.snap.History = append(h.snap.History, lootbox.HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  metadata,
	})
	if len(h.snap.History) > maxHistoryEntries {
		h.snap.History = h.snap.History[len(h.snap.History)-maxHistoryEntries:]
	}
}

func (h *Handle) History() []lootbox.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]lootbox.HistoryEntry, len(h.snap.History))
	copy(out, h.snap.History)
	return out
}

// Export returns the handle's final state as a Snapshot, for the child to
// send back to the parent in the memory field of the call's result or error
// frame.
func (h *Handle) Export() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return cloneSnapshot(h.snap)
}
