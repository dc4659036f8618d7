// Package session implements the per-tool session memory described in
// SPEC_FULL.md §3 (SessionMemory[toolName]): a bounded KV store plus a
// bounded conversation history, process-wide and cleared on restart.
//
// A Store lives in the parent process and is authoritative between calls.
// Each call gets its own Handle, seeded from the Store's current snapshot;
// the Handle's final state is serialized back in the memory field of the
// call's result or error frame and replaces the Store's snapshot for that
// namespace. Two concurrent calls to the same namespace race on that
// replacement by design (SPEC_FULL.md §9, Open Question 2): the later frame
// to arrive wins.
package session

import (
	"time"

	"github.com/johnlindquist/lootbox/lootbox"
)

const (
	maxKVEntries      = 100
	maxHistoryEntries = 50
)

// Entry is one value in a namespace's KV store.
type Entry struct {
	Value       any        `json:"value"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	AccessCount int        `json:"accessCount"`

	lastAccess time.Time
}

// Snapshot is the wire-serializable state of one namespace's session memory.
type Snapshot struct {
	KV      map[string]Entry        `json:"kv"`
	History []lootbox.HistoryEntry `json:"history"`
}

func emptySnapshot() Snapshot {
	return Snapshot{KV: map[string]Entry{}, History: []lootbox.HistoryEntry{}}
}

// Store is the parent-side, process-wide registry of SessionMemory indexed
// by tool namespace. Zero value is not usable; use NewStore.
type Store struct {
	mu        chanLock
	snapshots map[string]Snapshot
}

// chanLock is a 1-buffered channel used as a mutex. Like sync.Mutex it is
// not reentrant: a goroutine that locks it twice blocks forever.
type chanLock chan struct{}

func newChanLock() chanLock {
	c := make(chanLock, 1)
	c <- struct{}{}
	return c
}

func (c chanLock) Lock()   { <-c }
func (c chanLock) Unlock() { c <- struct{}{} }

func NewStore() *Store {
	return &Store{mu: newChanLock(), snapshots: map[string]Snapshot{}}
}

// Get returns a deep-enough copy of the namespace's current snapshot,
// suitable for merging into outgoing call args.
func (s *Store) Get(namespace string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[namespace]
	if !ok {
		return emptySnapshot()
	}
	return cloneSnapshot(snap)
}

// Apply replaces the namespace's snapshot with the given one, after
// enforcing the KV/history size invariants (§3). WorkerManager calls it with
// the memory carried by an incoming result or error frame.
func (s *Store) Apply(namespace string, snap Snapshot) {
	trimmed := trim(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[namespace] = trimmed
}

// Clear removes the stored session memory of one namespace. The worker
// lifecycle does not call it, so a namespace's memory survives worker
// restarts and removals for the lifetime of the server process.
func (s *Store) Clear(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, namespace)
}

func cloneSnapshot(snap Snapshot) Snapshot {
	out := Snapshot{
		KV:      make(map[string]Entry, len(snap.KV)),
		History: make([]lootbox.HistoryEntry, len(snap.History)),
	}
	for k, v := range snap.KV {
		out.KV[k] = v
	}
	copy(out.History, snap.History)
	return out
}

// trim enforces the size invariants from SPEC_FULL.md §3: KV size <= 100
// (expired entries first, then the entry with the oldest access time),
// history size <= 50 (oldest dropped first, FIFO). An entry's access time is
// lastAccess, which is not serialized; for entries without one (every entry
// of a snapshot decoded from a worker frame) CreatedAt is used instead, so in
// that case eviction is oldest-created first, not least-recently-accessed.
func trim(snap Snapshot) Snapshot {
	now := time.Now()

	if snap.KV == nil {
		snap.KV = map[string]Entry{}
	}
	for k, e := range snap.KV {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(snap.KV, k)
		}
	}
	for len(snap.KV) > maxKVEntries {
		oldestKey := ""
		var oldest time.Time
		for k, e := range snap.KV {
			access := e.lastAccess
			if access.IsZero() {
				access = e.CreatedAt
			}
			if oldestKey == "" || access.Before(oldest) {
				oldestKey = k
				oldest = access
			}
		}
		if oldestKey == "" {
			break
		}
		delete(snap.KV, oldestKey)
	}

	if len(snap.History) > maxHistoryEntries {
		snap.History = snap.History[len(snap.History)-maxHistoryEntries:]
	}

	return snap
}
