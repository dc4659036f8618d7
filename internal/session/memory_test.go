package session

import (
	"testing"
	"time"
)

func TestHandleRoundTripsThroughStore(t *testing.T) {
	store := NewStore()

	h := NewHandle(store.Get("echo"))
	h.Set("count", 1)
	h.AppendHistory("user", "hello", nil)
	store.Apply("echo", h.Export())

	h2 := NewHandle(store.Get("echo"))
	v, ok := h2.Get("count")
	if !ok || v.(int) != 1 {
		t.Fatalf("Get(count) = %v, %v, want 1, true", v, ok)
	}
	if len(h2.History()) != 1 {
		t.Fatalf("History() length = %d, want 1", len(h2.History()))
	}
}

func TestHistoryIsFIFOBounded(t *testing.T) {
	store := NewStore()
	h := NewHandle(store.Get("tool"))

	for i := 0; i < maxHistoryEntries+10; i++ {
		h.AppendHistory("user", "msg", nil)
	}
	store.Apply("tool", h.Export())

	snap := store.Get("tool")
	if len(snap.History) != maxHistoryEntries {
		t.Fatalf("history length = %d, want %d", len(snap.History), maxHistoryEntries)
	}
}

func TestKVEvictsExpiredEntries(t *testing.T) {
	store := NewStore()
	h := NewHandle(store.Get("tool"))
	h.Set("stale", "value")

	past := time.Now().Add(-time.Minute)
	snap := h.Export()
	e := snap.KV["stale"]
	e.ExpiresAt = &past
	snap.KV["stale"] = e

	store.Apply("tool", snap)

	got := store.Get("tool")
	if _, ok := got.KV["stale"]; ok {
		t.Fatal("expected expired entry to be evicted on Apply")
	}
}

func TestKVEvictsOverCapacityByLRU(t *testing.T) {
	store := NewStore()
	h := NewHandle(store.Get("tool"))

	for i := 0; i < maxKVEntries+5; i++ {
		h.Set(string(rune('a'+i%26))+string(rune(i)), i)
	}
	store.Apply("tool", h.Export())

	got := store.Get("tool")
	if len(got.KV) > maxKVEntries {
		t.Fatalf("kv size = %d, want <= %d", len(got.KV), maxKVEntries)
	}
}

func TestNamespacesAreIndependent(t *testing.T) {
	store := NewStore()

	h1 := NewHandle(store.Get("a"))
	h1.Set("k", "a-value")
	store.Apply("a", h1.Export())

	h2 := NewHandle(store.Get("b"))
	if _, ok := h2.Get("k"); ok {
		t.Fatal("namespace b should not see namespace a's keys")
	}
}
