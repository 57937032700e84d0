// Package history records, per operation, what the last successful
// execution read and wrote and the signatures those files had when it
// finished. The runner compares these records against the disk to decide
// staleness.
//
// Entries are keyed by opgraph.OperationID, which is derived from the
// operation's command, so regenerating the graph does not invalidate the
// results of unrelated operations. A missing entry is not an error; it only
// forces the operation to run.
package history

import (
	"sort"
	"sync"

	"github.com/specialistvlad/forgegrid/internal/opgraph"
	"github.com/specialistvlad/forgegrid/internal/signature"
)

// Entry is the record of one successful execution.
type Entry struct {
	ID          opgraph.OperationID
	Mode        signature.Mode
	CompletedAt int64

	DeclaredInputs  []signature.FileSignature
	DeclaredOutputs []signature.FileSignature
	ObservedInputs  []signature.FileSignature
	ObservedOutputs []signature.FileSignature
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	c := e
	c.DeclaredInputs = cloneSigs(e.DeclaredInputs)
	c.DeclaredOutputs = cloneSigs(e.DeclaredOutputs)
	c.ObservedInputs = cloneSigs(e.ObservedInputs)
	c.ObservedOutputs = cloneSigs(e.ObservedOutputs)
	return c
}

func cloneSigs(in []signature.FileSignature) []signature.FileSignature {
	if in == nil {
		return nil
	}
	return append([]signature.FileSignature(nil), in...)
}

// History is the set of entries for a build. It is safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	entries map[opgraph.OperationID]Entry
}

// New returns an empty history.
func New() *History {
	return &History{entries: make(map[opgraph.OperationID]Entry)}
}

// TryFind returns a copy of the entry for id.
func (h *History) TryFind(id opgraph.OperationID) (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// Upsert creates or replaces the entry for e.ID.
func (h *History) Upsert(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[e.ID] = e.Clone()
}

// Remove deletes the entry for id and reports whether it existed.
func (h *History) Remove(id opgraph.OperationID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.entries[id]
	delete(h.entries, id)
	return ok
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// IDs returns the identities with an entry, sorted ascending.
func (h *History) IDs() []opgraph.OperationID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sortedIDsLocked()
}

func (h *History) sortedIDsLocked() []opgraph.OperationID {
	ids := make([]opgraph.OperationID, 0, len(h.entries))
	for id := range h.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Entries returns copies of all entries sorted by identity.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, 0, len(h.entries))
	for _, id := range h.sortedIDsLocked() {
		out = append(out, h.entries[id].Clone())
	}
	return out
}

// Clone returns an independent copy.
func (h *History) Clone() *History {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := &History{entries: make(map[opgraph.OperationID]Entry, len(h.entries))}
	for id, e := range h.entries {
		c.entries[id] = e.Clone()
	}
	return c
}

// Prune removes entries whose operation is not part of g and returns the
// removed identities.
func (h *History) Prune(g *opgraph.Graph) []opgraph.OperationID {
	h.mu.Lock()
	defer h.mu.Unlock()
	var removed []opgraph.OperationID
	for _, id := range h.sortedIDsLocked() {
		if _, ok := g.Operation(id); !ok {
			delete(h.entries, id)
			removed = append(removed, id)
		}
	}
	return removed
}
