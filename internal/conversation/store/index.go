package store

import (
	"os"
	"sort"
	"sync"

	"github.com/tenex/tenex/internal/common/atomicfile"
)

// IndexEntry is the listing projection of a conversation. It carries just
// enough to render a conversation list without loading histories.
type IndexEntry struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Phase     string `json:"phase"`
	UpdatedAt int64  `json:"updated_at"`
	Archived  bool   `json:"archived"`
}

// index maintains conversations/index.json. Writes are serialized; the file
// is rewritten whole on every put, atomically.
type index struct {
	path string

	mu      sync.Mutex
	entries map[string]IndexEntry
	loaded  bool
}

func newIndex(path string) *index {
	return &index{path: path, entries: make(map[string]IndexEntry)}
}

func (ix *index) loadLocked() {
	if ix.loaded {
		return
	}
	ix.loaded = true
	var list []IndexEntry
	if err := atomicfile.ReadJSON(ix.path, &list); err != nil {
		if !os.IsNotExist(err) {
			// Treated as empty; the index is rebuilt as conversations persist.
			ix.entries = make(map[string]IndexEntry)
		}
		return
	}
	for _, e := range list {
		ix.entries[e.ID] = e
	}
}

func (ix *index) put(e IndexEntry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.loadLocked()
	ix.entries[e.ID] = e
	return ix.flushLocked()
}

func (ix *index) flushLocked() error {
	list := make([]IndexEntry, 0, len(ix.entries))
	for _, e := range ix.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedAt != list[j].UpdatedAt {
			return list[i].UpdatedAt > list[j].UpdatedAt
		}
		return list[i].ID < list[j].ID
	})
	return atomicfile.WriteJSON(ix.path, list)
}
