// Package store persists conversations to durable storage. Each conversation
// is one opaque record written atomically (temp + rename); a separate
// lightweight index supports listing without loading full histories.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/common/atomicfile"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/conversation"
	"github.com/tenex/tenex/internal/events/bus"
)

// Common errors.
var (
	ErrNotFound      = errors.New("conversation not found")
	ErrAlreadyExists = errors.New("conversation already exists")
)

// Store owns the in-memory conversation aggregates and their durable
// records. Every mutation of one conversation is serialized by that
// conversation's lock; this is the single-writer discipline the kernel
// relies on.
type Store struct {
	dir    string
	logger *logger.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	index *index
}

type entry struct {
	mu   sync.Mutex
	conv *conversation.Conversation
}

// New creates a store rooted at dir.
func New(dir string, log *logger.Logger) *Store {
	return &Store{
		dir:     dir,
		logger:  log.WithFields(zap.String("component", "conversation-store")),
		entries: make(map[string]*entry),
		index:   newIndex(filepath.Join(dir, "conversations", "index.json")),
	}
}

func (s *Store) conversationPath(id string) string {
	return filepath.Join(s.dir, "conversations", sanitizeID(id)+".json")
}

// sanitizeID keeps conversation ids safe as file names.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Get returns a snapshot accessor for the conversation. The returned
// aggregate must only be read; mutations go through With or the typed
// mutation methods.
func (s *Store) Get(id string) (*conversation.Conversation, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.conv, nil
}

// Create registers a new conversation seeded with its initiating event and
// persists it.
func (s *Store) Create(id string, initial *bus.Event) (*conversation.Conversation, error) {
	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	conv := conversation.New(id, initial)
	e := &entry{conv: conv}
	s.entries[id] = e
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.persist(conv); err != nil {
		return nil, err
	}
	s.logger.Info("conversation created", zap.String("conversation_id", id))
	return conv, nil
}

// With runs fn with exclusive access to the conversation and persists the
// result. This is the serialization point for all compound mutations.
func (s *Store) With(id string, fn func(c *conversation.Conversation) error) error {
	e, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.conv); err != nil {
		return err
	}
	return s.persist(e.conv)
}

// AppendEvent appends an event to the conversation history and returns its
// index.
func (s *Store) AppendEvent(id string, event *bus.Event) (int, error) {
	var idx int
	err := s.With(id, func(c *conversation.Conversation) error {
		idx = c.Append(event)
		return nil
	})
	return idx, err
}

// UpdateCursor persists an agent's cursor.
func (s *Store) UpdateCursor(id, agentID string, cursor conversation.AgentCursor) error {
	return s.With(id, func(c *conversation.Conversation) error {
		return c.SetCursor(agentID, cursor)
	})
}

// StartTurn records a new orchestrator turn.
func (s *Store) StartTurn(id string, turn *conversation.OrchestratorTurn) error {
	return s.With(id, func(c *conversation.Conversation) error {
		c.BeginTurn(turn)
		return nil
	})
}

// AddCompletion records an agent completion on a turn.
func (s *Store) AddCompletion(id, turnID string, completion conversation.Completion) error {
	return s.With(id, func(c *conversation.Conversation) error {
		return c.AddCompletion(turnID, completion)
	})
}

// RecordTransition validates and applies a phase transition.
func (s *Store) RecordTransition(id string, t conversation.PhaseTransition, userOverride bool) error {
	return s.With(id, func(c *conversation.Conversation) error {
		return c.RecordTransition(t, userOverride)
	})
}

// Save persists the conversation as-is. Used by callers that mutated
// through With-free read paths (recovery only).
func (s *Store) Save(id string) error {
	e, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.persist(e.conv)
}

// persist writes the conversation record and refreshes the index entry.
// Callers hold the entry lock.
func (s *Store) persist(c *conversation.Conversation) error {
	if err := atomicfile.WriteJSON(s.conversationPath(c.ID), c); err != nil {
		return fmt.Errorf("failed to persist conversation %s: %w", c.ID, err)
	}
	if err := s.index.put(IndexEntry{
		ID:        c.ID,
		Title:     c.Title(),
		Phase:     string(c.Phase),
		UpdatedAt: c.UpdatedAt,
		Archived:  c.Archived,
	}); err != nil {
		// The record is the source of truth; a stale index is repaired on
		// the next successful write.
		s.logger.Warn("failed to update conversation index",
			zap.String("conversation_id", c.ID), zap.Error(err))
	}
	return nil
}

// LoadAll reconstructs conversations from durable state. Records failing
// structural validation are skipped and logged; the rest of the system
// continues. ExecutionTime.Active is reset on every loaded conversation.
func (s *Store) LoadAll() (int, error) {
	dir := filepath.Join(s.dir, "conversations")
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	loaded := 0
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") || name == "index.json" {
			continue
		}
		path := filepath.Join(dir, name)

		var conv conversation.Conversation
		if err := atomicfile.ReadJSON(path, &conv); err != nil {
			s.logger.Warn("skipping unreadable conversation record",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if err := conv.Validate(); err != nil {
			s.logger.Warn("skipping conversation failing validation",
				zap.String("path", path), zap.Error(err))
			continue
		}

		// Transient state never survives a restart.
		conv.ExecutionTime.Active = false
		conv.ExecutionTime.SessionStart = nil
		if conv.Cursors == nil {
			conv.Cursors = make(map[string]*conversation.AgentCursor)
		}
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]string)
		}

		s.mu.Lock()
		s.entries[conv.ID] = &entry{conv: &conv}
		s.mu.Unlock()
		loaded++
	}

	s.logger.Info("conversations loaded", zap.Int("count", loaded))
	return loaded, nil
}

// List returns index entries for all known conversations.
func (s *Store) List() []IndexEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IndexEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, IndexEntry{
			ID:        e.conv.ID,
			Title:     e.conv.Title(),
			Phase:     string(e.conv.Phase),
			UpdatedAt: e.conv.UpdatedAt,
			Archived:  e.conv.Archived,
		})
	}
	return out
}

// IDs returns the ids of all known conversations.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// Has reports whether a conversation is known to the store.
func (s *Store) Has(id string) bool {
	_, ok := s.lookup(id)
	return ok
}

// Archive flags the conversation as archived, persists it, and removes it
// from the active set. The durable record is kept.
func (s *Store) Archive(id string) error {
	e, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	e.conv.Archived = true
	err := s.persist(e.conv)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()

	s.logger.Info("conversation archived", zap.String("conversation_id", id))
	return nil
}
