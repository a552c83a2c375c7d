package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned when a scripted client runs out of turns.
var ErrScriptExhausted = errors.New("scripted client has no more turns")

// ScriptedClient replays pre-built event sequences, one per Stream call,
// and records every request it received for assertions.
type ScriptedClient struct {
	mu       sync.Mutex
	turns    [][]StreamEvent
	requests []Request
}

// NewScriptedClient creates a client that replays the given turns in order.
func NewScriptedClient(turns ...[]StreamEvent) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// Enqueue appends one more scripted turn.
func (s *ScriptedClient) Enqueue(events ...StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, events)
}

// Requests returns a copy of every request seen so far.
func (s *ScriptedClient) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Stream replays the next scripted turn.
func (s *ScriptedClient) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.turns) == 0 {
		s.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	s.mu.Unlock()

	events := make(chan StreamEvent, len(turn))
	go func() {
		defer close(events)
		for _, ev := range turn {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
