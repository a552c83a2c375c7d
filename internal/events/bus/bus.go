// Package bus provides the event bus abstraction the kernel publishes to and
// subscribes from. Events are externally signed records; the kernel treats
// signatures as opaque and never mutates an event after it is created.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event kinds carried on the bus.
const (
	KindUserMessage  = 11    // user-authored conversation message
	KindAgentMessage = 1111  // final agent response
	KindStreamChunk  = 21111 // partial streamed content
	KindStatus       = 24010 // project status broadcast
	KindHeartbeat    = 24012 // liveness ping
	KindSystemNote   = 24020 // kernel-authored diagnostic, user visible
	KindTypingStart  = 24111 // typing indicator on
	KindTypingStop   = 24112 // typing indicator off
)

// IgnoredKinds are dropped at ingress: transient signals that never belong
// in a conversation history.
var IgnoredKinds = map[int]bool{
	KindStatus:      true,
	KindHeartbeat:   true,
	KindTypingStart: true,
	KindTypingStop:  true,
	KindStreamChunk: true,
}

// Well-known tag labels.
const (
	TagConversation      = "e"
	TagConversationRoot  = "E"
	TagConversationD     = "d"
	TagParticipant       = "p"
	TagPhase             = "phase"
	TagSessionToken      = "session-token"
	TagTool              = "tool"
	TagSequence          = "seq"
	TagModel             = "model"
	TagPromptTokens      = "prompt-tokens"
	TagCompletionTokens  = "completion-tokens"
)

// Event represents a signed message on the event bus.
// Immutable once appended to a conversation history.
type Event struct {
	ID        string     `json:"id"`
	AuthorKey string     `json:"author_key"`
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags,omitempty"`
	CreatedAt int64      `json:"created_at"` // unix seconds
	Sig       string     `json:"sig,omitempty"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(kind int, authorKey, content string, tags [][]string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		AuthorKey: authorKey,
		Kind:      kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().Unix(),
	}
}

// Tag returns the first value of the tag with the given label.
func (e *Event) Tag(label string) (string, bool) {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == label {
			return t[1], true
		}
	}
	return "", false
}

// TagValues returns the first value of every tag with the given label.
func (e *Event) TagValues(label string) []string {
	var values []string
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == label {
			values = append(values, t[1])
		}
	}
	return values
}

// AddTag appends a labeled tuple to the event's tags.
// Only valid before the event is published or appended to a history.
func (e *Event) AddTag(label string, values ...string) {
	e.Tags = append(e.Tags, append([]string{label}, values...))
}

// ConversationID resolves the conversation this event belongs to from its
// e/E/d tags, in that order of preference.
func (e *Event) ConversationID() (string, bool) {
	for _, label := range []string{TagConversation, TagConversationRoot, TagConversationD} {
		if v, ok := e.Tag(label); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Filter selects events by kind, author, and tag values. Zero-value fields
// match everything.
type Filter struct {
	Kinds   []int
	Authors []string
	Tags    map[string][]string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e *Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.AuthorKey) {
		return false
	}
	for label, wanted := range f.Tags {
		value, ok := e.Tag(label)
		if !ok || !containsString(wanted, value) {
			return false
		}
	}
	return true
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// EventsSubject is the bus subject carrying a project's signed events.
func EventsSubject(projectID string) string {
	return fmt.Sprintf("tenex.%s.events", projectID)
}

// AdminQueueSubject is the request/reply subject for queue administration.
func AdminQueueSubject(projectID string) string {
	return fmt.Sprintf("tenex.%s.admin.queue", projectID)
}

// Handler is a function that handles an event.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the transport the kernel publishes to and subscribes from.
type Bus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject. Only events matching
	// the filter reach the handler.
	Subscribe(subject string, filter Filter, handler Handler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout).
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
