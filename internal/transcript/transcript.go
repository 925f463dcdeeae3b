// Package transcript holds the in-memory conversation log shared by the
// push-stream and polling writers. Entries are append-only and never
// reordered; agent answers are deduplicated by a normalization fingerprint
// because the same answer is fetched repeatedly while the agent is idle.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/whytehoux-projecty/LAS/internal/bus"
)

// Role classifies a transcript entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
	RoleError  Role = "error"
)

// Entry is one immutable transcript record.
type Entry struct {
	Role          Role
	Content       string
	Reasoning     string
	AgentLabel    string
	Status        string
	CorrelationID string
	InsertedAt    time.Time
}

// Store is the ordered transcript. Both the stream and poll writers mutate
// it concurrently; the mutex makes the fingerprint check and the append a
// single critical section, which is what keeps the dedup invariant under
// interleaving.
type Store struct {
	mu           sync.Mutex
	entries      []Entry
	fingerprints map[string]struct{} // agent-role entries only
	eventBus     *bus.Bus
}

// New creates an empty Store. eventBus may be nil.
func New(eventBus *bus.Bus) *Store {
	return &Store{
		fingerprints: make(map[string]struct{}),
		eventBus:     eventBus,
	}
}

// Append inserts a non-deduplicated entry (user input, system notices,
// error surfacing). Returns the entry's index.
func (s *Store) Append(e Entry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e)
}

// AppendAgentAnswer inserts an agent entry unless an agent entry with the
// same content fingerprint already exists. Returns the index and whether
// the entry was appended; source names the writer ("poll" or "stream") for
// the dedup event.
func (s *Store) AppendAgentAnswer(e Entry, source string) (int, bool) {
	fp := Fingerprint(e.Content)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.fingerprints[fp]; dup {
		if s.eventBus != nil {
			s.eventBus.Publish(bus.TopicTranscriptDeduped, bus.TranscriptDedupedEvent{
				Fingerprint: fp,
				Source:      source,
			})
		}
		return -1, false
	}
	e.Role = RoleAgent
	s.fingerprints[fp] = struct{}{}
	return s.appendLocked(e), true
}

func (s *Store) appendLocked(e Entry) int {
	if e.InsertedAt.IsZero() {
		e.InsertedAt = time.Now()
	}
	s.entries = append(s.entries, e)
	idx := len(s.entries) - 1
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicTranscriptAppended, bus.TranscriptAppendedEvent{
			Index:         idx,
			Role:          string(e.Role),
			Content:       e.Content,
			Reasoning:     e.Reasoning,
			AgentLabel:    e.AgentLabel,
			Status:        e.Status,
			CorrelationID: e.CorrelationID,
			InsertedAt:    e.InsertedAt,
		})
	}
	return idx
}

// Snapshot returns a copy of the transcript in insertion order.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Fingerprint normalizes an agent answer into its dedup key: trim,
// lowercase, collapse whitespace runs, strip terminal punctuation.
func Fingerprint(content string) string {
	normalized := strings.ToLower(strings.TrimSpace(content))
	normalized = strings.Join(strings.Fields(normalized), " ")
	normalized = strings.TrimRight(normalized, ".,!?")
	return normalized
}
