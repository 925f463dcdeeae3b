package auth

import (
	"sync"

	"github.com/whytehoux-projecty/LAS/internal/bus"
)

// SessionState is the authentication lifecycle state.
type SessionState string

const (
	StateAnonymous     SessionState = "anonymous"
	StateAuthenticated SessionState = "authenticated"
)

// Session tracks the Anonymous <-> Authenticated lifecycle. A refresh
// failure moves it to Anonymous terminally for the current session; only an
// explicit login authenticates again.
type Session struct {
	mu       sync.Mutex
	state    SessionState
	eventBus *bus.Bus
}

// NewSession creates a session in the Anonymous state. eventBus may be nil.
func NewSession(eventBus *bus.Bus) *Session {
	return &Session{state: StateAnonymous, eventBus: eventBus}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkAuthenticated records a successful login.
func (s *Session) MarkAuthenticated() {
	s.mu.Lock()
	changed := s.state != StateAuthenticated
	s.state = StateAuthenticated
	s.mu.Unlock()

	if changed && s.eventBus != nil {
		s.eventBus.Publish(bus.TopicSessionAuthenticated, nil)
	}
}

// Expire records a terminal authentication failure (refresh rejected or
// logout). Publishes session.expired so the UI drops to the login state.
func (s *Session) Expire(reason string) {
	s.mu.Lock()
	changed := s.state != StateAnonymous
	s.state = StateAnonymous
	s.mu.Unlock()

	if changed && s.eventBus != nil {
		s.eventBus.Publish(bus.TopicSessionExpired, bus.SessionExpiredEvent{Reason: reason})
	}
}
