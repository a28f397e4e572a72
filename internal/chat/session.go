package chat

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"foundrygate/pkg/types"
)

// DefaultSession identifies the shared conversation used when a request
// does not name a session. It preserves the one-conversation-per-process
// behavior for clients that never opt into isolation.
const DefaultSession = "default"

// SessionStore holds append-only conversation histories keyed by session id.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string][]types.ChatMessage
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: map[string][]types.ChatMessage{}}
}

// Resolve maps an empty id to the default session and passes any other id
// through unchanged.
func (s *SessionStore) Resolve(id string) string {
	if strings.TrimSpace(id) == "" {
		return DefaultSession
	}
	return id
}

// NewSession allocates an isolated conversation and returns its id.
func (s *SessionStore) NewSession() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = nil
	s.mu.Unlock()
	return id
}

// Append adds one message to the session's history, creating the session on
// first use.
func (s *SessionStore) Append(id string, msg types.ChatMessage) {
	s.mu.Lock()
	s.sessions[id] = append(s.sessions[id], msg)
	s.mu.Unlock()
}

// History returns a copy of the session's messages in order.
func (s *SessionStore) History(id string) []types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ChatMessage, len(s.sessions[id]))
	copy(out, s.sessions[id])
	return out
}
