package dialog

import (
	"context"
	"sync"
	"time"

	"github.com/harun/chatguard/internal/observability"
	"github.com/harun/chatguard/pkg/moderation"
)

// State is a step of the configuration flow.
type State string

const (
	StateIdle             State = "idle"
	StateSelectChat       State = "select_chat"
	StateSettingsMenu     State = "settings_menu"
	StateToggleObscene    State = "toggle_obscene"
	StateToggleLinks      State = "toggle_links"
	StateToggleKeywords   State = "toggle_keywords"
	StateSetAction        State = "set_action"
	StateSetMuteDuration  State = "set_mute_duration"
	StateBannedWordsMenu  State = "banned_words_menu"
	StateAddBannedWord    State = "add_banned_word"
	StateDeleteBannedWord State = "delete_banned_word"
)

// ChatRef identifies a chat the user may configure.
type ChatRef struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// Session is one user's progress through the flow.
type Session struct {
	UserID   int64     `json:"user_id"`
	State    State     `json:"state"`
	Chats    []ChatRef `json:"chats,omitempty"`
	Selected *ChatRef  `json:"selected,omitempty"`
	// Words caches the list shown for deletion so numbers resolve to the rows the user saw.
	Words     []moderation.BannedWord `json:"words,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// SessionStore keeps dialog sessions keyed by user id.
type SessionStore interface {
	// Get returns nil when the user has no session.
	Get(ctx context.Context, userID int64) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, userID int64) error
}

// MemoryStore is a process-local SessionStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]Session)}
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.UserID] = *s
	observability.SetActiveDialogs(len(m.sessions))
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, userID)
	observability.SetActiveDialogs(len(m.sessions))
	return nil
}

// Len returns the number of open sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes sessions not updated since before and returns how many were removed.
func (m *MemoryStore) Sweep(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(before) {
			delete(m.sessions, id)
			removed++
		}
	}
	observability.SetActiveDialogs(len(m.sessions))
	return removed, nil
}
