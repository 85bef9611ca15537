package dialog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/chatguard/internal/observability"
	"github.com/harun/chatguard/internal/tracing"
	"github.com/harun/chatguard/pkg/moderation"
	"github.com/harun/chatguard/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNoSelectedChat is returned when a menu step runs without a selected chat.
var ErrNoSelectedChat = errors.New("dialog: no chat selected")

const (
	minMuteMinutes = 1
	maxMuteMinutes = 10080
)

type userLock struct {
	mu   sync.Mutex
	refs int
}

// Machine drives per-user configuration sessions.
type Machine struct {
	store     moderation.Store
	directory moderation.ChatDirectory
	sessions  SessionStore
	logger    zerolog.Logger
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[int64]*userLock
}

// NewMachine creates a dialog state machine.
func NewMachine(st moderation.Store, directory moderation.ChatDirectory, sessions SessionStore, logger zerolog.Logger) *Machine {
	return &Machine{
		store:     st,
		directory: directory,
		sessions:  sessions,
		logger:    logger.With().Str("component", "dialog").Logger(),
		now:       time.Now,
		locks:     make(map[int64]*userLock),
	}
}

// lockUser serializes read-modify-write cycles for one user.
func (m *Machine) lockUser(userID int64) func() {
	m.locksMu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{}
		m.locks[userID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, userID)
		}
		m.locksMu.Unlock()
	}
}

// State returns the user's current state.
func (m *Machine) State(ctx context.Context, userID int64) (State, error) {
	s, err := m.sessions.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if s == nil {
		return StateIdle, nil
	}
	return s.State, nil
}

// Active reports whether the user is inside the flow.
func (m *Machine) Active(ctx context.Context, userID int64) (bool, error) {
	state, err := m.State(ctx, userID)
	if err != nil {
		return false, err
	}
	return state != StateIdle, nil
}

// StartConfig handles /config: it lists the chats the user administers.
func (m *Machine) StartConfig(ctx context.Context, userID int64) ([]string, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	from := StateIdle
	if prev, err := m.sessions.Get(ctx, userID); err != nil {
		return nil, err
	} else if prev != nil {
		from = prev.State
	}

	s := &Session{UserID: userID}
	reply, err := m.enterSelectChat(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := m.persist(ctx, s, from); err != nil {
		return nil, err
	}
	return []string{reply}, nil
}

// Cancel ends the user's session.
func (m *Machine) Cancel(ctx context.Context, userID int64) ([]string, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	s, err := m.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return []string{msgNothingToCancel}, nil
	}

	from := s.State
	s.State = StateIdle
	if err := m.persist(ctx, s, from); err != nil {
		return nil, err
	}
	return []string{msgCancelled}, nil
}

// Handle feeds one line of private text into the user's session. It returns no
// replies when the user has no session.
func (m *Machine) Handle(ctx context.Context, userID int64, text string) ([]string, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	s, err := m.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s == nil || s.State == StateIdle {
		return nil, nil
	}

	from := s.State
	ctx, span := tracing.StartSpan(ctx, "dialog", "dialog.handle",
		attribute.String("state", string(from)),
		attribute.Int64("user_id", userID),
	)
	defer span.End()

	text = strings.TrimSpace(text)

	var replies []string
	switch s.State {
	case StateSelectChat:
		replies, err = m.selectChat(ctx, s, text)
	case StateSettingsMenu:
		replies, err = m.settingsMenu(ctx, s, text)
	case StateToggleObscene, StateToggleLinks, StateToggleKeywords:
		replies, err = m.toggle(ctx, s, text)
	case StateSetAction:
		replies, err = m.setAction(ctx, s, text)
	case StateSetMuteDuration:
		replies, err = m.setMuteDuration(ctx, s, text)
	case StateBannedWordsMenu:
		replies, err = m.bannedWordsMenu(ctx, s, text)
	case StateAddBannedWord:
		replies, err = m.addBannedWord(ctx, s, text)
	case StateDeleteBannedWord:
		replies, err = m.deleteBannedWord(ctx, s, text)
	default:
		err = fmt.Errorf("dialog: unknown state %q", s.State)
	}

	if errors.Is(err, ErrNoSelectedChat) {
		m.logger.Warn().Int64("user_id", userID).Str("state", string(from)).Msg("Session has no selected chat, resetting")
		s.State = StateIdle
		replies, err = []string{msgRestart}, nil
	}
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	if err := m.persist(ctx, s, from); err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}
	return replies, nil
}

func (m *Machine) persist(ctx context.Context, s *Session, from State) error {
	if s.State == StateIdle {
		if err := m.sessions.Delete(ctx, s.UserID); err != nil {
			return err
		}
	} else {
		s.UpdatedAt = m.now()
		if err := m.sessions.Save(ctx, s); err != nil {
			return err
		}
	}

	if from != s.State {
		observability.RecordDialogTransition(string(from), string(s.State))
		m.logger.Debug().
			Int64("user_id", s.UserID).
			Str("from", string(from)).
			Str("to", string(s.State)).
			Msg("Dialog transition")
	}
	return nil
}

// adminChats returns the configured chats where the user is creator or administrator.
func (m *Machine) adminChats(ctx context.Context, userID int64) ([]ChatRef, error) {
	configs, err := m.store.ListChatConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	var chats []ChatRef
	for _, cfg := range configs {
		role, err := m.directory.MemberRole(ctx, cfg.ChatID, userID)
		if err != nil {
			m.logger.Warn().Err(err).Int64("chat_id", cfg.ChatID).Msg("Failed to resolve member role")
			continue
		}
		if !role.IsPrivileged() {
			continue
		}

		title, err := m.directory.ChatTitle(ctx, cfg.ChatID)
		if err != nil {
			m.logger.Warn().Err(err).Int64("chat_id", cfg.ChatID).Msg("Failed to resolve chat title")
			continue
		}
		chats = append(chats, ChatRef{ID: cfg.ChatID, Title: title})
	}
	return chats, nil
}

func (m *Machine) enterSelectChat(ctx context.Context, s *Session) (string, error) {
	chats, err := m.adminChats(ctx, s.UserID)
	if err != nil {
		return "", err
	}

	s.Selected = nil
	s.Words = nil
	if len(chats) == 0 {
		s.Chats = nil
		s.State = StateIdle
		return msgNoChats, nil
	}

	s.Chats = chats
	s.State = StateSelectChat
	return renderChatList(chats), nil
}

func (m *Machine) enterSettingsMenu(ctx context.Context, s *Session) (string, error) {
	if s.Selected == nil {
		return "", ErrNoSelectedChat
	}
	cfg, err := m.store.EnsureChatConfig(ctx, s.Selected.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load chat settings: %w", err)
	}

	s.Words = nil
	s.State = StateSettingsMenu
	return renderSettingsMenu(s.Selected.Title, *cfg), nil
}

func (m *Machine) enterBannedWordsMenu(ctx context.Context, s *Session) (string, error) {
	if s.Selected == nil {
		return "", ErrNoSelectedChat
	}
	words, err := m.store.ListBannedWords(ctx, s.Selected.ID)
	if err != nil {
		return "", fmt.Errorf("failed to list banned words: %w", err)
	}

	s.Words = nil
	s.State = StateBannedWordsMenu
	return renderBannedWordsMenu(words), nil
}

// withMenu appends the settings menu to replies.
func (m *Machine) withMenu(ctx context.Context, s *Session, replies ...string) ([]string, error) {
	menu, err := m.enterSettingsMenu(ctx, s)
	if err != nil {
		return nil, err
	}
	return append(replies, menu), nil
}

// withWordsMenu appends the banned words menu to replies.
func (m *Machine) withWordsMenu(ctx context.Context, s *Session, replies ...string) ([]string, error) {
	menu, err := m.enterBannedWordsMenu(ctx, s)
	if err != nil {
		return nil, err
	}
	return append(replies, menu), nil
}

func (m *Machine) selectChat(ctx context.Context, s *Session, text string) ([]string, error) {
	n, err := strconv.Atoi(text)
	if err != nil {
		return []string{msgChatNumber}, nil
	}
	if n < 1 || n > len(s.Chats) {
		return []string{msgInvalidChat}, nil
	}

	chat := s.Chats[n-1]
	s.Selected = &chat
	return m.withMenu(ctx, s)
}

func isBack(text string) bool {
	t := strings.ToLower(text)
	return t == "back" || t == "назад"
}

func (m *Machine) settingsMenu(ctx context.Context, s *Session, text string) ([]string, error) {
	if s.Selected == nil {
		return nil, ErrNoSelectedChat
	}

	if isBack(text) {
		reply, err := m.enterSelectChat(ctx, s)
		if err != nil {
			return nil, err
		}
		return []string{reply}, nil
	}

	n, err := strconv.Atoi(text)
	if err != nil {
		return []string{msgOptionNumber}, nil
	}

	switch n {
	case 1:
		s.State = StateToggleObscene
		return []string{renderTogglePrompt("Profanity filter")}, nil
	case 2:
		s.State = StateToggleLinks
		return []string{renderTogglePrompt("Link filter")}, nil
	case 3:
		s.State = StateToggleKeywords
		return []string{renderTogglePrompt("Keyword filter")}, nil
	case 4:
		s.State = StateSetAction
		return []string{renderActionPrompt()}, nil
	case 5:
		s.State = StateSetMuteDuration
		return []string{msgMuteDurationHint}, nil
	case 6:
		return m.withWordsMenu(ctx, s)
	default:
		return []string{msgInvalidOption}, nil
	}
}

// updateConfig loads, mutates and saves the selected chat's settings.
func (m *Machine) updateConfig(ctx context.Context, s *Session, change string, mutate func(*moderation.ChatConfig)) error {
	cfg, err := m.store.EnsureChatConfig(ctx, s.Selected.ID)
	if err != nil {
		return fmt.Errorf("failed to load chat settings: %w", err)
	}
	mutate(cfg)
	if err := m.store.SaveChatConfig(ctx, *cfg); err != nil {
		return fmt.Errorf("failed to save chat settings: %w", err)
	}

	observability.RecordConfigAudit(ctx, change, strconv.FormatInt(s.UserID, 10), map[string]interface{}{
		"chat_id":         cfg.ChatID,
		"filter_obscene":  cfg.FilterObscene,
		"filter_links":    cfg.FilterLinks,
		"filter_keywords": cfg.FilterKeywords,
		"action_type":     string(cfg.Action),
		"mute_duration":   cfg.MuteDuration,
	})
	return nil
}

func (m *Machine) toggle(ctx context.Context, s *Session, text string) ([]string, error) {
	if s.Selected == nil {
		return nil, ErrNoSelectedChat
	}

	n, err := strconv.Atoi(text)
	if err != nil || (n != 1 && n != 2) {
		return m.withMenu(ctx, s, msgToggleChoice)
	}
	enable := n == 1

	var name string
	err = m.updateConfig(ctx, s, string(s.State), func(cfg *moderation.ChatConfig) {
		switch s.State {
		case StateToggleObscene:
			name = "Profanity filter"
			cfg.FilterObscene = enable
		case StateToggleLinks:
			name = "Link filter"
			cfg.FilterLinks = enable
		case StateToggleKeywords:
			name = "Keyword filter"
			cfg.FilterKeywords = enable
		}
	})
	if err != nil {
		return nil, err
	}

	return m.withMenu(ctx, s, fmt.Sprintf("%s %s.", name, onOff(enable)))
}

// setAction keeps the state on an out-of-range number and returns to the menu on
// non-numeric input.
func (m *Machine) setAction(ctx context.Context, s *Session, text string) ([]string, error) {
	if s.Selected == nil {
		return nil, ErrNoSelectedChat
	}

	n, err := strconv.Atoi(text)
	if err != nil {
		return m.withMenu(ctx, s, msgOptionNumber)
	}
	if n < 1 || n > len(actionChoices) {
		return []string{msgInvalidOption}, nil
	}

	action := actionChoices[n-1]
	if err := m.updateConfig(ctx, s, "set_action", func(cfg *moderation.ChatConfig) {
		cfg.Action = action
	}); err != nil {
		return nil, err
	}

	return m.withMenu(ctx, s, fmt.Sprintf("Action on violation set: %s.", actionLabels[action]))
}

// setMuteDuration keeps the state on an out-of-range number and returns to the menu
// on non-numeric input.
func (m *Machine) setMuteDuration(ctx context.Context, s *Session, text string) ([]string, error) {
	if s.Selected == nil {
		return nil, ErrNoSelectedChat
	}

	minutes, err := strconv.Atoi(text)
	if err != nil {
		return m.withMenu(ctx, s, msgNumeric)
	}
	if minutes < minMuteMinutes || minutes > maxMuteMinutes {
		return []string{msgMuteRange}, nil
	}

	if err := m.updateConfig(ctx, s, "set_mute_duration", func(cfg *moderation.ChatConfig) {
		cfg.MuteDuration = minutes * 60
	}); err != nil {
		return nil, err
	}

	return m.withMenu(ctx, s, fmt.Sprintf("Mute duration set: %d minutes.", minutes))
}

func (m *Machine) bannedWordsMenu(ctx context.Context, s *Session, text string) ([]string, error) {
	if s.Selected == nil {
		return nil, ErrNoSelectedChat
	}

	n, err := strconv.Atoi(text)
	if err != nil {
		return []string{msgOptionNumber}, nil
	}

	switch n {
	case 1:
		s.State = StateAddBannedWord
		return []string{msgAddWordPrompt}, nil
	case 2:
		words, err := m.store.ListBannedWords(ctx, s.Selected.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list banned words: %w", err)
		}
		if len(words) == 0 {
			return m.withWordsMenu(ctx, s, msgWordsEmpty)
		}
		s.Words = words
		s.State = StateDeleteBannedWord
		return []string{renderDeleteList(words)}, nil
	case 3:
		return m.withMenu(ctx, s)
	default:
		return []string{msgInvalidOption}, nil
	}
}

func (m *Machine) addBannedWord(ctx context.Context, s *Session, text string) ([]string, error) {
	if s.Selected == nil {
		return nil, ErrNoSelectedChat
	}

	word := store.NormalizeWord(text)
	if word == "" {
		return m.withWordsMenu(ctx, s, msgEmptyWord)
	}

	added, err := m.store.AddBannedWord(ctx, s.Selected.ID, word)
	if err != nil {
		return nil, fmt.Errorf("failed to add banned word: %w", err)
	}

	reply := fmt.Sprintf("Word '%s' is already in the banned list.", word)
	if added {
		reply = fmt.Sprintf("Word '%s' added to the banned list.", word)
		observability.RecordConfigAudit(ctx, "add_word", strconv.FormatInt(s.UserID, 10), map[string]interface{}{
			"chat_id": s.Selected.ID,
			"word":    word,
		})
	}
	return m.withWordsMenu(ctx, s, reply)
}

func (m *Machine) deleteBannedWord(ctx context.Context, s *Session, text string) ([]string, error) {
	if s.Selected == nil || len(s.Words) == 0 {
		return nil, ErrNoSelectedChat
	}

	n, err := strconv.Atoi(text)
	if err != nil {
		return m.withWordsMenu(ctx, s, msgWordNumber)
	}
	if n < 1 || n > len(s.Words) {
		return m.withWordsMenu(ctx, s, msgInvalidWord)
	}

	w := s.Words[n-1]
	reply := fmt.Sprintf("Word '%s' removed from the banned list.", w.Word)
	if err := m.store.DeleteBannedWord(ctx, w.ID); errors.Is(err, store.ErrNotFound) {
		reply = fmt.Sprintf("Word '%s' was already removed.", w.Word)
	} else if err != nil {
		return nil, fmt.Errorf("failed to delete banned word: %w", err)
	} else {
		observability.RecordConfigAudit(ctx, "delete_word", strconv.FormatInt(s.UserID, 10), map[string]interface{}{
			"chat_id": s.Selected.ID,
			"word":    w.Word,
		})
	}
	return m.withWordsMenu(ctx, s, reply)
}
