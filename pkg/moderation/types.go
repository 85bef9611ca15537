package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ViolationKind identifies which filter a message breached.
type ViolationKind string

const (
	ViolationNone    ViolationKind = ""
	ViolationObscene ViolationKind = "obscene"
	ViolationLink    ViolationKind = "link"
	ViolationKeyword ViolationKind = "keyword"
)

// ActionType is the chat-level consequence applied to a violation.
type ActionType string

const (
	ActionDelete ActionType = "delete"
	ActionWarn   ActionType = "warn"
	ActionMute   ActionType = "mute"
	ActionBan    ActionType = "ban"
)

const (
	// DefaultMuteDuration is the mute length for newly created chat configs, in seconds.
	DefaultMuteDuration = 3600

	// WarningThreshold is the number of accumulated warnings that triggers escalation.
	WarningThreshold = 3

	// RecentViolationsLimit caps read-side violation queries.
	RecentViolationsLimit = 10
)

// ParseActionType validates an action name case-insensitively.
func ParseActionType(s string) (ActionType, error) {
	switch a := ActionType(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionDelete, ActionWarn, ActionMute, ActionBan:
		return a, nil
	default:
		return "", fmt.Errorf("invalid action type: %q (must be one of: delete, warn, mute, ban)", s)
	}
}

// ChatConfig holds the moderation settings of one chat.
type ChatConfig struct {
	ChatID         int64      `json:"chat_id"`
	FilterObscene  bool       `json:"filter_obscene"`
	FilterLinks    bool       `json:"filter_links"`
	FilterKeywords bool       `json:"filter_keywords"`
	Action         ActionType `json:"action_type"`
	MuteDuration   int        `json:"mute_duration"` // seconds
}

// DefaultChatConfig returns the settings a chat gets when its config is first created.
func DefaultChatConfig(chatID int64) ChatConfig {
	return ChatConfig{
		ChatID:         chatID,
		FilterObscene:  true,
		FilterLinks:    true,
		FilterKeywords: true,
		Action:         ActionDelete,
		MuteDuration:   DefaultMuteDuration,
	}
}

// MuteFor returns the configured mute duration.
func (c ChatConfig) MuteFor() time.Duration {
	return time.Duration(c.MuteDuration) * time.Second
}

// BannedWord is a chat-scoped lowercased word.
type BannedWord struct {
	ID     int64  `json:"id"`
	ChatID int64  `json:"chat_id"`
	Word   string `json:"word"`
}

// ViolationRecord is an immutable audit entry for one enforced violation.
type ViolationRecord struct {
	ID          int64         `json:"id"`
	ChatID      int64         `json:"chat_id"`
	UserID      int64         `json:"user_id"`
	Username    string        `json:"username,omitempty"`
	MessageText string        `json:"message_text"`
	Kind        ViolationKind `json:"violation_type"`
	Timestamp   time.Time     `json:"timestamp"`
	ActionTaken ActionType    `json:"action_taken"`
}

// MemberRole is a user's status inside a chat.
type MemberRole string

const (
	RoleCreator       MemberRole = "creator"
	RoleAdministrator MemberRole = "administrator"
	RoleMember        MemberRole = "member"
	RoleRestricted    MemberRole = "restricted"
	RoleLeft          MemberRole = "left"
	RoleKicked        MemberRole = "kicked"
)

// IsPrivileged reports whether the role is exempt from mute and ban.
func (r MemberRole) IsPrivileged() bool {
	return r == RoleCreator || r == RoleAdministrator
}

// ActionStatus classifies the outcome of a platform call.
type ActionStatus int

const (
	ActionOK ActionStatus = iota
	ActionPrivilegedTarget
	ActionNotFound
	ActionTransientError
)

func (s ActionStatus) String() string {
	switch s {
	case ActionOK:
		return "ok"
	case ActionPrivilegedTarget:
		return "privileged_target"
	case ActionNotFound:
		return "not_found"
	case ActionTransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// ActionResult is returned by every side-effecting platform call.
type ActionResult struct {
	Status ActionStatus
	Err    error
}

// OK reports whether the call succeeded.
func (r ActionResult) OK() bool {
	return r.Status == ActionOK
}

// Platform is the subset of the chat platform that enforcement needs.
type Platform interface {
	DeleteMessage(ctx context.Context, chatID int64, messageID int) ActionResult
	RestrictUser(ctx context.Context, chatID, userID int64, until time.Time) ActionResult
	BanUser(ctx context.Context, chatID, userID int64) ActionResult
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// ChatDirectory resolves chat metadata and member roles.
type ChatDirectory interface {
	ChatTitle(ctx context.Context, chatID int64) (string, error)
	MemberRole(ctx context.Context, chatID, userID int64) (MemberRole, error)
}

// Store is the persistence the moderation pipeline reads and writes.
type Store interface {
	GetChatConfig(ctx context.Context, chatID int64) (*ChatConfig, error)
	EnsureChatConfig(ctx context.Context, chatID int64) (*ChatConfig, error)
	SaveChatConfig(ctx context.Context, cfg ChatConfig) error
	ListChatConfigs(ctx context.Context) ([]ChatConfig, error)

	ListBannedWords(ctx context.Context, chatID int64) ([]BannedWord, error)
	AddBannedWord(ctx context.Context, chatID int64, word string) (bool, error)
	DeleteBannedWord(ctx context.Context, id int64) error
	DeleteBannedWordText(ctx context.Context, chatID int64, word string) (bool, error)

	GetWarnings(ctx context.Context, chatID, userID int64) (int, error)
	// CommitViolation appends the record and, when warnings is non-nil, stores the
	// new warning count in the same transaction.
	CommitViolation(ctx context.Context, rec ViolationRecord, warnings *int) (ViolationRecord, error)
	RecentViolations(ctx context.Context, chatID int64, limit int) ([]ViolationRecord, error)
}
