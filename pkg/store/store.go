// Package store persists chat settings, banned words, warning counters and
// violation records in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/chatguard/internal/tracing"
	"github.com/harun/chatguard/pkg/moderation"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// Config holds store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Store is a SQLite implementation of moderation.Store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ moderation.Store = (*Store)(nil)

// New opens (creating if needed) the database at cfg.DBPath.
func New(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger.With().Str("component", "store").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Debug().Str("path", cfg.DBPath).Msg("Store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chat_settings (
			chat_id INTEGER PRIMARY KEY,
			filter_obscene INTEGER NOT NULL DEFAULT 1,
			filter_links INTEGER NOT NULL DEFAULT 1,
			filter_keywords INTEGER NOT NULL DEFAULT 1,
			action_type TEXT NOT NULL DEFAULT 'delete',
			mute_duration INTEGER NOT NULL DEFAULT 3600
		);

		CREATE TABLE IF NOT EXISTS banned_words (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			word TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_banned_words_chat ON banned_words(chat_id);

		CREATE TABLE IF NOT EXISTS user_warnings (
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			warnings_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (chat_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS violations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			username TEXT,
			message_text TEXT NOT NULL,
			violation_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			action_taken TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_violations_chat_time ON violations(chat_id, timestamp DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const chatColumns = "chat_id, filter_obscene, filter_links, filter_keywords, action_type, mute_duration"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChatConfig(row rowScanner) (moderation.ChatConfig, error) {
	var (
		cfg    moderation.ChatConfig
		action string
	)
	err := row.Scan(&cfg.ChatID, &cfg.FilterObscene, &cfg.FilterLinks, &cfg.FilterKeywords, &action, &cfg.MuteDuration)
	cfg.Action = moderation.ActionType(action)
	return cfg, err
}

// GetChatConfig returns the chat's settings, or nil when the chat has none.
func (s *Store) GetChatConfig(ctx context.Context, chatID int64) (*moderation.ChatConfig, error) {
	cfg, err := scanChatConfig(s.db.QueryRowContext(ctx,
		"SELECT "+chatColumns+" FROM chat_settings WHERE chat_id = ?", chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chat settings: %w", err)
	}
	return &cfg, nil
}

// EnsureChatConfig returns the chat's settings, creating the default row first if needed.
func (s *Store) EnsureChatConfig(ctx context.Context, chatID int64) (*moderation.ChatConfig, error) {
	def := moderation.DefaultChatConfig(chatID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_settings (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO NOTHING`,
		def.ChatID, def.FilterObscene, def.FilterLinks, def.FilterKeywords, string(def.Action), def.MuteDuration)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat settings: %w", err)
	}

	cfg, err := s.GetChatConfig(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrNotFound
	}
	return cfg, nil
}

// SaveChatConfig inserts or replaces the chat's settings.
func (s *Store) SaveChatConfig(ctx context.Context, cfg moderation.ChatConfig) error {
	if cfg.MuteDuration <= 0 {
		return fmt.Errorf("mute duration must be positive, got %d", cfg.MuteDuration)
	}
	if _, err := moderation.ParseActionType(string(cfg.Action)); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_settings (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			filter_obscene = excluded.filter_obscene,
			filter_links = excluded.filter_links,
			filter_keywords = excluded.filter_keywords,
			action_type = excluded.action_type,
			mute_duration = excluded.mute_duration`,
		cfg.ChatID, cfg.FilterObscene, cfg.FilterLinks, cfg.FilterKeywords, string(cfg.Action), cfg.MuteDuration)
	if err != nil {
		return fmt.Errorf("failed to save chat settings: %w", err)
	}
	return nil
}

// ListChatConfigs returns every configured chat ordered by id.
func (s *Store) ListChatConfigs(ctx context.Context) ([]moderation.ChatConfig, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+chatColumns+" FROM chat_settings ORDER BY chat_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list chat settings: %w", err)
	}
	defer rows.Close()

	var out []moderation.ChatConfig
	for rows.Next() {
		cfg, err := scanChatConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat settings: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// NormalizeWord is the stored form of a banned word.
func NormalizeWord(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}

// ListBannedWords returns the chat's banned words in insertion order.
func (s *Store) ListBannedWords(ctx context.Context, chatID int64) ([]moderation.BannedWord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chat_id, word FROM banned_words WHERE chat_id = ? ORDER BY id", chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list banned words: %w", err)
	}
	defer rows.Close()

	var out []moderation.BannedWord
	for rows.Next() {
		var w moderation.BannedWord
		if err := rows.Scan(&w.ID, &w.ChatID, &w.Word); err != nil {
			return nil, fmt.Errorf("failed to scan banned word: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// AddBannedWord stores the lowercased word for the chat. It reports false without
// writing when the chat already has that word.
func (s *Store) AddBannedWord(ctx context.Context, chatID int64, word string) (bool, error) {
	word = NormalizeWord(word)
	if word == "" {
		return false, errors.New("word is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM banned_words WHERE chat_id = ? AND word = ?", chatID, word).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check banned word: %w", err)
	}
	if exists > 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO banned_words (chat_id, word) VALUES (?, ?)", chatID, word); err != nil {
		return false, fmt.Errorf("failed to insert banned word: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// DeleteBannedWord removes a banned word by id.
func (s *Store) DeleteBannedWord(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM banned_words WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete banned word: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete banned word: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBannedWordText removes the chat's word, reporting whether it existed.
func (s *Store) DeleteBannedWordText(ctx context.Context, chatID int64, word string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM banned_words WHERE chat_id = ? AND word = ?", chatID, NormalizeWord(word))
	if err != nil {
		return false, fmt.Errorf("failed to delete banned word: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete banned word: %w", err)
	}
	return n > 0, nil
}

// GetWarnings returns the user's warning count in the chat, zero if none.
func (s *Store) GetWarnings(ctx context.Context, chatID, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT warnings_count FROM user_warnings WHERE chat_id = ? AND user_id = ?", chatID, userID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query warnings: %w", err)
	}
	return count, nil
}

// CommitViolation appends rec and, when warnings is non-nil, writes the user's new
// warning count in the same transaction. The returned record carries its id.
func (s *Store) CommitViolation(ctx context.Context, rec moderation.ViolationRecord, warnings *int) (moderation.ViolationRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "store", "store.commit_violation",
		attribute.String("violation", string(rec.Kind)),
		attribute.Bool("updates_counter", warnings != nil),
	)
	defer span.End()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		tracing.FailSpan(span, err)
		return rec, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var username interface{}
	if rec.Username != "" {
		username = rec.Username
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO violations (chat_id, user_id, username, message_text, violation_type, timestamp, action_taken)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ChatID, rec.UserID, username, rec.MessageText, string(rec.Kind), rec.Timestamp.UnixMilli(), string(rec.ActionTaken))
	if err != nil {
		tracing.FailSpan(span, err)
		return rec, fmt.Errorf("failed to insert violation: %w", err)
	}

	if warnings != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_warnings (chat_id, user_id, warnings_count)
			VALUES (?, ?, ?)
			ON CONFLICT(chat_id, user_id) DO UPDATE SET warnings_count = excluded.warnings_count`,
			rec.ChatID, rec.UserID, *warnings)
		if err != nil {
			tracing.FailSpan(span, err)
			return rec, fmt.Errorf("failed to update warnings: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		tracing.FailSpan(span, err)
		return rec, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		rec.ID = id
	}

	s.logger.Debug().
		Int64("chat_id", rec.ChatID).
		Int64("user_id", rec.UserID).
		Int64("violation_id", rec.ID).
		Msg("Violation recorded")
	return rec, nil
}

// RecentViolations returns up to limit records for the chat, newest first.
func (s *Store) RecentViolations(ctx context.Context, chatID int64, limit int) ([]moderation.ViolationRecord, error) {
	if limit <= 0 {
		limit = moderation.RecentViolationsLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, user_id, username, message_text, violation_type, timestamp, action_taken
		FROM violations
		WHERE chat_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var out []moderation.ViolationRecord
	for rows.Next() {
		var (
			rec      moderation.ViolationRecord
			username sql.NullString
			kind     string
			ts       int64
			action   string
		)
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.UserID, &username, &rec.MessageText, &kind, &ts, &action); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		rec.Username = username.String
		rec.Kind = moderation.ViolationKind(kind)
		rec.ActionTaken = moderation.ActionType(action)
		rec.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
