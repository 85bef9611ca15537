package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/chatguard/pkg/moderation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		DBPath: filepath.Join(t.TempDir(), "nested", "chatguard.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(Config{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestChatConfigLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetChatConfig(ctx, -100)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = s.EnsureChatConfig(ctx, -100)
	require.NoError(t, err)
	assert.Equal(t, moderation.DefaultChatConfig(-100), *cfg)

	cfg.Action = moderation.ActionWarn
	cfg.FilterLinks = false
	require.NoError(t, s.SaveChatConfig(ctx, *cfg))

	again, err := s.EnsureChatConfig(ctx, -100)
	require.NoError(t, err)
	assert.Equal(t, moderation.ActionWarn, again.Action)
	assert.False(t, again.FilterLinks)
	assert.True(t, again.FilterObscene)

	_, err = s.EnsureChatConfig(ctx, -200)
	require.NoError(t, err)

	all, err := s.ListChatConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(-200), all[0].ChatID)
	assert.Equal(t, int64(-100), all[1].ChatID)
}

func TestSaveChatConfigRejectsInvalid(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	cfg := moderation.DefaultChatConfig(1)
	cfg.MuteDuration = 0
	assert.Error(t, s.SaveChatConfig(ctx, cfg))

	cfg = moderation.DefaultChatConfig(1)
	cfg.Action = "kick"
	assert.Error(t, s.SaveChatConfig(ctx, cfg))

	got, err := s.GetChatConfig(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMuteDurationRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, minutes := range []int{1, 60, 10080} {
		cfg, err := s.EnsureChatConfig(ctx, 7)
		require.NoError(t, err)
		cfg.MuteDuration = minutes * 60
		require.NoError(t, s.SaveChatConfig(ctx, *cfg))

		got, err := s.GetChatConfig(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, minutes*60, got.MuteDuration)
	}
}

func TestBannedWords(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	added, err := s.AddBannedWord(ctx, 1, "  Spam ")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AddBannedWord(ctx, 1, "spam")
	require.NoError(t, err)
	assert.False(t, added)

	added, err = s.AddBannedWord(ctx, 2, "spam")
	require.NoError(t, err)
	assert.True(t, added)

	_, err = s.AddBannedWord(ctx, 1, "   ")
	assert.Error(t, err)

	_, err = s.AddBannedWord(ctx, 1, "casino")
	require.NoError(t, err)

	words, err := s.ListBannedWords(ctx, 1)
	require.NoError(t, err)
	require.Len(t, words, 2)
	assert.Equal(t, "spam", words[0].Word)
	assert.Equal(t, "casino", words[1].Word)

	removed, err := s.DeleteBannedWordText(ctx, 1, "SPAM")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.DeleteBannedWordText(ctx, 1, "spam")
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, s.DeleteBannedWord(ctx, words[1].ID))
	assert.ErrorIs(t, s.DeleteBannedWord(ctx, words[1].ID), ErrNotFound)

	words, err = s.ListBannedWords(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, words)

	words, err = s.ListBannedWords(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, words, 1)
}

func TestCommitViolationWithWarnings(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	count, err := s.GetWarnings(ctx, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	two := 2
	rec, err := s.CommitViolation(ctx, moderation.ViolationRecord{
		ChatID:      1,
		UserID:      42,
		MessageText: "бля",
		Kind:        moderation.ViolationObscene,
		ActionTaken: moderation.ActionWarn,
	}, &two)
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())

	count, err = s.GetWarnings(ctx, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	zero := 0
	_, err = s.CommitViolation(ctx, moderation.ViolationRecord{
		ChatID: 1, UserID: 42, MessageText: "x", Kind: moderation.ViolationObscene, ActionTaken: moderation.ActionWarn,
	}, &zero)
	require.NoError(t, err)

	count, err = s.GetWarnings(ctx, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = s.CommitViolation(ctx, moderation.ViolationRecord{
		ChatID: 1, UserID: 43, MessageText: "y", Kind: moderation.ViolationLink, ActionTaken: moderation.ActionDelete,
	}, nil)
	require.NoError(t, err)

	count, err = s.GetWarnings(ctx, 1, 43)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRecentViolationsNewestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 12; i++ {
		_, err := s.CommitViolation(ctx, moderation.ViolationRecord{
			ChatID:      1,
			UserID:      int64(i),
			Username:    fmt.Sprintf("user%d", i),
			MessageText: fmt.Sprintf("message %d", i),
			Kind:        moderation.ViolationKeyword,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			ActionTaken: moderation.ActionDelete,
		}, nil)
		require.NoError(t, err)
	}
	_, err := s.CommitViolation(ctx, moderation.ViolationRecord{
		ChatID: 2, UserID: 1, MessageText: "other chat", Kind: moderation.ViolationLink, ActionTaken: moderation.ActionBan,
	}, nil)
	require.NoError(t, err)

	recs, err := s.RecentViolations(ctx, 1, moderation.RecentViolationsLimit)
	require.NoError(t, err)
	require.Len(t, recs, 10)
	assert.Equal(t, "message 11", recs[0].MessageText)
	assert.Equal(t, "message 2", recs[9].MessageText)
	assert.Equal(t, base.Add(11*time.Minute), recs[0].Timestamp)
	assert.Equal(t, "user11", recs[0].Username)

	recs, err = s.RecentViolations(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Username)
	assert.Equal(t, moderation.ActionBan, recs[0].ActionTaken)
}

func TestConcurrentCommits(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n := i
			_, err := s.CommitViolation(ctx, moderation.ViolationRecord{
				ChatID: 1, UserID: int64(i), MessageText: "x", Kind: moderation.ViolationLink, ActionTaken: moderation.ActionWarn,
			}, &n)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	recs, err := s.RecentViolations(ctx, 1, 100)
	require.NoError(t, err)
	assert.Len(t, recs, 10)
}
