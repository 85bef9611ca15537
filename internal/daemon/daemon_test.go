package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/harun/chatguard/internal/config"
	"github.com/harun/chatguard/internal/logger"
	"github.com/harun/chatguard/pkg/moderation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChatID  int64 = -100123
	testAdminID int64 = 1001
	testUserID  int64 = 2002
)

type sentMessage struct {
	ChatID  int64
	Text    string
	ReplyTo int
}

// fakePlatform records every platform call. Users are members unless listed in roles.
type fakePlatform struct {
	mu sync.Mutex

	roles          map[int64]moderation.MemberRole
	titles         map[int64]string
	restrictStatus moderation.ActionStatus
	blockPrivate   bool

	sent       []sentMessage
	deleted    []int
	restricted []int64
	banned     []int64
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		roles:  map[int64]moderation.MemberRole{testAdminID: moderation.RoleAdministrator},
		titles: map[int64]string{testChatID: "Test Group"},
	}
}

func (f *fakePlatform) DeleteMessage(_ context.Context, _ int64, messageID int) moderation.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return moderation.ActionResult{Status: moderation.ActionOK}
}

func (f *fakePlatform) RestrictUser(_ context.Context, _, userID int64, _ time.Time) moderation.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roles[userID].IsPrivileged() {
		return moderation.ActionResult{Status: moderation.ActionPrivilegedTarget, Err: errors.New("can't restrict self or administrator")}
	}
	if f.restrictStatus != moderation.ActionOK {
		return moderation.ActionResult{Status: f.restrictStatus, Err: errors.New("restrict failed")}
	}
	f.restricted = append(f.restricted, userID)
	return moderation.ActionResult{Status: moderation.ActionOK}
}

func (f *fakePlatform) BanUser(_ context.Context, _, userID int64) moderation.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roles[userID].IsPrivileged() {
		return moderation.ActionResult{Status: moderation.ActionPrivilegedTarget, Err: errors.New("can't remove chat owner")}
	}
	f.banned = append(f.banned, userID)
	return moderation.ActionResult{Status: moderation.ActionOK}
}

func (f *fakePlatform) SendMessage(_ context.Context, chatID int64, text string) error {
	return f.SendMessageWithReply(context.Background(), chatID, text, 0)
}

func (f *fakePlatform) SendMessageWithReply(_ context.Context, chatID int64, text string, replyTo int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockPrivate && chatID > 0 {
		return errors.New("Forbidden: bot can't initiate conversation with a user")
	}
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text, ReplyTo: replyTo})
	return nil
}

func (f *fakePlatform) ChatTitle(_ context.Context, chatID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	title, ok := f.titles[chatID]
	if !ok {
		return "", errors.New("Bad Request: chat not found")
	}
	return title, nil
}

func (f *fakePlatform) MemberRole(_ context.Context, _, userID int64) (moderation.MemberRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if role, ok := f.roles[userID]; ok {
		return role, nil
	}
	return moderation.RoleMember, nil
}

// messages returns the texts sent to chatID
func (f *fakePlatform) messages(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakePlatform) last(t *testing.T, chatID int64) string {
	t.Helper()
	msgs := f.messages(chatID)
	require.NotEmpty(t, msgs, "no message sent to %d", chatID)
	return msgs[len(msgs)-1]
}

func (f *fakePlatform) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Telegram.BotToken = "123456:test-token"
	return cfg
}

// createTestDaemon creates a daemon driving a fake platform instead of Telegram
func createTestDaemon(t *testing.T) (*Daemon, *fakePlatform) {
	t.Helper()
	return createTestDaemonWithConfig(t, testConfig(t))
}

func createTestDaemonWithConfig(t *testing.T, cfg *config.Config) (*Daemon, *fakePlatform) {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)

	platform := newFakePlatform()
	d, err := New(cfg, log, WithPlatform(platform))
	require.NoError(t, err)

	t.Cleanup(func() {
		if d.Status().Running {
			_ = d.Stop()
			return
		}
		_ = d.queue.Close()
		d.closeBackends()
	})
	return d, platform
}

// drain waits until every dispatched task has finished
func drain(t *testing.T, d *Daemon) {
	t.Helper()
	require.True(t, d.queue.WaitForActive(5*time.Second))
}

func TestNew(t *testing.T) {
	d, platform := createTestDaemon(t)

	assert.NotNil(t, d.queue)
	assert.NotNil(t, d.store)
	assert.NotNil(t, d.moderation)
	assert.NotNil(t, d.dialog)
	assert.NotNil(t, d.sessions)
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.router)
	assert.NotNil(t, d.lifecycle)
	assert.Equal(t, Platform(platform), d.platform)
	assert.Nil(t, d.telegramBot)
	assert.Nil(t, d.sweeper, "idle expiry is off by default")
	assert.Nil(t, d.metricsServer)
}

func TestNewWithIdleTimeoutCreatesSweeper(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dialog.IdleTimeoutSeconds = 600

	d, _ := createTestDaemonWithConfig(t, cfg)
	assert.NotNil(t, d.sweeper)
}

func TestNewRejectsBadSweepSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dialog.IdleTimeoutSeconds = 600
	cfg.Dialog.SweepSchedule = "not a schedule"

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)

	_, err = New(cfg, log, WithPlatform(newFakePlatform()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweeper")
}

func TestNewUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dialog.Backend = config.DialogBackendRedis
	cfg.Redis.Addr = "127.0.0.1:1"

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)

	_, err = New(cfg, log, WithPlatform(newFakePlatform()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dialog backend")
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := createTestDaemon(t)

	require.NoError(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.False(t, status.StartTime.IsZero())

	_, err := os.Stat(PIDFilePath(d.config.DataDir))
	assert.NoError(t, err)

	err = d.Start()
	assert.Error(t, err, "second start must fail")

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)

	_, err = os.Stat(PIDFilePath(d.config.DataDir))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, d.Stop(), "stop on a stopped daemon must fail")
}

func TestStopWithoutStart(t *testing.T) {
	d, _ := createTestDaemon(t)
	assert.Error(t, d.Stop())
}

func TestMetricsServerConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 0

	d, _ := createTestDaemonWithConfig(t, cfg)
	require.NotNil(t, d.metricsServer)
	assert.Equal(t, "127.0.0.1:0", d.metricsServer.Addr)
}

func TestHealthEndpoint(t *testing.T) {
	d, _ := createTestDaemon(t)

	rec := httptest.NewRecorder()
	d.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
