package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardRun(t *testing.T) {
	t.Run("re-prompts on invalid token", func(t *testing.T) {
		input := strings.Join([]string{
			"",
			"not-a-token",
			"123:abc",
			"redis",
			"cache:6379",
			"30",
			"debug",
		}, "\n") + "\n"
		out := &bytes.Buffer{}

		cfg, err := NewWizardWithIO(strings.NewReader(input), out).Run()
		require.NoError(t, err)

		assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
		assert.Equal(t, DialogBackendRedis, cfg.Dialog.Backend)
		assert.Equal(t, "cache:6379", cfg.Redis.Addr)
		assert.Equal(t, 30, cfg.Moderation.ManualMuteMinutes)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Contains(t, out.String(), "Bot token is required")
		assert.Contains(t, out.String(), "invalid Telegram bot token format")
	})

	t.Run("keeps defaults on blank or invalid answers", func(t *testing.T) {
		input := "123:abc\nzookeeper\n-3\nloud\n"
		cfg, err := NewWizardWithIO(strings.NewReader(input), &bytes.Buffer{}).Run()
		require.NoError(t, err)

		assert.Equal(t, DialogBackendMemory, cfg.Dialog.Backend)
		assert.Equal(t, 60, cfg.Moderation.ManualMuteMinutes)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("input ends early", func(t *testing.T) {
		_, err := NewWizardWithIO(strings.NewReader(""), &bytes.Buffer{}).Run()
		assert.Error(t, err)
	})
}
