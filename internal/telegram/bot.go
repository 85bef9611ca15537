package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/chatguard/internal/config"
	"github.com/harun/chatguard/internal/logger"
	"github.com/rs/zerolog"
)

// ErrNotHandled is returned by a CommandHandler that leaves the update to the
// message handler.
var ErrNotHandled = errors.New("update not handled")

// Bot represents a Telegram bot instance
type Bot struct {
	api    *tgbotapi.BotAPI
	config *config.TelegramConfig
	logger zerolog.Logger

	// Handlers
	messageHandler MessageHandler
	commandHandler CommandHandler

	// State
	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// MessageHandler handles incoming messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, update tgbotapi.Update) error
}

// CommandHandler handles bot commands
type CommandHandler interface {
	HandleCommand(ctx context.Context, update tgbotapi.Update) error
}

// New creates a new Telegram bot instance and authenticates against the Bot API
func New(cfg *config.TelegramConfig, log *logger.Logger) (*Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram config is required")
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	return NewWithAPI(api, cfg, log.GetZerolog()), nil
}

// NewWithAPI wraps an authenticated API client
func NewWithAPI(api *tgbotapi.BotAPI, cfg *config.TelegramConfig, base zerolog.Logger) *Bot {
	if cfg == nil {
		cfg = &config.TelegramConfig{}
	}
	bot := &Bot{
		api:    api,
		config: cfg,
		logger: base.With().Str("component", "telegram").Logger(),
	}

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot
}

// Start begins long polling. Updates are handled until ctx is cancelled or Stop is called.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bot is already running")
	}

	b.logger.Info().Msg("Starting Telegram bot")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.config.PollTimeout
	if u.Timeout <= 0 {
		u.Timeout = 60
	}
	u.AllowedUpdates = []string{"message"}

	updates := b.api.GetUpdatesChan(u)
	b.running = true
	b.done = make(chan struct{})

	go b.processUpdates(ctx, updates, b.done)

	b.logger.Info().Msg("Telegram bot started")

	return nil
}

// Stop stops long polling and waits for the update loop to return
func (b *Bot) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return fmt.Errorf("bot is not running")
	}
	b.running = false
	done := b.done
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping Telegram bot")

	b.api.StopReceivingUpdates()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn().Msg("Update loop did not stop in time")
	}

	b.logger.Info().Msg("Telegram bot stopped")

	return nil
}

// processUpdates drains the update channel
func (b *Bot) processUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := b.handleUpdate(ctx, update); err != nil {
				b.logger.Error().
					Err(err).
					Int("update_id", update.UpdateID).
					Msg("Failed to handle update")
			}
		}
	}
}

// handleUpdate routes an update to the appropriate handler
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil || update.Message.From == nil {
		return nil
	}

	if update.Message.IsCommand() && b.commandHandler != nil {
		err := b.commandHandler.HandleCommand(ctx, update)
		if !errors.Is(err, ErrNotHandled) {
			return err
		}
	}

	if b.messageHandler != nil {
		return b.messageHandler.HandleMessage(ctx, update)
	}

	return nil
}

// SetMessageHandler sets the message handler
func (b *Bot) SetMessageHandler(handler MessageHandler) {
	b.messageHandler = handler
}

// SetCommandHandler sets the command handler
func (b *Bot) SetCommandHandler(handler CommandHandler) {
	b.commandHandler = handler
}

// Username returns the bot's username without the leading @
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// ID returns the bot's user id
func (b *Bot) ID() int64 {
	return b.api.Self.ID
}

// IsRunning returns whether the bot is running
func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}
