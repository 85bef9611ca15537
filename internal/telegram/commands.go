package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Commands dispatches bot commands to registered handlers
type Commands struct {
	bot      *Bot
	logger   zerolog.Logger
	handlers map[string]registeredCommand
	order    []string
}

type registeredCommand struct {
	description string
	fn          CommandFunc
}

// CommandFunc is a function that handles a command
type CommandFunc func(context.Context, CommandContext) error

// CommandContext contains command metadata
type CommandContext struct {
	UpdateID  int
	ChatID    int64
	ChatTitle string
	MessageID int
	Author
	Text      string
	Timestamp time.Time
	Command   string
	Args      []string
	RawArgs   string
	IsGroup   bool
	IsPrivate bool
	ReplyTo   *ReplyContext
}

// NewCommands creates a new command handler
func NewCommands(bot *Bot) *Commands {
	return &Commands{
		bot:      bot,
		logger:   bot.logger.With().Str("module", "commands").Logger(),
		handlers: make(map[string]registeredCommand),
	}
}

// ParseCommand builds a CommandContext. ok is false when the update is not a
// command or the command is addressed to another bot.
func ParseCommand(update tgbotapi.Update, botUsername string) (CommandContext, bool) {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return CommandContext{}, false
	}

	base, ok := ParseMessage(update)
	if !ok {
		return CommandContext{}, false
	}

	if withAt := msg.CommandWithAt(); strings.Contains(withAt, "@") {
		target := withAt[strings.Index(withAt, "@")+1:]
		if !strings.EqualFold(target, botUsername) {
			return CommandContext{}, false
		}
	}

	raw := strings.TrimSpace(msg.CommandArguments())
	return CommandContext{
		UpdateID:  base.UpdateID,
		ChatID:    base.ChatID,
		ChatTitle: base.ChatTitle,
		MessageID: base.MessageID,
		Author:    base.Author,
		Text:      base.Text,
		Timestamp: base.Timestamp,
		Command:   strings.ToLower(msg.Command()),
		Args:      strings.Fields(raw),
		RawArgs:   raw,
		IsGroup:   base.IsGroup,
		IsPrivate: base.IsPrivate,
		ReplyTo:   base.ReplyTo,
	}, true
}

// Message returns the command as a plain message
func (c CommandContext) Message() MessageContext {
	return MessageContext{
		UpdateID:  c.UpdateID,
		ChatID:    c.ChatID,
		ChatTitle: c.ChatTitle,
		MessageID: c.MessageID,
		Author:    c.Author,
		Text:      c.Text,
		Timestamp: c.Timestamp,
		IsGroup:   c.IsGroup,
		IsPrivate: c.IsPrivate,
		ReplyTo:   c.ReplyTo,
	}
}

// HandleCommand processes incoming commands. Commands addressed to another bot
// and unknown group commands return ErrNotHandled.
func (c *Commands) HandleCommand(ctx context.Context, update tgbotapi.Update) error {
	cmdCtx, ok := ParseCommand(update, c.bot.Username())
	if !ok {
		return ErrNotHandled
	}

	c.logger.Debug().
		Int64("chat_id", cmdCtx.ChatID).
		Int64("user_id", cmdCtx.UserID).
		Str("command", cmdCtx.Command).
		Strs("args", cmdCtx.Args).
		Msg("Command received")

	cmd, exists := c.handlers[cmdCtx.Command]
	if !exists {
		// Groups share commands between bots; only answer unknown commands in private.
		if cmdCtx.IsPrivate {
			return c.sendUnknownCommand(ctx, cmdCtx)
		}
		return ErrNotHandled
	}

	return cmd.fn(ctx, cmdCtx)
}

// Register registers a command handler. Commands with a description are
// published to Telegram by SetCommands.
func (c *Commands) Register(command, description string, handler CommandFunc) {
	command = strings.ToLower(strings.TrimPrefix(command, "/"))
	if _, exists := c.handlers[command]; !exists {
		c.order = append(c.order, command)
	}
	c.handlers[command] = registeredCommand{description: description, fn: handler}
	c.logger.Debug().Str("command", command).Msg("Command registered")
}

// BotCommands returns the described commands in registration order
func (c *Commands) BotCommands() []tgbotapi.BotCommand {
	commands := make([]tgbotapi.BotCommand, 0, len(c.order))
	for _, name := range c.order {
		cmd := c.handlers[name]
		if cmd.description == "" {
			continue
		}
		commands = append(commands, tgbotapi.BotCommand{
			Command:     name,
			Description: cmd.description,
		})
	}
	return commands
}

// SetCommands publishes the registered command list to Telegram
func (c *Commands) SetCommands() error {
	commands := c.BotCommands()
	cfg := tgbotapi.NewSetMyCommands(commands...)
	if _, err := c.bot.api.Request(cfg); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}

	c.logger.Info().Int("count", len(commands)).Msg("Bot commands updated")
	return nil
}

// sendUnknownCommand sends an unknown command response
func (c *Commands) sendUnknownCommand(ctx context.Context, cmdCtx CommandContext) error {
	text := fmt.Sprintf("Unknown command: /%s. Send /help for the list of commands.", cmdCtx.Command)
	return c.bot.SendMessageWithReply(ctx, cmdCtx.ChatID, text, cmdCtx.MessageID)
}
