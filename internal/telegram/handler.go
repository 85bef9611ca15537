package telegram

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/chatguard/pkg/moderation"
	"github.com/rs/zerolog"
)

// Handler implements message handling for Telegram
type Handler struct {
	bot    *Bot
	logger zerolog.Logger

	// Callback for processing messages
	onMessage func(context.Context, MessageContext) error
}

// Author identifies the sender of a message
type Author struct {
	UserID    int64
	Username  string
	FirstName string
	IsBot     bool
}

// MessageContext contains message metadata
type MessageContext struct {
	UpdateID  int
	ChatID    int64
	ChatTitle string
	MessageID int
	Author
	Text      string
	Timestamp time.Time
	IsGroup   bool
	IsPrivate bool
	ReplyTo   *ReplyContext
}

// ReplyContext describes the message a message replies to
type ReplyContext struct {
	MessageID int
	Author
}

// NewHandler creates a new message handler
func NewHandler(bot *Bot) *Handler {
	return &Handler{
		bot:    bot,
		logger: bot.logger.With().Str("module", "handler").Logger(),
	}
}

// ParseMessage builds a MessageContext. ok is false for updates without a
// message or sender.
func ParseMessage(update tgbotapi.Update) (MessageContext, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return MessageContext{}, false
	}

	ctx := MessageContext{
		UpdateID:  update.UpdateID,
		ChatID:    msg.Chat.ID,
		ChatTitle: msg.Chat.Title,
		MessageID: msg.MessageID,
		Author:    authorOf(msg.From),
		Text:      ParseCaption(msg),
		Timestamp: time.Unix(int64(msg.Date), 0),
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
		IsPrivate: msg.Chat.IsPrivate(),
	}

	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil {
		ctx.ReplyTo = &ReplyContext{
			MessageID: reply.MessageID,
			Author:    authorOf(reply.From),
		}
	}

	return ctx, true
}

func authorOf(u *tgbotapi.User) Author {
	return Author{
		UserID:    u.ID,
		Username:  u.UserName,
		FirstName: u.FirstName,
		IsBot:     u.IsBot,
	}
}

// Moderation converts the message into the moderation pipeline's input
func (m MessageContext) Moderation() moderation.Message {
	return moderation.Message{
		ChatID:    m.ChatID,
		ChatTitle: m.ChatTitle,
		MessageID: m.MessageID,
		UserID:    m.UserID,
		Username:  m.Username,
		FirstName: m.FirstName,
		Text:      m.Text,
	}
}

// HandleMessage processes incoming messages
func (h *Handler) HandleMessage(ctx context.Context, update tgbotapi.Update) error {
	msgCtx, ok := ParseMessage(update)
	if !ok {
		return nil
	}

	h.logger.Debug().
		Int("update_id", msgCtx.UpdateID).
		Int64("chat_id", msgCtx.ChatID).
		Int64("user_id", msgCtx.UserID).
		Str("username", msgCtx.Username).
		Bool("is_group", msgCtx.IsGroup).
		Msg("Message received")

	if h.onMessage != nil {
		return h.onMessage(ctx, msgCtx)
	}

	return nil
}

// SetOnMessage sets the message callback
func (h *Handler) SetOnMessage(callback func(context.Context, MessageContext) error) {
	h.onMessage = callback
}

// ParseCaption returns the text of a message, or the caption for media
func ParseCaption(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}
