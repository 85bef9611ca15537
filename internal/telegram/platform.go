package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/chatguard/internal/observability"
	"github.com/harun/chatguard/pkg/moderation"
)

var (
	_ moderation.Platform      = (*Bot)(nil)
	_ moderation.ChatDirectory = (*Bot)(nil)
)

// privilegedTargetErrors are descriptions about the target member. Errors
// about the bot's own rights ("need administrator rights") stay transient.
var privilegedTargetErrors = []string{
	"user is an administrator",
	"can't remove chat owner",
	"can't restrict self",
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// Classify maps a Bot API error onto an action result. Telegram reports a
// privileged target and a missing message only through the description text.
func Classify(err error) moderation.ActionResult {
	if err == nil {
		return moderation.ActionResult{Status: moderation.ActionOK}
	}

	description := ""
	var apiErr *tgbotapi.Error
	var apiErrValue tgbotapi.Error
	switch {
	case errors.As(err, &apiErr):
		description = apiErr.Message
	case errors.As(err, &apiErrValue):
		description = apiErrValue.Message
	}

	description = strings.ToLower(description)
	switch {
	case containsAny(description, privilegedTargetErrors):
		return moderation.ActionResult{Status: moderation.ActionPrivilegedTarget, Err: err}
	case strings.Contains(description, "not found"):
		return moderation.ActionResult{Status: moderation.ActionNotFound, Err: err}
	default:
		return moderation.ActionResult{Status: moderation.ActionTransientError, Err: err}
	}
}

func (b *Bot) result(operation string, chatID int64, err error) moderation.ActionResult {
	res := Classify(err)
	observability.RecordPlatformAction(operation, res.Status.String())
	if err != nil {
		b.logger.Debug().
			Err(err).
			Str("operation", operation).
			Int64("chat_id", chatID).
			Str("status", res.Status.String()).
			Msg("Platform call failed")
	}
	return res
}

// DeleteMessage removes a message from a chat
func (b *Bot) DeleteMessage(_ context.Context, chatID int64, messageID int) moderation.ActionResult {
	_, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return b.result("delete_message", chatID, err)
}

// RestrictUser revokes every send permission until the given time
func (b *Bot) RestrictUser(_ context.Context, chatID, userID int64, until time.Time) moderation.ActionResult {
	cfg := tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: chatID,
			UserID: userID,
		},
		UntilDate: until.Unix(),
		Permissions: &tgbotapi.ChatPermissions{
			CanSendMessages:       false,
			CanSendMediaMessages:  false,
			CanSendPolls:          false,
			CanSendOtherMessages:  false,
			CanAddWebPagePreviews: false,
		},
	}
	_, err := b.api.Request(cfg)
	return b.result("restrict_user", chatID, err)
}

// BanUser removes a user from the chat permanently
func (b *Bot) BanUser(_ context.Context, chatID, userID int64) moderation.ActionResult {
	cfg := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: chatID,
			UserID: userID,
		},
	}
	_, err := b.api.Request(cfg)
	return b.result("ban_user", chatID, err)
}

// SendMessage sends a text message
func (b *Bot) SendMessage(_ context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)

	if _, err := b.api.Send(msg); err != nil {
		observability.RecordPlatformAction("send_message", Classify(err).Status.String())
		return fmt.Errorf("failed to send message: %w", err)
	}
	observability.RecordPlatformAction("send_message", moderation.ActionOK.String())

	b.logger.Debug().
		Int64("chat_id", chatID).
		Msg("Message sent")

	return nil
}

// SendMessageWithReply sends a text message as a reply
func (b *Bot) SendMessageWithReply(_ context.Context, chatID int64, text string, replyToMessageID int) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyToMessageID

	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("reply_to", replyToMessageID).
		Msg("Reply sent")

	return nil
}

// ChatTitle returns the title of a group, or the name for a private chat
func (b *Bot) ChatTitle(_ context.Context, chatID int64) (string, error) {
	chat, err := b.api.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{
			ChatID: chatID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to get chat %d: %w", chatID, err)
	}

	if chat.Title != "" {
		return chat.Title, nil
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName), nil
}

// MemberRole returns the user's status in the chat
func (b *Bot) MemberRole(_ context.Context, chatID, userID int64) (moderation.MemberRole, error) {
	member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: chatID,
			UserID: userID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to get member %d of chat %d: %w", userID, chatID, err)
	}
	return moderation.MemberRole(member.Status), nil
}
