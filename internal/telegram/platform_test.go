package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/chatguard/pkg/moderation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want moderation.ActionStatus
	}{
		{"nil", nil, moderation.ActionOK},
		{"administrator", &tgbotapi.Error{Code: 400, Message: "Bad Request: user is an administrator of the chat"}, moderation.ActionPrivilegedTarget},
		{"owner", &tgbotapi.Error{Code: 400, Message: "Bad Request: can't remove chat owner"}, moderation.ActionPrivilegedTarget},
		{"message missing", &tgbotapi.Error{Code: 400, Message: "Bad Request: message to delete not found"}, moderation.ActionNotFound},
		{"value error", tgbotapi.Error{Code: 400, Message: "Bad Request: user not found"}, moderation.ActionNotFound},
		{"rights", &tgbotapi.Error{Code: 400, Message: "Bad Request: not enough rights to restrict/unrestrict chat member"}, moderation.ActionTransientError},
		{"bot not admin", &tgbotapi.Error{Code: 400, Message: "Bad Request: need administrator rights in the channel chat"}, moderation.ActionTransientError},
		{"bot not owner", &tgbotapi.Error{Code: 400, Message: "Bad Request: not enough rights to manage chat owner settings"}, moderation.ActionTransientError},
		{"self", &tgbotapi.Error{Code: 400, Message: "Bad Request: can't restrict self"}, moderation.ActionPrivilegedTarget},
		{"network", errors.New("dial tcp: connection refused"), moderation.ActionTransientError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(tt.err)
			assert.Equal(t, tt.want, res.Status)
			if tt.err != nil {
				assert.Equal(t, tt.err, res.Err)
			}
		})
	}
}

func TestDeleteMessage(t *testing.T) {
	bot, api := createTestBot(t)

	res := bot.DeleteMessage(context.Background(), -100123, 77)
	assert.True(t, res.OK())

	calls := api.callsTo("deleteMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, "-100123", calls[0].Params.Get("chat_id"))
	assert.Equal(t, "77", calls[0].Params.Get("message_id"))

	api.fail("deleteMessage", 400, "Bad Request: message to delete not found")
	res = bot.DeleteMessage(context.Background(), -100123, 77)
	assert.Equal(t, moderation.ActionNotFound, res.Status)
}

func TestRestrictUser(t *testing.T) {
	bot, api := createTestBot(t)

	until := time.Unix(1700003600, 0)
	res := bot.RestrictUser(context.Background(), -100123, 555, until)
	assert.True(t, res.OK())

	calls := api.callsTo("restrictChatMember")
	require.Len(t, calls, 1)
	assert.Equal(t, "555", calls[0].Params.Get("user_id"))
	assert.Equal(t, "1700003600", calls[0].Params.Get("until_date"))
	assert.NotEmpty(t, calls[0].Params.Get("permissions"))

	api.fail("restrictChatMember", 400, "Bad Request: user is an administrator of the chat")
	res = bot.RestrictUser(context.Background(), -100123, 555, until)
	assert.Equal(t, moderation.ActionPrivilegedTarget, res.Status)
	assert.Error(t, res.Err)
}

func TestBanUser(t *testing.T) {
	bot, api := createTestBot(t)

	res := bot.BanUser(context.Background(), -100123, 555)
	assert.True(t, res.OK())
	require.Len(t, api.callsTo("banChatMember"), 1)

	api.fail("banChatMember", 400, "Bad Request: can't remove chat owner")
	res = bot.BanUser(context.Background(), -100123, 555)
	assert.Equal(t, moderation.ActionPrivilegedTarget, res.Status)
}

func TestSendMessage(t *testing.T) {
	bot, api := createTestBot(t)

	require.NoError(t, bot.SendMessage(context.Background(), 555, "Warning 1/3"))
	calls := api.callsTo("sendMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, "555", calls[0].Params.Get("chat_id"))
	assert.Equal(t, "Warning 1/3", calls[0].Params.Get("text"))

	require.NoError(t, bot.SendMessageWithReply(context.Background(), -100123, "done", 9))
	calls = api.callsTo("sendMessage")
	require.Len(t, calls, 2)
	assert.Equal(t, "9", calls[1].Params.Get("reply_to_message_id"))

	api.fail("sendMessage", 403, "Forbidden: bot can't initiate conversation with a user")
	err := bot.SendMessage(context.Background(), 555, "Warning 2/3")
	require.Error(t, err)
	var apiErr *tgbotapi.Error
	assert.True(t, errors.As(err, &apiErr))
}

func TestChatTitle(t *testing.T) {
	bot, api := createTestBot(t)

	api.respond("getChat", `{"ok":true,"result":{"id":-100123,"type":"supergroup","title":"Test Group"}}`)
	title, err := bot.ChatTitle(context.Background(), -100123)
	require.NoError(t, err)
	assert.Equal(t, "Test Group", title)

	api.respond("getChat", `{"ok":true,"result":{"id":555,"type":"private","first_name":"Ann","last_name":"Lee"}}`)
	title, err = bot.ChatTitle(context.Background(), 555)
	require.NoError(t, err)
	assert.Equal(t, "Ann Lee", title)

	api.fail("getChat", 400, "Bad Request: chat not found")
	_, err = bot.ChatTitle(context.Background(), 1)
	assert.Error(t, err)
}

func TestMemberRole(t *testing.T) {
	bot, api := createTestBot(t)

	api.respond("getChatMember", `{"ok":true,"result":{"user":{"id":555,"is_bot":false,"first_name":"Ann"},"status":"administrator"}}`)
	role, err := bot.MemberRole(context.Background(), -100123, 555)
	require.NoError(t, err)
	assert.Equal(t, moderation.RoleAdministrator, role)
	assert.True(t, role.IsPrivileged())

	calls := api.callsTo("getChatMember")
	require.Len(t, calls, 1)
	assert.Equal(t, "-100123", calls[0].Params.Get("chat_id"))
	assert.Equal(t, "555", calls[0].Params.Get("user_id"))

	api.respond("getChatMember", `{"ok":true,"result":{"user":{"id":556,"is_bot":false,"first_name":"Bob"},"status":"member"}}`)
	role, err = bot.MemberRole(context.Background(), -100123, 556)
	require.NoError(t, err)
	assert.False(t, role.IsPrivileged())

	api.fail("getChatMember", 400, "Bad Request: chat not found")
	_, err = bot.MemberRole(context.Background(), -1, 556)
	assert.Error(t, err)
}
