package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/chatguard/internal/observability"
	"github.com/harun/chatguard/internal/telegram"
	"github.com/harun/chatguard/internal/tracing"
	"github.com/harun/chatguard/pkg/commandqueue"
	"github.com/harun/chatguard/pkg/moderation"
	"github.com/harun/chatguard/pkg/store"
)

const (
	msgGroupOnly    = "This command works only in groups."
	msgPrivateOnly  = "This command works only in a private chat with me."
	msgAdminOnly    = "Only chat administrators can use this command."
	msgRoleUnknown  = "Could not verify your permissions. Please try again later."
	msgHelpSent     = "I sent you the list of commands in a private message."
	msgHelpBlocked  = "I could not message you. Start a private chat with me and send /help there."
	msgNoTarget     = "Reply to a message of the user or pass their numeric id."
	msgMuteMinutes  = "Mute duration must be a number of minutes from 1 to 10080."
	msgNoViolations = "No violations recorded in this chat."

	snippetLength    = 50
	maxManualMuteMin = 10080
)

const startPrivateText = "Hi! I keep group chats clean.\n\n" +
	"Add me to a group and make me an administrator, then run /settings there. " +
	"After that you can change the chat's settings here with /config.\n\n" +
	"Send /help for the list of commands."

const startGroupText = "I am watching this chat. Administrators can run /settings to see the current rules."

const helpText = "Commands:\n\n" +
	"/start - start the bot\n" +
	"/help - show this message\n" +
	"/config - configure your chats (private chat)\n" +
	"/cancel - cancel the configuration dialog\n\n" +
	"Administrator commands (groups):\n" +
	"/settings - show the chat's settings\n" +
	"/addword <word> - add a banned word\n" +
	"/delword <word> - remove a banned word\n" +
	"/listwords - list banned words\n" +
	"/setaction <delete|warn|mute|ban> - set the action on violation\n" +
	"/mute <user> [minutes] - mute a user\n" +
	"/ban <user> - ban a user\n" +
	"/violations - show the last violations\n\n" +
	"A user is either the author of the replied message or a numeric user id."

type commandScope int

const (
	scopeAny commandScope = iota
	scopePrivate
	scopeGroup
)

type command struct {
	name        string
	description string
	scope       commandScope
	adminOnly   bool
	fn          telegram.CommandFunc
}

func (r *Router) addCommand(c command) {
	r.index[c.name] = len(r.commands)
	r.commands = append(r.commands, c)
}

func (r *Router) registerBuiltins() {
	r.addCommand(command{name: "start", description: "Start the bot", fn: r.cmdStart})
	r.addCommand(command{name: "help", description: "List commands", fn: r.cmdHelp})
	r.addCommand(command{name: "config", description: "Configure your chats", scope: scopePrivate, fn: r.cmdConfig})
	r.addCommand(command{name: "cancel", description: "Cancel the configuration dialog", scope: scopePrivate, fn: r.cmdCancel})
	r.addCommand(command{name: "settings", description: "Show chat settings", scope: scopeGroup, adminOnly: true, fn: r.cmdSettings})
	r.addCommand(command{name: "addword", description: "Add a banned word", scope: scopeGroup, adminOnly: true, fn: r.cmdAddWord})
	r.addCommand(command{name: "delword", description: "Remove a banned word", scope: scopeGroup, adminOnly: true, fn: r.cmdDelWord})
	r.addCommand(command{name: "listwords", description: "List banned words", scope: scopeGroup, adminOnly: true, fn: r.cmdListWords})
	r.addCommand(command{name: "setaction", description: "Set the action on violation", scope: scopeGroup, adminOnly: true, fn: r.cmdSetAction})
	r.addCommand(command{name: "mute", description: "Mute a user", scope: scopeGroup, adminOnly: true, fn: r.cmdMute})
	r.addCommand(command{name: "ban", description: "Ban a user", scope: scopeGroup, adminOnly: true, fn: r.cmdBan})
	r.addCommand(command{name: "violations", description: "Show recent violations", scope: scopeGroup, adminOnly: true, fn: r.cmdViolations})
}

// guard enforces chat type and privilege before running the command
func (r *Router) guard(c command) telegram.CommandFunc {
	return func(ctx context.Context, cc telegram.CommandContext) error {
		ctx = tracing.NewUpdateContext(ctx, cc.UpdateID, cc.ChatID, cc.UserID)
		logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("command", c.name).Logger()

		// A refused group command is left to the moderation pipeline.
		refuse := func(text string) error {
			if err := r.reply(ctx, cc, text); err != nil {
				logger.Warn().Err(err).Msg("Failed to send refusal")
			}
			if cc.IsGroup {
				return telegram.ErrNotHandled
			}
			return nil
		}

		switch c.scope {
		case scopePrivate:
			if !cc.IsPrivate {
				return refuse(msgPrivateOnly)
			}
		case scopeGroup:
			if !cc.IsGroup {
				return refuse(msgGroupOnly)
			}
		}

		if c.adminOnly {
			role, err := r.daemon.platform.MemberRole(ctx, cc.ChatID, cc.UserID)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to resolve member role")
				return refuse(msgRoleUnknown)
			}
			if !role.IsPrivileged() {
				observability.RecordAdminAudit(ctx, c.name, actorOf(cc), "denied", map[string]interface{}{
					"chat_id": cc.ChatID,
				})
				return refuse(msgAdminOnly)
			}
		}

		logger.Debug().Msg("Running command")
		return c.fn(ctx, cc)
	}
}

func actorOf(cc telegram.CommandContext) string {
	return strconv.FormatInt(cc.UserID, 10)
}

func (r *Router) cmdStart(ctx context.Context, cc telegram.CommandContext) error {
	if cc.IsPrivate {
		return r.reply(ctx, cc, startPrivateText)
	}
	return r.reply(ctx, cc, startGroupText)
}

func (r *Router) cmdHelp(ctx context.Context, cc telegram.CommandContext) error {
	if cc.IsPrivate {
		return r.reply(ctx, cc, helpText)
	}

	// Keep group chats quiet: help goes to the requester privately
	if err := r.daemon.platform.SendMessage(ctx, cc.UserID, helpText); err != nil {
		r.logger.Debug().Err(err).Int64("user_id", cc.UserID).Msg("Private help undeliverable")
		return r.reply(ctx, cc, msgHelpBlocked)
	}
	return r.reply(ctx, cc, msgHelpSent)
}

func (r *Router) cmdConfig(ctx context.Context, cc telegram.CommandContext) error {
	return r.dispatchDialog(ctx, cc.UpdateID, cc.UserID, cc.ChatID, func(taskCtx context.Context) ([]string, error) {
		return r.daemon.dialog.StartConfig(taskCtx, cc.UserID)
	})
}

// cmdCancel drops dialog input still waiting on the user's lane and ends the
// session once the running step, if any, has finished.
func (r *Router) cmdCancel(ctx context.Context, cc telegram.CommandContext) error {
	lane := commandqueue.DialogLane(cc.UserID)
	if dropped := r.daemon.queue.ResetLane(lane); dropped > 0 {
		r.logger.Debug().Int64("user_id", cc.UserID).Int("dropped", dropped).Msg("Dropped queued dialog input")
	}

	task := r.dialogTask(cc.UpdateID, cc.UserID, cc.ChatID, func(taskCtx context.Context) ([]string, error) {
		return r.daemon.dialog.Cancel(taskCtx, cc.UserID)
	})
	_, err := r.daemon.queue.EnqueueWithContext(tracing.Detach(ctx), lane, task,
		&commandqueue.TaskOptions{RequestID: requestID(cc.UpdateID), WarnAfterMs: slowLaneWarnMs})
	if err != nil && !errors.Is(err, commandqueue.ErrDuplicate) {
		return fmt.Errorf("failed to cancel dialog: %w", err)
	}
	return nil
}

func onOff(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

func renderSettings(title string, cfg moderation.ChatConfig) string {
	if title == "" {
		title = strconv.FormatInt(cfg.ChatID, 10)
	}
	return fmt.Sprintf("Settings for %s:\n\n"+
		"Profanity filter: %s\n"+
		"Link filter: %s\n"+
		"Keyword filter: %s\n"+
		"Action on violation: %s\n"+
		"Mute duration: %d minutes\n\n"+
		"Use /config in a private chat with me to change them.",
		title,
		onOff(cfg.FilterObscene),
		onOff(cfg.FilterLinks),
		onOff(cfg.FilterKeywords),
		cfg.Action,
		cfg.MuteDuration/60,
	)
}

func (r *Router) cmdSettings(ctx context.Context, cc telegram.CommandContext) error {
	cfg, err := r.daemon.store.EnsureChatConfig(ctx, cc.ChatID)
	if err != nil {
		observability.RecordStoreError("ensure_chat_config")
		_ = r.reply(ctx, cc, msgInternalError)
		return err
	}
	return r.reply(ctx, cc, renderSettings(cc.ChatTitle, *cfg))
}

func (r *Router) cmdAddWord(ctx context.Context, cc telegram.CommandContext) error {
	word := store.NormalizeWord(cc.RawArgs)
	if word == "" {
		return r.reply(ctx, cc, "Usage: /addword <word>")
	}

	added, err := r.daemon.store.AddBannedWord(ctx, cc.ChatID, word)
	if err != nil {
		observability.RecordStoreError("add_banned_word")
		_ = r.reply(ctx, cc, msgInternalError)
		return err
	}
	if !added {
		return r.reply(ctx, cc, fmt.Sprintf("Word '%s' already exists in the banned list.", word))
	}

	observability.RecordAdminAudit(ctx, "add_word", actorOf(cc), "success", map[string]interface{}{
		"chat_id": cc.ChatID,
		"word":    word,
	})
	return r.reply(ctx, cc, fmt.Sprintf("Word '%s' added to the banned list.", word))
}

func (r *Router) cmdDelWord(ctx context.Context, cc telegram.CommandContext) error {
	word := store.NormalizeWord(cc.RawArgs)
	if word == "" {
		return r.reply(ctx, cc, "Usage: /delword <word>")
	}

	removed, err := r.daemon.store.DeleteBannedWordText(ctx, cc.ChatID, word)
	if err != nil {
		observability.RecordStoreError("delete_banned_word")
		_ = r.reply(ctx, cc, msgInternalError)
		return err
	}
	if !removed {
		return r.reply(ctx, cc, fmt.Sprintf("Word '%s' is not in the banned list.", word))
	}

	observability.RecordAdminAudit(ctx, "delete_word", actorOf(cc), "success", map[string]interface{}{
		"chat_id": cc.ChatID,
		"word":    word,
	})
	return r.reply(ctx, cc, fmt.Sprintf("Word '%s' removed from the banned list.", word))
}

func (r *Router) cmdListWords(ctx context.Context, cc telegram.CommandContext) error {
	words, err := r.daemon.store.ListBannedWords(ctx, cc.ChatID)
	if err != nil {
		observability.RecordStoreError("list_banned_words")
		_ = r.reply(ctx, cc, msgInternalError)
		return err
	}
	if len(words) == 0 {
		return r.reply(ctx, cc, "The banned words list is empty.")
	}

	var b strings.Builder
	b.WriteString("Banned words:\n")
	for i, w := range words {
		fmt.Fprintf(&b, "\n%d. %s", i+1, w.Word)
	}
	return r.reply(ctx, cc, b.String())
}

func (r *Router) cmdSetAction(ctx context.Context, cc telegram.CommandContext) error {
	if len(cc.Args) != 1 {
		return r.reply(ctx, cc, "Usage: /setaction <delete|warn|mute|ban>")
	}
	action, err := moderation.ParseActionType(cc.Args[0])
	if err != nil {
		return r.reply(ctx, cc, "Unknown action. Use one of: delete, warn, mute, ban.")
	}

	cfg, err := r.daemon.store.EnsureChatConfig(ctx, cc.ChatID)
	if err != nil {
		observability.RecordStoreError("ensure_chat_config")
		_ = r.reply(ctx, cc, msgInternalError)
		return err
	}
	cfg.Action = action
	if err := r.daemon.store.SaveChatConfig(ctx, *cfg); err != nil {
		observability.RecordStoreError("save_chat_config")
		_ = r.reply(ctx, cc, msgInternalError)
		return err
	}

	observability.RecordConfigAudit(ctx, "set_action", actorOf(cc), map[string]interface{}{
		"chat_id":     cc.ChatID,
		"action_type": string(action),
	})
	return r.reply(ctx, cc, fmt.Sprintf("Action on violation set: %s.", action))
}

// resolveTarget picks the replied-to author, or parses a numeric id from the first
// argument. rest holds the remaining arguments.
func resolveTarget(cc telegram.CommandContext) (target moderation.Message, rest []string, ok bool) {
	if cc.ReplyTo != nil {
		a := cc.ReplyTo.Author
		return moderation.Message{
			ChatID:    cc.ChatID,
			UserID:    a.UserID,
			Username:  a.Username,
			FirstName: a.FirstName,
		}, cc.Args, true
	}

	if len(cc.Args) == 0 {
		return moderation.Message{}, nil, false
	}
	id, err := strconv.ParseInt(cc.Args[0], 10, 64)
	if err != nil || id <= 0 {
		return moderation.Message{}, nil, false
	}
	return moderation.Message{ChatID: cc.ChatID, UserID: id}, cc.Args[1:], true
}

func (r *Router) cmdMute(ctx context.Context, cc telegram.CommandContext) error {
	target, rest, ok := resolveTarget(cc)
	if !ok {
		return r.reply(ctx, cc, msgNoTarget)
	}

	minutes := r.daemon.config.Moderation.ManualMuteMinutes
	if len(rest) > 0 {
		n, err := strconv.Atoi(rest[0])
		if err != nil || n < 1 || n > maxManualMuteMin {
			return r.reply(ctx, cc, msgMuteMinutes)
		}
		minutes = n
	}
	if minutes <= 0 {
		minutes = 60
	}

	d := time.Duration(minutes) * time.Minute
	res := r.daemon.platform.RestrictUser(ctx, cc.ChatID, target.UserID, time.Now().Add(d))
	observability.RecordAdminAudit(ctx, "mute", actorOf(cc), res.Status.String(), map[string]interface{}{
		"chat_id": cc.ChatID,
		"target":  target.UserID,
		"minutes": minutes,
	})

	who := target.Mention()
	switch res.Status {
	case moderation.ActionOK:
		return r.reply(ctx, cc, fmt.Sprintf("%s has been muted for %d minutes.", who, minutes))
	case moderation.ActionPrivilegedTarget:
		return r.reply(ctx, cc, fmt.Sprintf("Cannot mute %s: administrators cannot be restricted.", who))
	case moderation.ActionNotFound:
		return r.reply(ctx, cc, fmt.Sprintf("Cannot mute %s: user is not in this chat.", who))
	default:
		r.logger.Error().Err(res.Err).Int64("chat_id", cc.ChatID).Int64("target", target.UserID).Msg("Manual mute failed")
		return r.reply(ctx, cc, fmt.Sprintf("Failed to mute %s.", who))
	}
}

func (r *Router) cmdBan(ctx context.Context, cc telegram.CommandContext) error {
	target, _, ok := resolveTarget(cc)
	if !ok {
		return r.reply(ctx, cc, msgNoTarget)
	}

	res := r.daemon.platform.BanUser(ctx, cc.ChatID, target.UserID)
	observability.RecordAdminAudit(ctx, "ban", actorOf(cc), res.Status.String(), map[string]interface{}{
		"chat_id": cc.ChatID,
		"target":  target.UserID,
	})

	who := target.Mention()
	switch res.Status {
	case moderation.ActionOK:
		return r.reply(ctx, cc, fmt.Sprintf("%s has been banned.", who))
	case moderation.ActionPrivilegedTarget:
		return r.reply(ctx, cc, fmt.Sprintf("Cannot ban %s: administrators cannot be restricted.", who))
	case moderation.ActionNotFound:
		return r.reply(ctx, cc, fmt.Sprintf("Cannot ban %s: user is not in this chat.", who))
	default:
		r.logger.Error().Err(res.Err).Int64("chat_id", cc.ChatID).Int64("target", target.UserID).Msg("Manual ban failed")
		return r.reply(ctx, cc, fmt.Sprintf("Failed to ban %s.", who))
	}
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= snippetLength {
		return text
	}
	return string([]rune(text)[:snippetLength]) + "..."
}

func (r *Router) cmdViolations(ctx context.Context, cc telegram.CommandContext) error {
	records, err := r.daemon.store.RecentViolations(ctx, cc.ChatID, moderation.RecentViolationsLimit)
	if err != nil {
		observability.RecordStoreError("recent_violations")
		_ = r.reply(ctx, cc, msgInternalError)
		return err
	}
	if len(records) == 0 {
		return r.reply(ctx, cc, msgNoViolations)
	}

	var b strings.Builder
	b.WriteString("Recent violations:\n")
	for i, rec := range records {
		who := moderation.Message{UserID: rec.UserID, Username: rec.Username}.Mention()
		fmt.Fprintf(&b, "\n%d. %s %s: %s, action %s\n   %q",
			i+1,
			rec.Timestamp.UTC().Format("2006-01-02 15:04"),
			who,
			rec.Kind,
			rec.ActionTaken,
			snippet(rec.MessageText),
		)
	}
	return r.reply(ctx, cc, b.String())
}
