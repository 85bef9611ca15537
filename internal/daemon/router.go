package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/chatguard/internal/telegram"
	"github.com/harun/chatguard/internal/tracing"
	"github.com/harun/chatguard/pkg/commandqueue"
	"github.com/rs/zerolog"
)

const msgInternalError = "Something went wrong. Please try again later."

// slowLaneWarnMs is how long an update may wait behind its lane before the queue logs it
const slowLaneWarnMs = 5000

// Router routes updates to the moderation pipeline, the dialog and the command handlers
type Router struct {
	daemon   *Daemon
	logger   zerolog.Logger
	commands []command
	index    map[string]int
}

// NewRouter creates a new update router
func NewRouter(d *Daemon) *Router {
	r := &Router{
		daemon: d,
		logger: d.logger.Component("router"),
		index:  make(map[string]int),
	}
	r.registerBuiltins()
	return r
}

func requestID(updateID int) string {
	return fmt.Sprintf("update:%d", updateID)
}

// RouteMessage routes a non-command message. Group messages, bots' included, are
// moderated on the sender's moderation lane; private text feeds an active
// configuration dialog. Queued work is detached from ctx and outlives the update.
func (r *Router) RouteMessage(ctx context.Context, msg telegram.MessageContext) error {
	if msg.Text == "" {
		return nil
	}

	switch {
	case msg.IsGroup:
		return r.routeGroupMessage(ctx, msg)
	case msg.IsPrivate:
		return r.routePrivateMessage(ctx, msg)
	}
	return nil
}

func (r *Router) routeGroupMessage(ctx context.Context, msg telegram.MessageContext) error {
	lane := commandqueue.ModerationLane(msg.ChatID, msg.UserID)
	err := r.daemon.queue.Dispatch(tracing.Detach(ctx), lane, func(taskCtx context.Context) (interface{}, error) {
		taskCtx = tracing.NewUpdateContext(taskCtx, msg.UpdateID, msg.ChatID, msg.UserID)
		res, err := r.daemon.moderation.HandleMessage(taskCtx, msg.Moderation())
		if err == nil && res.Violated() {
			logger := tracing.LoggerFromContext(taskCtx, r.logger)
			logger.Debug().
				Str("violation", string(res.Kind)).
				Str("action", string(res.Outcome.Action)).
				Bool("from_bot", msg.IsBot).
				Msg("Message moderated")
		}
		return res, err
	}, &commandqueue.TaskOptions{RequestID: requestID(msg.UpdateID), WarnAfterMs: slowLaneWarnMs})
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

func (r *Router) routePrivateMessage(ctx context.Context, msg telegram.MessageContext) error {
	return r.dispatchDialog(ctx, msg.UpdateID, msg.UserID, msg.ChatID, func(taskCtx context.Context) ([]string, error) {
		active, err := r.daemon.dialog.Active(taskCtx, msg.UserID)
		if err != nil || !active {
			return nil, err
		}
		return r.daemon.dialog.Handle(taskCtx, msg.UserID, msg.Text)
	})
}

// dispatchDialog runs step on the user's dialog lane and sends its replies to chatID.
func (r *Router) dispatchDialog(ctx context.Context, updateID int, userID, chatID int64, step func(context.Context) ([]string, error)) error {
	err := r.daemon.queue.Dispatch(tracing.Detach(ctx), commandqueue.DialogLane(userID),
		r.dialogTask(updateID, userID, chatID, step),
		&commandqueue.TaskOptions{RequestID: requestID(updateID), WarnAfterMs: slowLaneWarnMs})
	if err != nil {
		return fmt.Errorf("failed to enqueue dialog input: %w", err)
	}
	return nil
}

func (r *Router) dialogTask(updateID int, userID, chatID int64, step func(context.Context) ([]string, error)) commandqueue.Task {
	return func(taskCtx context.Context) (interface{}, error) {
		taskCtx = tracing.NewUpdateContext(taskCtx, updateID, chatID, userID)

		replies, err := step(taskCtx)
		if err != nil {
			if sendErr := r.daemon.platform.SendMessage(taskCtx, chatID, msgInternalError); sendErr != nil {
				r.logger.Warn().Err(sendErr).Int64("user_id", userID).Msg("Failed to report dialog error")
			}
			return nil, err
		}

		for _, reply := range replies {
			if err := r.daemon.platform.SendMessage(taskCtx, chatID, reply); err != nil {
				return nil, fmt.Errorf("failed to send dialog reply: %w", err)
			}
		}
		return len(replies), nil
	}
}

// RegisterCommands publishes the command table to a Telegram dispatcher
func (r *Router) RegisterCommands(cmds *telegram.Commands) {
	for _, c := range r.commands {
		cmds.Register(c.name, c.description, r.guard(c))
	}
}

// HandleCommand runs a parsed command through the same checks as the Telegram
// dispatcher. Unknown commands are answered only in private chats; unknown and
// refused group commands are moderated like any other message.
func (r *Router) HandleCommand(ctx context.Context, cc telegram.CommandContext) error {
	var err error
	if i, ok := r.index[cc.Command]; ok {
		err = r.guard(r.commands[i])(ctx, cc)
	} else if cc.IsPrivate {
		err = r.reply(ctx, cc, fmt.Sprintf("Unknown command: /%s. Send /help for the list of commands.", cc.Command))
	} else {
		err = telegram.ErrNotHandled
	}

	if errors.Is(err, telegram.ErrNotHandled) {
		return r.RouteMessage(ctx, cc.Message())
	}
	return err
}

// CommandNames returns the registered commands in order
func (r *Router) CommandNames() []string {
	names := make([]string, 0, len(r.commands))
	for _, c := range r.commands {
		names = append(names, c.name)
	}
	return names
}

func (r *Router) reply(ctx context.Context, cc telegram.CommandContext, text string) error {
	return r.daemon.platform.SendMessageWithReply(ctx, cc.ChatID, text, cc.MessageID)
}
