package moderation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/harun/chatguard/internal/observability"
	"github.com/harun/chatguard/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Message is a group chat message submitted for moderation.
type Message struct {
	ChatID    int64
	ChatTitle string
	MessageID int
	UserID    int64
	Username  string
	FirstName string
	Text      string
}

// Mention returns how the author is addressed in chat notices.
func (m Message) Mention() string {
	if m.Username != "" {
		return "@" + m.Username
	}
	if m.FirstName != "" {
		return m.FirstName
	}
	return "user " + strconv.FormatInt(m.UserID, 10)
}

// Publisher receives committed violation records.
type Publisher interface {
	PublishViolation(ctx context.Context, rec ViolationRecord) error
}

// Result describes what happened to a moderated message.
type Result struct {
	Kind    ViolationKind
	Outcome Outcome
	Record  ViolationRecord
	// Restrict is the outcome of the mute or ban call, if one was made.
	Restrict *ActionResult
}

// Violated reports whether the message breached a filter.
func (r Result) Violated() bool {
	return r.Kind != ViolationNone
}

// Service runs the moderation pipeline: evaluate, decide, delete, record and enforce.
type Service struct {
	store     Store
	platform  Platform
	evaluator *Evaluator
	policy    *Policy
	recorder  *Recorder
	publisher Publisher
	logger    zerolog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPublisher sends every committed violation to p.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithRecorder overrides the record builder.
func WithRecorder(r *Recorder) ServiceOption {
	return func(s *Service) {
		s.recorder = r
	}
}

// NewService creates the moderation pipeline.
func NewService(store Store, platform Platform, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		platform:  platform,
		evaluator: NewEvaluator(),
		policy:    NewPolicy(),
		recorder:  NewRecorder(),
		logger:    logger.With().Str("component", "moderation").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleMessage moderates one message. Platform failures are logged and never abort
// the remaining steps. A store failure aborts the pass; a deletion already made stands.
func (s *Service) HandleMessage(ctx context.Context, msg Message) (Result, error) {
	if msg.Text == "" {
		return Result{}, nil
	}

	ctx, span := tracing.StartSpan(ctx, "moderation", "moderation.handle_message",
		attribute.Int64("chat_id", msg.ChatID),
		attribute.Int64("user_id", msg.UserID),
	)
	defer span.End()

	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().
		Int64("chat_id", msg.ChatID).
		Int64("user_id", msg.UserID).
		Logger()

	cfg, err := s.store.GetChatConfig(ctx, msg.ChatID)
	if err != nil {
		observability.RecordStoreError("get_chat_config")
		tracing.FailSpan(span, err)
		return Result{}, fmt.Errorf("failed to load chat config: %w", err)
	}
	if cfg == nil {
		// Chats without settings are not moderated.
		return Result{}, nil
	}

	var words []string
	if cfg.FilterKeywords {
		banned, err := s.store.ListBannedWords(ctx, msg.ChatID)
		if err != nil {
			observability.RecordStoreError("list_banned_words")
			tracing.FailSpan(span, err)
			return Result{}, fmt.Errorf("failed to load banned words: %w", err)
		}
		words = make([]string, 0, len(banned))
		for _, w := range banned {
			words = append(words, w.Word)
		}
	}

	kind := s.evaluator.Evaluate(msg.Text, cfg, words)
	observability.RecordMessageEvaluated(kind != ViolationNone)
	if kind == ViolationNone {
		return Result{}, nil
	}
	span.SetAttributes(attribute.String("violation", string(kind)))

	warnings := 0
	if cfg.Action == ActionWarn {
		warnings, err = s.store.GetWarnings(ctx, msg.ChatID, msg.UserID)
		if err != nil {
			observability.RecordStoreError("get_warnings")
			tracing.FailSpan(span, err)
			return Result{}, fmt.Errorf("failed to load warnings: %w", err)
		}
	}

	outcome := s.policy.Apply(kind, *cfg, warnings)
	res := Result{Kind: kind, Outcome: outcome}

	logger = logger.With().
		Str("violation", string(kind)).
		Str("action", string(outcome.Action)).
		Logger()

	del := s.platform.DeleteMessage(ctx, msg.ChatID, msg.MessageID)
	if !del.OK() {
		logger.Error().Err(del.Err).Str("status", del.Status.String()).Int("message_id", msg.MessageID).Msg("Failed to delete message")
	}

	rec := s.recorder.Record(msg.ChatID, msg.UserID, msg.Username, msg.Text, kind, outcome.Action)
	var counter *int
	if outcome.UpdatesCounter() {
		c := outcome.Counter
		counter = &c
	}
	rec, err = s.store.CommitViolation(ctx, rec, counter)
	if err != nil {
		observability.RecordStoreError("commit_violation")
		tracing.FailSpan(span, err)
		logger.Error().Err(err).Msg("Failed to record violation")
		return res, fmt.Errorf("failed to record violation: %w", err)
	}
	res.Record = rec

	switch outcome.Action {
	case ActionWarn:
		res.Restrict = s.warn(ctx, logger, msg, kind, outcome, cfg)
	case ActionMute:
		r := s.restrict(ctx, logger, msg, outcome.MuteFor)
		res.Restrict = &r
		s.notify(ctx, logger, msg.ChatID, muteNotice(msg, r, outcome.MuteFor, "for breaking the rules"))
	case ActionBan:
		r := s.platform.BanUser(ctx, msg.ChatID, msg.UserID)
		logResult(logger, r, "ban")
		res.Restrict = &r
		s.notify(ctx, logger, msg.ChatID, banNotice(msg, r))
	}

	if s.publisher != nil {
		if err := s.publisher.PublishViolation(ctx, rec); err != nil {
			observability.RecordEventPublished(false)
			logger.Warn().Err(err).Msg("Failed to publish violation event")
		} else {
			observability.RecordEventPublished(true)
		}
	}

	observability.RecordViolation(string(kind), string(outcome.Action), time.Since(start))
	observability.RecordViolationAudit(ctx, strconv.FormatInt(msg.UserID, 10), string(outcome.Action), auditStatus(res.Restrict), map[string]interface{}{
		"chat_id":      msg.ChatID,
		"violation":    string(kind),
		"warnings":     outcome.Warnings,
		"escalated":    outcome.Escalate,
		"violation_id": rec.ID,
	})

	logger.Info().Int("warnings", outcome.Warnings).Bool("escalated", outcome.Escalate).Msg("Violation enforced")
	return res, nil
}

// warn sends the private warning and the chat mention. On escalation the mute result is
// folded into the chat mention.
func (s *Service) warn(ctx context.Context, logger zerolog.Logger, msg Message, kind ViolationKind, out Outcome, cfg *ChatConfig) *ActionResult {
	title := msg.ChatTitle
	if title == "" {
		title = strconv.FormatInt(msg.ChatID, 10)
	}

	private := fmt.Sprintf("Your message in %s was deleted for breaking the rules. Violation: %s. Warning %d/%d.",
		title, kind, out.Warnings, WarningThreshold)
	if err := s.platform.SendMessage(ctx, msg.UserID, private); err != nil {
		logger.Warn().Err(err).Msg("Could not deliver private warning")
	}

	public := fmt.Sprintf("%s, your message was deleted for breaking the rules. Violation: %s. Warning %d/%d.",
		msg.Mention(), kind, out.Warnings, WarningThreshold)

	var restricted *ActionResult
	if out.Escalate {
		observability.RecordEscalation()
		r := s.restrict(ctx, logger, msg, out.MuteFor)
		restricted = &r
		public += "\n" + muteNotice(msg, r, out.MuteFor, fmt.Sprintf("for collecting %d warnings", WarningThreshold))
	}

	s.notify(ctx, logger, msg.ChatID, public)
	return restricted
}

func (s *Service) restrict(ctx context.Context, logger zerolog.Logger, msg Message, d time.Duration) ActionResult {
	r := s.platform.RestrictUser(ctx, msg.ChatID, msg.UserID, time.Now().Add(d))
	logResult(logger, r, "mute")
	return r
}

func (s *Service) notify(ctx context.Context, logger zerolog.Logger, chatID int64, text string) {
	if err := s.platform.SendMessage(ctx, chatID, text); err != nil {
		logger.Error().Err(err).Msg("Failed to send chat notice")
	}
}

func logResult(logger zerolog.Logger, r ActionResult, op string) {
	switch r.Status {
	case ActionOK:
	case ActionPrivilegedTarget, ActionNotFound:
		logger.Warn().Err(r.Err).Str("status", r.Status.String()).Msgf("Skipped %s", op)
	default:
		logger.Error().Err(r.Err).Str("status", r.Status.String()).Msgf("Failed to %s user", op)
	}
}

func muteNotice(msg Message, r ActionResult, d time.Duration, reason string) string {
	switch r.Status {
	case ActionOK:
		return fmt.Sprintf("%s has been muted for %d minutes %s.", msg.Mention(), int(d/time.Minute), reason)
	case ActionPrivilegedTarget:
		return fmt.Sprintf("Cannot mute %s: administrators cannot be restricted.", msg.Mention())
	case ActionNotFound:
		return fmt.Sprintf("Cannot mute %s: user is no longer in this chat.", msg.Mention())
	default:
		return fmt.Sprintf("Failed to mute %s.", msg.Mention())
	}
}

func banNotice(msg Message, r ActionResult) string {
	switch r.Status {
	case ActionOK:
		return fmt.Sprintf("%s has been banned for breaking the rules.", msg.Mention())
	case ActionPrivilegedTarget:
		return fmt.Sprintf("Cannot ban %s: administrators cannot be restricted.", msg.Mention())
	case ActionNotFound:
		return fmt.Sprintf("Cannot ban %s: user is no longer in this chat.", msg.Mention())
	default:
		return fmt.Sprintf("Failed to ban %s.", msg.Mention())
	}
}

func auditStatus(r *ActionResult) string {
	if r == nil || r.OK() {
		return "success"
	}
	return r.Status.String()
}
