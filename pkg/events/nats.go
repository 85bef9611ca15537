// Package events publishes moderation events to NATS so other services can react
// to enforced violations.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/harun/chatguard/pkg/moderation"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubject is the subject prefix for violation events; the chat id is appended.
const DefaultSubject = "chatguard.violations"

// EventViolation is the type of events carrying a ViolationRecord.
const EventViolation = "violation"

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	Subject       string        // subject prefix
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "chatguard",
		Subject:       DefaultSubject,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Event is the JSON envelope published for each violation.
type Event struct {
	ID         string                     `json:"id"`
	Type       string                     `json:"type"`
	OccurredAt time.Time                  `json:"occurred_at"`
	Violation  moderation.ViolationRecord `json:"violation"`
}

type publishConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher sends violation events to NATS.
type Publisher struct {
	conn    publishConn
	subject string
	logger  zerolog.Logger
}

var _ moderation.Publisher = (*Publisher)(nil)

// Connect dials NATS and returns a ready publisher.
func Connect(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	logger = logger.With().Str("component", "events").Logger()

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			} else {
				logger.Warn().Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
	return newPublisher(nc, cfg.Subject, logger), nil
}

func newPublisher(conn publishConn, subject string, logger zerolog.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject, logger: logger}
}

// Subject returns the subject a chat's events are published on.
func (p *Publisher) Subject(chatID int64) string {
	return p.subject + "." + strconv.FormatInt(chatID, 10)
}

// PublishViolation publishes rec on <subject>.<chat_id>.
func (p *Publisher) PublishViolation(_ context.Context, rec moderation.ViolationRecord) error {
	data, err := json.Marshal(Event{
		ID:         uuid.NewString(),
		Type:       EventViolation,
		OccurredAt: rec.Timestamp,
		Violation:  rec,
	})
	if err != nil {
		return fmt.Errorf("failed to encode violation event: %w", err)
	}

	subject := p.Subject(rec.ChatID)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
