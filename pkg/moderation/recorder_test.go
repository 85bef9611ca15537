package moderation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecorderCapturesInstant(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &Recorder{now: func() time.Time { return at }}

	rec := r.Record(-100, 42, "alice", "check this out http://example.com", ViolationLink, ActionDelete)

	assert.Equal(t, ViolationRecord{
		ChatID:      -100,
		UserID:      42,
		Username:    "alice",
		MessageText: "check this out http://example.com",
		Kind:        ViolationLink,
		Timestamp:   at,
		ActionTaken: ActionDelete,
	}, rec)
}

func TestNewRecorderUsesUTC(t *testing.T) {
	rec := NewRecorder().Record(1, 2, "", "text", ViolationKeyword, ActionWarn)

	assert.Equal(t, time.UTC, rec.Timestamp.Location())
	assert.WithinDuration(t, time.Now(), rec.Timestamp, time.Minute)
	assert.Empty(t, rec.Username)
}
