package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-123")
	ctx = WithChatID(ctx, -100)
	ctx = WithUserID(ctx, 55)

	var buf bytes.Buffer
	logger := PropagateToLogger(ctx, zerolog.New(&buf))
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-123"`, `"chat_id":-100`, `"user_id":55`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %s, got %s", want, out)
		}
	}
	if strings.Contains(out, "lane") {
		t.Errorf("Did not expect lane in output: %s", out)
	}
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithLane(context.Background(), "moderation:1:2"))
	cancel()

	detached := Detach(parent)

	if detached.Err() != nil {
		t.Error("Detached context should not be cancelled")
	}
	if GetLane(detached) != "moderation:1:2" {
		t.Error("Lane should survive detaching")
	}
}
