package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func allFilters() *ChatConfig {
	cfg := DefaultChatConfig(-100)
	return &cfg
}

func TestEvaluatePriority(t *testing.T) {
	e := NewEvaluator()
	banned := []string{"spam"}

	tests := []struct {
		name string
		text string
		want ViolationKind
	}{
		{"clean", "hello there", ViolationNone},
		{"obscene only", "ну бля", ViolationObscene},
		{"link only", "check this out http://example.com", ViolationLink},
		{"keyword only", "buy SPAM now", ViolationKeyword},
		{"obscene beats link", "бля http://example.com", ViolationObscene},
		{"obscene beats keyword", "spam бля", ViolationObscene},
		{"link beats keyword", "spam at example.com", ViolationLink},
		{"all three", "example.com spam бля", ViolationObscene},
		{"obscene substring", "оскорбление10 times", ViolationObscene},
		{"uppercase obscene", "БЛЯ", ViolationObscene},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Evaluate(tt.text, allFilters(), banned))
		})
	}
}

func TestEvaluateDisabledFilters(t *testing.T) {
	e := NewEvaluator()
	banned := []string{"spam"}

	cfg := allFilters()
	cfg.FilterObscene = false
	assert.Equal(t, ViolationLink, e.Evaluate("бля http://example.com", cfg, banned))

	cfg.FilterLinks = false
	assert.Equal(t, ViolationKeyword, e.Evaluate("бля http://example.com spam", cfg, banned))

	cfg.FilterKeywords = false
	assert.Equal(t, ViolationNone, e.Evaluate("бля http://example.com spam", cfg, banned))
}

func TestEvaluateInertInputs(t *testing.T) {
	e := NewEvaluator()

	assert.Equal(t, ViolationNone, e.Evaluate("", allFilters(), nil))
	assert.Equal(t, ViolationNone, e.Evaluate("бля", nil, nil))
	assert.Equal(t, ViolationNone, e.Evaluate("anything", allFilters(), []string{""}))
}

func TestEvaluateLinkHeuristic(t *testing.T) {
	e := NewEvaluator()
	cfg := &ChatConfig{FilterLinks: true}

	for _, text := range []string{
		"https://example.com/path/to",
		"visit www.example.org",
		"go.dev",
	} {
		assert.Equal(t, ViolationLink, e.Evaluate(text, cfg, nil), text)
	}

	for _, text := range []string{
		"no links here",
		"end of sentence. Next one",
	} {
		assert.Equal(t, ViolationNone, e.Evaluate(text, cfg, nil), text)
	}
}

func TestEvaluateKeywordCaseInsensitive(t *testing.T) {
	e := NewEvaluator()
	cfg := &ChatConfig{FilterKeywords: true}

	assert.Equal(t, ViolationKeyword, e.Evaluate("FREE Crypto", cfg, []string{"crypto"}))
	assert.Equal(t, ViolationKeyword, e.Evaluate("free crypto", cfg, []string{"CRYPTO"}))
	assert.Equal(t, ViolationNone, e.Evaluate("free stuff", cfg, []string{"crypto"}))
}
