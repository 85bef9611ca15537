package moderation

import (
	"regexp"
	"strings"
)

// obsceneWords is the built-in profanity list. Matching is a lowercase substring test,
// so entries also hit inside longer words.
var obsceneWords = []string{
	"бля",
	"нецензурное_слово2",
	"оскорбление1",
	"оскорбление2",
}

// linkPattern is a permissive URL heuristic: optional scheme, a dotted domain and an optional path.
var linkPattern = regexp.MustCompile(`(https?://)?([\da-z.-]+)\.([a-z.]{2,6})([/\w.-]*)*/?`)

// Evaluator decides which filter, if any, a message breaches.
type Evaluator struct {
	obscene []string
	links   *regexp.Regexp
}

// NewEvaluator creates an evaluator with the built-in obscenity list.
func NewEvaluator() *Evaluator {
	words := make([]string, 0, len(obsceneWords))
	for _, w := range obsceneWords {
		words = append(words, strings.ToLower(w))
	}
	return &Evaluator{
		obscene: words,
		links:   linkPattern,
	}
}

// Evaluate checks text against the chat's enabled filters in fixed priority order:
// obscene, then link, then keyword. The first match wins.
func (e *Evaluator) Evaluate(text string, cfg *ChatConfig, bannedWords []string) ViolationKind {
	if text == "" || cfg == nil {
		return ViolationNone
	}

	normalized := strings.ToLower(text)

	if cfg.FilterObscene && containsAny(normalized, e.obscene) {
		return ViolationObscene
	}

	if cfg.FilterLinks && e.links.MatchString(text) {
		return ViolationLink
	}

	if cfg.FilterKeywords {
		for _, w := range bannedWords {
			w = strings.ToLower(w)
			if w != "" && strings.Contains(normalized, w) {
				return ViolationKeyword
			}
		}
	}

	return ViolationNone
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
