// Package validate prepares raw user input for generation: it bounds input
// size by token estimate, truncating at coarse boundaries when needed.
package validate

import (
	"fmt"
	"strings"

	"explaind/internal/quota/tokens"
)

// Result carries the prepared text and any warnings to surface to the user.
type Result struct {
	Text      string
	Tokens    int
	Truncated bool
	Degraded  bool
	Warning   string
}

// Validator shrinks oversized input until it fits the token budget.
// It never fails: a degenerate budget yields empty text.
type Validator struct {
	est *tokens.Estimator
}

// New builds a validator on top of the given estimator.
func New(est *tokens.Estimator) *Validator {
	return &Validator{est: est}
}

// Validate returns raw unchanged when its estimate fits maxTokens.
// Otherwise it iteratively trims at word boundaries, re-estimating each
// candidate, and attaches a warning stating original and final counts.
func (v *Validator) Validate(raw string, maxTokens int) Result {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Result{}
	}
	if maxTokens <= 0 {
		return Result{
			Truncated: true,
			Warning:   fmt.Sprintf("input dropped: configured token limit is %d", maxTokens),
		}
	}

	est := v.est.Estimate(text)
	if est.Tokens <= maxTokens {
		return Result{Text: text, Tokens: est.Tokens, Degraded: est.Degraded}
	}

	original := est.Tokens
	runes := []rune(text)
	count := est.Tokens
	degraded := est.Degraded

	for count > maxTokens && len(runes) > 0 {
		// Shrink proportionally to the overage, then back off to the last
		// word boundary so we never cut mid-word.
		keep := len(runes) * maxTokens / count
		if keep >= len(runes) {
			keep = len(runes) - 1
		}
		runes = runes[:keep]
		if idx := lastBoundary(runes); idx > keep/2 {
			runes = runes[:idx]
		}
		runes = []rune(strings.TrimRight(string(runes), " \t\r\n"))

		e := v.est.Estimate(string(runes))
		count = e.Tokens
		degraded = degraded || e.Degraded
	}

	final := string(runes)
	return Result{
		Text:      final,
		Tokens:    count,
		Truncated: true,
		Degraded:  degraded,
		Warning: fmt.Sprintf("input truncated from %d to %d tokens (limit %d per request)",
			original, count, maxTokens),
	}
}

// lastBoundary returns the index of the last whitespace rune, or -1.
func lastBoundary(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		switch runes[i] {
		case ' ', '\t', '\n', '\r':
			return i
		}
	}
	return -1
}
