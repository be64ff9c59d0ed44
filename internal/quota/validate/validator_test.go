package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"explaind/internal/quota/tokens"
)

func newValidator() *Validator {
	return New(tokens.NewEstimator())
}

func TestValidate(t *testing.T) {
	v := newValidator()

	t.Run("input under the limit passes unchanged with no warning", func(t *testing.T) {
		// 196 runes -> 50 estimated tokens
		text := strings.Repeat("abcd", 49)
		res := v.Validate(text, 300)
		assert.Equal(t, text, res.Text)
		assert.Equal(t, 50, res.Tokens)
		assert.False(t, res.Truncated)
		assert.Empty(t, res.Warning)
	})

	t.Run("oversized input is truncated to fit with a warning", func(t *testing.T) {
		// 1200 runes -> 301 estimated tokens, one over the limit
		text := strings.TrimSpace(strings.Repeat("word ", 240))
		est := tokens.NewEstimator().Estimate(text)
		require.Equal(t, 301, est.Tokens)

		res := v.Validate(text, 300)
		assert.True(t, res.Truncated)
		assert.LessOrEqual(t, res.Tokens, 300)
		assert.NotEmpty(t, res.Warning)
		assert.Contains(t, res.Warning, "301")
		assert.Contains(t, res.Warning, "300")
	})

	t.Run("truncation lands on a word boundary", func(t *testing.T) {
		text := strings.TrimSpace(strings.Repeat("boundary ", 200))
		res := v.Validate(text, 100)
		require.True(t, res.Truncated)
		assert.True(t, strings.HasSuffix(res.Text, "boundary"),
			"expected truncated text to end on a whole word, got %q", res.Text[len(res.Text)-20:])
	})

	t.Run("degenerate limit yields empty text", func(t *testing.T) {
		res := v.Validate("anything at all", 0)
		assert.Empty(t, res.Text)
		assert.True(t, res.Truncated)
		assert.NotEmpty(t, res.Warning)
	})

	t.Run("blank input yields empty result", func(t *testing.T) {
		res := v.Validate("   \n\t  ", 300)
		assert.Empty(t, res.Text)
		assert.Zero(t, res.Tokens)
		assert.False(t, res.Truncated)
	})

	t.Run("heuristic estimates are flagged degraded", func(t *testing.T) {
		res := v.Validate("short topic", 300)
		assert.True(t, res.Degraded)
	})
}
