// Package tokens estimates token counts for quota accounting.
package tokens

import "unicode/utf8"

// charsPerToken is the conservative fallback ratio used when no exact
// encoder is available. Real tokenizers average closer to 4 characters per
// token for English prose; rounding up keeps estimates on the safe side.
const charsPerToken = 4

// Encoder produces exact token counts for a specific model vocabulary.
type Encoder interface {
	Count(text string) (int, error)
}

// Estimate is the result of one estimation. Degraded means the heuristic
// fallback produced the count, so callers should widen safety margins.
type Estimate struct {
	Tokens   int
	Degraded bool
}

// Estimator approximates the billing tokenizer. It is deterministic and
// side-effect free.
type Estimator struct {
	enc Encoder
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithEncoder supplies an exact tokenizer. Without one every estimate is
// heuristic and flagged degraded.
func WithEncoder(enc Encoder) Option {
	return func(e *Estimator) {
		e.enc = enc
	}
}

// NewEstimator builds an estimator.
func NewEstimator(opts ...Option) *Estimator {
	e := &Estimator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate returns the token count of text. Empty text is zero tokens.
// If the exact encoder is missing or fails, the character heuristic is used
// and the result is flagged degraded.
func (e *Estimator) Estimate(text string) Estimate {
	if text == "" {
		return Estimate{}
	}
	if e.enc != nil {
		if n, err := e.enc.Count(text); err == nil {
			return Estimate{Tokens: n}
		}
	}
	return Estimate{
		Tokens:   utf8.RuneCountInString(text)/charsPerToken + 1,
		Degraded: true,
	}
}
