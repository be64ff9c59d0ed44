// Package models defines the entities persisted and exchanged by the quota
// subsystem.
package models

import (
	"time"

	"explaind/pkg/domain"
)

// User is created lazily on a user's first request and never deleted.
// Lifetime totals are mutated only by the ledger.
type User struct {
	ID            domain.UserID `json:"user_id"`
	CreatedAt     time.Time     `json:"created_at"`
	TotalRequests int           `json:"total_requests"`
	TotalTokens   int           `json:"total_tokens"`
}

// DailyQuota tracks one user's consumption for one UTC calendar day.
// Once committed, counts never exceed the configured caps except for the
// bounded per-request overshoot settled at commit time.
type DailyQuota struct {
	UserID        domain.UserID `json:"user_id"`
	Day           domain.Day    `json:"date"`
	RequestsCount int           `json:"requests_count"`
	TokensCount   int           `json:"tokens_count"`
}

// RequestLogEntry is an immutable, append-only record of one completed or
// explicitly failed attempt.
type RequestLogEntry struct {
	ID           int64         `json:"id"`
	UserID       domain.UserID `json:"user_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Topic        string        `json:"topic"`
	ContextUsed  bool          `json:"context_used"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	TotalTokens  int           `json:"total_tokens"`
	Success      bool          `json:"success"`
	ErrorMsg     string        `json:"error_msg,omitempty"`
}

// Delta describes a counter mutation applied through the ledger's single
// conditional-increment path. Negative values compensate a reservation.
type Delta struct {
	Requests int
	Tokens   int
}

// Limits are the caps evaluated inside the ledger's atomic increment.
// A nil *Limits applies the delta unconditionally (commit settlement and
// release compensation).
type Limits struct {
	MaxRequests int
	MaxTokens   int
}

// DenialReason states which cap rejected an admission.
type DenialReason string

const (
	DenialRequestsExhausted DenialReason = "requests_exhausted"
	DenialTokensExhausted   DenialReason = "tokens_exhausted"
	DenialBoth              DenialReason = "both_exhausted"
)

// Band buckets quota usage for UI display.
type Band string

const (
	BandGreen  Band = "green"
	BandYellow Band = "yellow"
	BandRed    Band = "red"
)

// QuotaSnapshot is the UI-facing view of one user's current bucket.
type QuotaSnapshot struct {
	RequestsUsed    int       `json:"requests_used"`
	RequestsMax     int       `json:"requests_max"`
	TokensUsed      int       `json:"tokens_used"`
	TokensMax       int       `json:"tokens_max"`
	ResetAtUTC      time.Time `json:"reset_at_utc"`
	PercentRequests float64   `json:"percent_requests"`
	PercentTokens   float64   `json:"percent_tokens"`
	Band            Band      `json:"band"`
}

// NewSnapshot derives the UI view from a daily quota row and the caps.
func NewSnapshot(q *DailyQuota, limits Limits) *QuotaSnapshot {
	s := &QuotaSnapshot{
		RequestsUsed: q.RequestsCount,
		RequestsMax:  limits.MaxRequests,
		TokensUsed:   q.TokensCount,
		TokensMax:    limits.MaxTokens,
		ResetAtUTC:   q.Day.ResetAt(),
	}
	s.PercentRequests = percent(q.RequestsCount, limits.MaxRequests)
	s.PercentTokens = percent(q.TokensCount, limits.MaxTokens)
	s.Band = bandFor(s.PercentRequests, s.PercentTokens)
	return s
}

// Exhausted reports whether the next request would be denied outright.
func (s *QuotaSnapshot) Exhausted() bool {
	return s.RequestsUsed >= s.RequestsMax || s.TokensUsed >= s.TokensMax
}

func percent(used, max int) float64 {
	if max <= 0 {
		return 0
	}
	return float64(used) / float64(max) * 100
}

func bandFor(percents ...float64) Band {
	band := BandGreen
	for _, p := range percents {
		switch {
		case p >= 100:
			return BandRed
		case p >= 80:
			band = BandYellow
		}
	}
	return band
}
