// Package explain is the quota-aware generation facade: it validates input,
// applies the burst window, reserves daily quota, drives the generation
// stream through the accountant, and reports the user's remaining budget.
package explain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"explaind/internal/platform/audit"
	"explaind/internal/quota/config"
	"explaind/internal/quota/models"
	"explaind/internal/quota/ports"
	"explaind/internal/quota/service/accountant"
	"explaind/internal/quota/service/limiter"
	"explaind/internal/quota/store/window"
	"explaind/internal/quota/tokens"
	"explaind/internal/quota/validate"
	"explaind/pkg/domain"
	dErrors "explaind/pkg/domain-errors"
)

// Request is one explanation ask. Context carries optional prior
// conversation the caller wants the answer grounded in.
type Request struct {
	UserID  domain.UserID
	Topic   string
	Context string
}

// Response bundles the settled generation outcome with the user's quota
// snapshot after settlement. Warning surfaces input truncation to the user.
type Response struct {
	Result  *accountant.Result
	Quota   *models.QuotaSnapshot
	Warning string
}

// Service wires the admission pipeline end to end.
type Service struct {
	cfg        config.Config
	validator  *validate.Validator
	estimator  *tokens.Estimator
	limiter    *limiter.Service
	accountant *accountant.Accountant
	burst      ports.BurstLimiter
	logger     *slog.Logger
	auditPub   ports.AuditPublisher
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBurstLimiter fronts the daily ledger with a per-minute window.
// Without one only daily quotas apply.
func WithBurstLimiter(b ports.BurstLimiter) Option {
	return func(s *Service) {
		s.burst = b
	}
}

// WithAuditPublisher forwards input-handling audit events.
func WithAuditPublisher(pub ports.AuditPublisher) Option {
	return func(s *Service) {
		s.auditPub = pub
	}
}

// New builds the facade.
func New(cfg config.Config, validator *validate.Validator, estimator *tokens.Estimator, lim *limiter.Service, acc *accountant.Accountant, opts ...Option) (*Service, error) {
	if validator == nil || estimator == nil || lim == nil || acc == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "validator, estimator, limiter and accountant are required")
	}
	s := &Service{
		cfg:        cfg,
		validator:  validator,
		estimator:  estimator,
		limiter:    lim,
		accountant: acc,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Explain runs one request through the full pipeline. Chunks are forwarded
// to onChunk as they arrive; the returned Response carries the settled
// totals and the post-settlement quota snapshot.
func (s *Service) Explain(ctx context.Context, req Request, onChunk func(string) error) (*Response, error) {
	if req.UserID.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeValidation, "user id is required")
	}

	topic := s.validator.Validate(req.Topic, s.cfg.MaxInputTokens)
	if topic.Text == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "topic must not be empty")
	}
	contextText := s.validator.Validate(req.Context, s.cfg.MaxInputTokens)
	contextUsed := contextText.Text != ""

	var warnings []string
	for _, r := range []validate.Result{topic, contextText} {
		if r.Truncated {
			warnings = append(warnings, r.Warning)
			ports.LogAudit(ctx, s.logger, s.auditPub, audit.Event{
				Action: audit.EventInputTruncated,
				UserID: req.UserID,
				Tokens: r.Tokens,
			})
		}
	}

	if err := s.checkBurst(ctx, req.UserID); err != nil {
		return nil, err
	}

	prompt := buildPrompt(topic.Text, contextText.Text)
	inputTokens := s.estimator.Estimate(prompt).Tokens

	res, err := s.limiter.CheckAndReserve(ctx, req.UserID, inputTokens, s.cfg.MaxOutputTokens)
	if err != nil {
		return nil, err
	}

	result, err := s.accountant.Generate(ctx, res, accountant.Attempt{
		Prompt:          prompt,
		InputTokens:     inputTokens,
		Topic:           topic.Text,
		ContextUsed:     contextUsed,
		MaxOutputTokens: s.cfg.MaxOutputTokens,
	}, onChunk)
	if err != nil {
		return nil, err
	}

	resp := &Response{Result: result, Warning: strings.Join(warnings, "; ")}
	snapshot, err := s.limiter.StatusFor(ctx, req.UserID)
	if err != nil {
		// The generation itself settled; a missing snapshot is cosmetic.
		s.logger.WarnContext(ctx, "quota snapshot unavailable after settlement",
			"user_id", req.UserID, "error", err)
		return resp, nil
	}
	resp.Quota = snapshot
	return resp, nil
}

// ValidateInput bounds raw input by the configured token budget without
// consuming any quota.
func (s *Service) ValidateInput(raw string) validate.Result {
	return s.validator.Validate(raw, s.cfg.MaxInputTokens)
}

// Status returns the user's current quota snapshot.
func (s *Service) Status(ctx context.Context, userID domain.UserID) (*models.QuotaSnapshot, error) {
	return s.limiter.StatusFor(ctx, userID)
}

// History returns the user's most recent attempts, newest first.
func (s *Service) History(ctx context.Context, userID domain.UserID, limit int) ([]*models.RequestLogEntry, error) {
	return s.limiter.History(ctx, userID, limit)
}

// checkBurst consumes one slot in the per-minute window. Redis failures
// fail open: the daily ledger still bounds total consumption.
func (s *Service) checkBurst(ctx context.Context, userID domain.UserID) error {
	if s.burst == nil || s.cfg.BurstPerMinute <= 0 {
		return nil
	}
	ok, err := s.burst.Allow(ctx, window.Key(userID), s.cfg.BurstPerMinute, s.cfg.BurstWindow)
	if err != nil {
		s.logger.WarnContext(ctx, "burst window unavailable, failing open",
			"user_id", userID, "error", err)
		return nil
	}
	if !ok {
		return dErrors.Newf(dErrors.CodeRateLimited,
			"too many requests: limit is %d per %s, try again shortly",
			s.cfg.BurstPerMinute, s.cfg.BurstWindow)
	}
	return nil
}

func buildPrompt(topic, contextText string) string {
	if contextText == "" {
		return fmt.Sprintf("Explain the following topic concisely:\n\n%s", topic)
	}
	return fmt.Sprintf("Explain the following topic concisely:\n\n%s\n\nGround the explanation in this context:\n\n%s", topic, contextText)
}
