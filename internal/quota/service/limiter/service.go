// Package limiter implements quota-aware admission control: every
// generation request is gated here against per-user daily limits.
//
// Accounting is two-phase. The request slot is consumed pessimistically at
// reservation so two concurrent admits cannot both slip under the requests
// cap; token cost is settled optimistically at commit because the exact
// output length is unknown until the stream ends. A commit may therefore
// overshoot the token cap by at most one request's actual usage; the next
// reservation for that user and day is denied until the bucket resets.
package limiter

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"explaind/internal/platform/audit"
	"explaind/internal/quota/metrics"
	"explaind/internal/quota/models"
	"explaind/internal/quota/ports"
	"explaind/pkg/domain"
	dErrors "explaind/pkg/domain-errors"
)

const (
	defaultRetryBackoff  = 250 * time.Millisecond
	defaultProbeInterval = 30 * time.Second
)

// Usage carries the settled counts for one finished generation attempt.
// A non-empty ErrMsg records an upstream failure that still produced
// billable output.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Topic        string
	ContextUsed  bool
	ErrMsg       string
}

// Service is the admission controller. The ledger is its only
// synchronization point; it is touched once at reservation and once at
// commit or release, never while a stream is in flight.
type Service struct {
	ledger   ports.Ledger
	fallback ports.Ledger
	limits   models.Limits
	logger   *slog.Logger
	auditPub ports.AuditPublisher
	metrics  *metrics.Metrics
	clock    ports.Clock
	tracer   trace.Tracer

	retryBackoff  time.Duration
	probeInterval time.Duration
	degraded      atomic.Bool
	lastProbe     atomic.Int64
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

// WithAuditPublisher forwards admission events to an audit sink.
func WithAuditPublisher(pub ports.AuditPublisher) Option {
	return func(s *Service) {
		s.auditPub = pub
	}
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock injects the UTC reference clock used for day keys.
func WithClock(clock ports.Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithFallback sets the permissive ledger used while the primary is down.
func WithFallback(fallback ports.Ledger) Option {
	return func(s *Service) {
		if fallback != nil {
			s.fallback = fallback
		}
	}
}

// WithRetryBackoff sets the pause before the single ledger retry.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retryBackoff = d
		}
	}
}

// WithProbeInterval sets how often degraded mode re-tries the primary.
func WithProbeInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.probeInterval = d
		}
	}
}

// New builds an admission controller over the given ledger.
func New(ledger ports.Ledger, limits models.Limits, opts ...Option) (*Service, error) {
	if ledger == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "quota ledger is required")
	}
	if limits.MaxRequests <= 0 || limits.MaxTokens <= 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "quota limits must be positive")
	}

	svc := &Service{
		ledger:        ledger,
		limits:        limits,
		logger:        slog.Default(),
		clock:         time.Now,
		tracer:        otel.Tracer("explaind/quota"),
		retryBackoff:  defaultRetryBackoff,
		probeInterval: defaultProbeInterval,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Limits returns the configured caps.
func (s *Service) Limits() models.Limits {
	return s.limits
}

// Degraded reports whether the controller runs on the fallback ledger.
func (s *Service) Degraded() bool {
	return s.degraded.Load()
}

// CheckAndReserve admits or denies one request. On admission the daily
// request slot is already consumed and the returned reservation must be
// settled by exactly one Commit or Release.
func (s *Service) CheckAndReserve(ctx context.Context, userID domain.UserID, estimatedInput, maxOutput int) (*Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "quota.reserve")
	defer span.End()

	if userID.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeValidation, "user id is required")
	}

	now := s.clock()
	day := domain.DayOf(now)

	var quota *models.DailyQuota
	err := s.do(ctx, "check_quota", func(l ports.Ledger) error {
		if _, err := l.GetOrCreateUser(ctx, userID); err != nil {
			return err
		}
		var err error
		quota, err = l.GetDailyQuota(ctx, userID, day)
		return err
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "quota ledger unreachable")
	}

	if reason := s.evaluate(quota, estimatedInput, maxOutput); reason != "" {
		return nil, s.deny(ctx, userID, day, quota, reason)
	}

	// Consume the request slot atomically; token usage is unknown until the
	// stream ends and is settled at commit.
	var ok bool
	err = s.do(ctx, "reserve_slot", func(l ports.Ledger) error {
		var err error
		ok, quota, err = l.IncrementIfWithinLimit(ctx, userID, day, models.Delta{Requests: 1}, &s.limits)
		return err
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "quota ledger unreachable")
	}
	if !ok {
		// A concurrent request won the slot between check and increment.
		reason := s.evaluate(quota, estimatedInput, maxOutput)
		if reason == "" {
			reason = models.DenialRequestsExhausted
		}
		return nil, s.deny(ctx, userID, day, quota, reason)
	}

	res := newReservation(userID, day, now, estimatedInput, maxOutput)
	if s.metrics != nil {
		s.metrics.Admissions.Inc()
	}
	ports.LogAudit(ctx, s.logger, s.auditPub, audit.Event{
		Timestamp: now.UTC(),
		Action:    audit.EventAdmitted,
		UserID:    userID,
		Day:       day.String(),
		Requests:  quota.RequestsCount,
		Tokens:    quota.TokensCount,
	}, "reservation_id", res.ID())
	return res, nil
}

// Commit settles a finished attempt: the actual token usage is added to the
// daily bucket unconditionally and one log row is appended. The settlement
// is applied even when it pushes the bucket past its cap — the request was
// already admitted and the upstream provider has billed those tokens — so
// the overshoot is bounded by one request's actual usage.
func (s *Service) Commit(ctx context.Context, res *Reservation, usage Usage) (*models.DailyQuota, error) {
	ctx, span := s.tracer.Start(ctx, "quota.commit")
	defer span.End()

	if res == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "reservation is required")
	}
	total := usage.InputTokens + usage.OutputTokens

	var result *models.DailyQuota
	err := res.settle(StateCommitted, func() error {
		err := s.do(ctx, "settle_tokens", func(l ports.Ledger) error {
			var err error
			_, result, err = l.IncrementIfWithinLimit(ctx, res.userID, res.day, models.Delta{Tokens: total}, nil)
			return err
		})
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "token settlement failed")
		}

		entry := &models.RequestLogEntry{
			UserID:       res.userID,
			Timestamp:    s.clock().UTC(),
			Topic:        usage.Topic,
			ContextUsed:  usage.ContextUsed,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  total,
			Success:      true,
			ErrorMsg:     usage.ErrMsg,
		}
		if err := s.do(ctx, "append_log", func(l ports.Ledger) error {
			_, err := l.AppendLog(ctx, entry)
			return err
		}); err != nil {
			// Tokens are already settled; losing the log row is preferable
			// to unwinding a billed bucket.
			s.logger.ErrorContext(ctx, "request log append failed after settlement",
				"user_id", res.userID, "tokens", total, "error", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Commits.Inc()
		s.metrics.TokensSettled.Add(float64(total))
	}
	ports.LogAudit(ctx, s.logger, s.auditPub, audit.Event{
		Timestamp: s.clock().UTC(),
		Action:    audit.EventCommitted,
		UserID:    res.userID,
		Day:       res.day.String(),
		Requests:  result.RequestsCount,
		Tokens:    result.TokensCount,
	}, "reservation_id", res.ID(), "settled_tokens", total)

	if result.TokensCount > s.limits.MaxTokens {
		if s.metrics != nil {
			s.metrics.Overshoots.Inc()
		}
		ports.LogAudit(ctx, s.logger, s.auditPub, audit.Event{
			Timestamp: s.clock().UTC(),
			Action:    audit.EventOvershoot,
			UserID:    res.userID,
			Day:       res.day.String(),
			Tokens:    result.TokensCount,
		}, "max_tokens", s.limits.MaxTokens)
	}
	return result, nil
}

// Release compensates a reservation whose generation failed or was
// cancelled before any output token was produced: the reserved request slot
// is returned and a failure log row is appended. Attempts that produced any
// output must go through Commit instead — tokens already billed upstream
// are never dropped from the ledger.
func (s *Service) Release(ctx context.Context, res *Reservation, errMsg string) error {
	ctx, span := s.tracer.Start(ctx, "quota.release")
	defer span.End()

	if res == nil {
		return dErrors.New(dErrors.CodeValidation, "reservation is required")
	}

	err := res.settle(StateReleased, func() error {
		err := s.do(ctx, "release_slot", func(l ports.Ledger) error {
			_, _, err := l.IncrementIfWithinLimit(ctx, res.userID, res.day, models.Delta{Requests: -1}, nil)
			return err
		})
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "slot release failed")
		}

		entry := &models.RequestLogEntry{
			UserID:    res.userID,
			Timestamp: s.clock().UTC(),
			Success:   false,
			ErrorMsg:  errMsg,
		}
		if err := s.do(ctx, "append_log", func(l ports.Ledger) error {
			_, err := l.AppendLog(ctx, entry)
			return err
		}); err != nil {
			s.logger.ErrorContext(ctx, "failure log append failed",
				"user_id", res.userID, "error", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.Releases.Inc()
	}
	ports.LogAudit(ctx, s.logger, s.auditPub, audit.Event{
		Timestamp: s.clock().UTC(),
		Action:    audit.EventReleased,
		UserID:    res.userID,
		Day:       res.day.String(),
		Reason:    errMsg,
	}, "reservation_id", res.ID())
	return nil
}

// StatusFor returns the UI-facing snapshot of the user's current bucket.
func (s *Service) StatusFor(ctx context.Context, userID domain.UserID) (*models.QuotaSnapshot, error) {
	if userID.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeValidation, "user id is required")
	}
	day := domain.DayOf(s.clock())

	var quota *models.DailyQuota
	err := s.do(ctx, "status", func(l ports.Ledger) error {
		var err error
		quota, err = l.GetDailyQuota(ctx, userID, day)
		return err
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "quota ledger unreachable")
	}
	return models.NewSnapshot(quota, s.limits), nil
}

// History returns the user's most recent request-log entries.
func (s *Service) History(ctx context.Context, userID domain.UserID, limit int) ([]*models.RequestLogEntry, error) {
	if userID.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeValidation, "user id is required")
	}
	var entries []*models.RequestLogEntry
	err := s.do(ctx, "history", func(l ports.Ledger) error {
		var err error
		entries, err = l.RecentRequests(ctx, userID, limit)
		return err
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "quota ledger unreachable")
	}
	return entries, nil
}

// evaluate returns the denial reason for the projected request, or "" when
// it fits. Requests are checked before tokens; both exhausted reports Both.
func (s *Service) evaluate(q *models.DailyQuota, estimatedInput, maxOutput int) models.DenialReason {
	requestsFull := q.RequestsCount+1 > s.limits.MaxRequests
	tokensFull := q.TokensCount+estimatedInput+maxOutput > s.limits.MaxTokens
	switch {
	case requestsFull && tokensFull:
		return models.DenialBoth
	case requestsFull:
		return models.DenialRequestsExhausted
	case tokensFull:
		return models.DenialTokensExhausted
	}
	return ""
}

func (s *Service) deny(ctx context.Context, userID domain.UserID, day domain.Day, quota *models.DailyQuota, reason models.DenialReason) error {
	if s.metrics != nil {
		s.metrics.Denials.WithLabelValues(string(reason)).Inc()
	}
	ports.LogAudit(ctx, s.logger, s.auditPub, audit.Event{
		Timestamp: s.clock().UTC(),
		Action:    audit.EventDenied,
		UserID:    userID,
		Day:       day.String(),
		Reason:    string(reason),
		Requests:  quota.RequestsCount,
		Tokens:    quota.TokensCount,
	})

	resetAt := day.ResetAt().Format(time.RFC3339)
	switch reason {
	case models.DenialRequestsExhausted:
		return dErrors.Newf(dErrors.CodeRequestsExhausted,
			"daily request quota exhausted: %d/%d used, resets at %s",
			quota.RequestsCount, s.limits.MaxRequests, resetAt)
	case models.DenialTokensExhausted:
		return dErrors.Newf(dErrors.CodeTokensExhausted,
			"daily token quota exhausted: %d/%d used, resets at %s",
			quota.TokensCount, s.limits.MaxTokens, resetAt)
	default:
		return dErrors.Newf(dErrors.CodeQuotaExhausted,
			"daily quota exhausted: %d/%d requests, %d/%d tokens, resets at %s",
			quota.RequestsCount, s.limits.MaxRequests,
			quota.TokensCount, s.limits.MaxTokens, resetAt)
	}
}

// do runs one ledger operation against the active store. Primary failures
// are retried once after a short backoff; a second failure flips the
// controller into permissive degraded mode on the fallback ledger.
// Availability is deliberately favored over strict enforcement here: quota
// is a cost-control feature, not a correctness-critical one.
func (s *Service) do(ctx context.Context, op string, fn func(ports.Ledger) error) error {
	if s.degraded.Load() {
		if s.shouldProbe() {
			if err := fn(s.ledger); err == nil {
				s.exitDegraded(ctx)
				return nil
			}
		}
		if s.fallback == nil {
			return dErrors.Newf(dErrors.CodeLedgerUnavailable, "ledger down and no fallback configured")
		}
		return fn(s.fallback)
	}

	err := fn(s.ledger)
	if err == nil {
		return nil
	}

	s.logger.WarnContext(ctx, "ledger operation failed, retrying once",
		"op", op, "backoff", s.retryBackoff, "error", err)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.retryBackoff):
	}
	if err = fn(s.ledger); err == nil {
		return nil
	}

	if s.fallback == nil {
		return err
	}
	s.enterDegraded(ctx, op, err)
	return fn(s.fallback)
}

func (s *Service) shouldProbe() bool {
	now := s.clock().UnixNano()
	last := s.lastProbe.Load()
	if now-last < int64(s.probeInterval) {
		return false
	}
	return s.lastProbe.CompareAndSwap(last, now)
}

func (s *Service) enterDegraded(ctx context.Context, op string, cause error) {
	if s.degraded.Swap(true) {
		return
	}
	s.lastProbe.Store(s.clock().UnixNano())
	if s.metrics != nil {
		s.metrics.DegradedMode.Set(1)
	}
	s.logger.ErrorContext(ctx, "quota ledger unreachable, switching to permissive in-memory enforcement",
		"op", op, "error", cause)
	ports.LogAudit(ctx, s.logger, s.auditPub, audit.Event{
		Timestamp: s.clock().UTC(),
		Action:    audit.EventDegradedEntered,
		Reason:    cause.Error(),
	})
}

func (s *Service) exitDegraded(ctx context.Context) {
	if !s.degraded.Swap(false) {
		return
	}
	if s.metrics != nil {
		s.metrics.DegradedMode.Set(0)
	}
	s.logger.InfoContext(ctx, "quota ledger recovered, resuming durable enforcement")
	ports.LogAudit(ctx, s.logger, s.auditPub, audit.Event{
		Timestamp: s.clock().UTC(),
		Action:    audit.EventDegradedExited,
	})
}
