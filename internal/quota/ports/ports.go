// Package ports defines shared interfaces for the quota module.
// Interfaces live here when consumed by multiple services to avoid
// duplication.
package ports

import (
	"context"
	"log/slog"
	"time"

	"explaind/internal/platform/audit"
	"explaind/internal/quota/models"
	"explaind/pkg/domain"
)

// Clock supplies the reference time. All day keys derive from it in UTC so
// bucket resets are deterministic and testable.
type Clock func() time.Time

// Ledger is the durable record of per-user/day consumption and the
// append-only request log. It is the only shared mutable resource in the
// subsystem: counter writes go through IncrementIfWithinLimit and nothing
// else mutates those rows.
type Ledger interface {
	// GetOrCreateUser lazily creates the user row on first contact.
	GetOrCreateUser(ctx context.Context, id domain.UserID) (*models.User, error)

	// GetDailyQuota returns the bucket for (user, day), creating it lazily.
	GetDailyQuota(ctx context.Context, id domain.UserID, day domain.Day) (*models.DailyQuota, error)

	// IncrementIfWithinLimit applies delta as a single atomic transaction:
	// read current counts, evaluate projected totals against limits, write.
	// Concurrent callers on the same key never interleave between the read
	// and the write. A nil limits applies the delta unconditionally.
	// Returns ok=false (with the unchanged counts) when the projection
	// exceeds a cap.
	IncrementIfWithinLimit(ctx context.Context, id domain.UserID, day domain.Day, delta models.Delta, limits *models.Limits) (bool, *models.DailyQuota, error)

	// AppendLog writes one immutable request-log row. Success rows settle
	// the user's lifetime totals in the same transaction.
	AppendLog(ctx context.Context, entry *models.RequestLogEntry) (int64, error)

	// LifetimeTotals returns the user's all-time request and token totals.
	LifetimeTotals(ctx context.Context, id domain.UserID) (requests, tokens int, err error)

	// RecentRequests returns up to limit log entries, newest first.
	RecentRequests(ctx context.Context, id domain.UserID, limit int) ([]*models.RequestLogEntry, error)
}

// AuditPublisher emits audit events for billing-relevant operations.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// BurstLimiter caps request bursts ahead of the daily ledger.
type BurstLimiter interface {
	// Allow consumes one slot under key if fewer than limit requests
	// happened inside the window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LogAudit logs an audit event to the structured logger and forwards it to
// the publisher when one is configured.
func LogAudit(ctx context.Context, logger *slog.Logger, publisher AuditPublisher, event audit.Event, attrs ...any) {
	args := append(attrs, "event", event.Action, "log_type", "audit")
	if !event.UserID.IsEmpty() {
		args = append(args, "user_id", event.UserID)
	}

	if logger != nil {
		logger.InfoContext(ctx, event.Action, args...)
	}

	if publisher == nil {
		return
	}
	if err := publisher.Emit(ctx, event); err != nil && logger != nil {
		logger.WarnContext(ctx, "failed to emit audit event", "event", event.Action, "error", err)
	}
}
