// Package ledger persists per-user/day quota counters and the append-only
// request log.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"explaind/internal/quota/models"
	"explaind/pkg/domain"
)

// PostgresStore is the durable ledger. Stores are pure I/O: limit values are
// passed in by the service, never read from configuration here.
//
// Conditional increments execute as one UPDATE statement so the read of the
// current counts and the write of the new counts cannot interleave with a
// concurrent caller on the same (user, day) row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed ledger.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetOrCreateUser(ctx context.Context, id domain.UserID) (*models.User, error) {
	query := `
		INSERT INTO users (user_id, created_at, total_requests, total_tokens)
		VALUES ($1, NOW(), 0, 0)
		ON CONFLICT (user_id) DO UPDATE SET
			user_id = EXCLUDED.user_id
		RETURNING user_id, created_at, total_requests, total_tokens
	`
	var u models.User
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&u.ID, &u.CreatedAt, &u.TotalRequests, &u.TotalTokens)
	if err != nil {
		return nil, fmt.Errorf("get or create user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetDailyQuota(ctx context.Context, id domain.UserID, day domain.Day) (*models.DailyQuota, error) {
	// The bucket row references users; first contact may arrive through a
	// status read, so the user row is ensured here too.
	if _, err := s.GetOrCreateUser(ctx, id); err != nil {
		return nil, err
	}
	query := `
		INSERT INTO daily_quota (user_id, date, requests_count, tokens_count)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, date) DO UPDATE SET
			user_id = EXCLUDED.user_id
		RETURNING requests_count, tokens_count
	`
	q := models.DailyQuota{UserID: id, Day: day}
	err := s.db.QueryRowContext(ctx, query, id, day.String()).
		Scan(&q.RequestsCount, &q.TokensCount)
	if err != nil {
		return nil, fmt.Errorf("get daily quota: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) IncrementIfWithinLimit(ctx context.Context, id domain.UserID, day domain.Day, delta models.Delta, limits *models.Limits) (bool, *models.DailyQuota, error) {
	if limits == nil {
		return s.incrementUnconditional(ctx, id, day, delta)
	}

	// Row must exist before the conditional UPDATE can lock it.
	if _, err := s.GetDailyQuota(ctx, id, day); err != nil {
		return false, nil, err
	}

	query := `
		UPDATE daily_quota
		SET requests_count = requests_count + $3,
		    tokens_count = tokens_count + $4
		WHERE user_id = $1 AND date = $2
		  AND requests_count + $3 <= $5
		  AND tokens_count + $4 <= $6
		RETURNING requests_count, tokens_count
	`
	q := models.DailyQuota{UserID: id, Day: day}
	err := s.db.QueryRowContext(ctx, query,
		id, day.String(), delta.Requests, delta.Tokens, limits.MaxRequests, limits.MaxTokens,
	).Scan(&q.RequestsCount, &q.TokensCount)
	if err == nil {
		return true, &q, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, fmt.Errorf("conditional increment: %w", err)
	}

	// Projection exceeded a cap; report the counts that denied it.
	current, err := s.GetDailyQuota(ctx, id, day)
	if err != nil {
		return false, nil, err
	}
	return false, current, nil
}

func (s *PostgresStore) incrementUnconditional(ctx context.Context, id domain.UserID, day domain.Day, delta models.Delta) (bool, *models.DailyQuota, error) {
	query := `
		INSERT INTO daily_quota (user_id, date, requests_count, tokens_count)
		VALUES ($1, $2, GREATEST($3, 0), GREATEST($4, 0))
		ON CONFLICT (user_id, date) DO UPDATE SET
			requests_count = GREATEST(daily_quota.requests_count + $3, 0),
			tokens_count = GREATEST(daily_quota.tokens_count + $4, 0)
		RETURNING requests_count, tokens_count
	`
	q := models.DailyQuota{UserID: id, Day: day}
	err := s.db.QueryRowContext(ctx, query, id, day.String(), delta.Requests, delta.Tokens).
		Scan(&q.RequestsCount, &q.TokensCount)
	if err != nil {
		return false, nil, fmt.Errorf("unconditional increment: %w", err)
	}
	return true, &q, nil
}

// AppendLog inserts the log row and, for success rows, settles the user's
// lifetime totals inside the same transaction so the two never drift.
func (s *PostgresStore) AppendLog(ctx context.Context, entry *models.RequestLogEntry) (int64, error) {
	if entry == nil {
		return 0, fmt.Errorf("log entry is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append log: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	insert := `
		INSERT INTO request_log
			(user_id, timestamp, topic, context_used, input_tokens, output_tokens, total_tokens, success, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		RETURNING id
	`
	var logID int64
	err = tx.QueryRowContext(ctx, insert,
		entry.UserID, entry.Timestamp, entry.Topic, entry.ContextUsed,
		entry.InputTokens, entry.OutputTokens, entry.TotalTokens,
		entry.Success, entry.ErrorMsg,
	).Scan(&logID)
	if err != nil {
		return 0, fmt.Errorf("insert request log: %w", err)
	}

	if entry.Success {
		settle := `
			UPDATE users
			SET total_requests = total_requests + 1,
			    total_tokens = total_tokens + $2
			WHERE user_id = $1
		`
		if _, err := tx.ExecContext(ctx, settle, entry.UserID, entry.TotalTokens); err != nil {
			return 0, fmt.Errorf("settle lifetime totals: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append log: %w", err)
	}
	return logID, nil
}

func (s *PostgresStore) LifetimeTotals(ctx context.Context, id domain.UserID) (int, int, error) {
	var requests, tokens int
	err := s.db.QueryRowContext(ctx,
		`SELECT total_requests, total_tokens FROM users WHERE user_id = $1`, id,
	).Scan(&requests, &tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("lifetime totals: %w", err)
	}
	return requests, tokens, nil
}

func (s *PostgresStore) RecentRequests(ctx context.Context, id domain.UserID, limit int) ([]*models.RequestLogEntry, error) {
	query := `
		SELECT id, user_id, timestamp, topic, context_used,
		       input_tokens, output_tokens, total_tokens, success, COALESCE(error_msg, '')
		FROM request_log
		WHERE user_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, id, limit)
	if err != nil {
		return nil, fmt.Errorf("recent requests: %w", err)
	}
	defer rows.Close()

	var out []*models.RequestLogEntry
	for rows.Next() {
		var e models.RequestLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Timestamp, &e.Topic, &e.ContextUsed,
			&e.InputTokens, &e.OutputTokens, &e.TotalTokens, &e.Success, &e.ErrorMsg); err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request log: %w", err)
	}
	return out, nil
}
