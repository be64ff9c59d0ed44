package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"explaind/internal/quota/models"
	"explaind/internal/quota/ports"
	"explaind/pkg/domain"
)

type bucketKey struct {
	user domain.UserID
	day  string
}

// MemoryStore is a mutex-guarded ledger used by unit tests and as the
// permissive fallback when PostgreSQL is unreachable. Semantics mirror the
// Postgres store: lazy row creation, atomic conditional increments, and
// lifetime totals settled on successful log rows.
type MemoryStore struct {
	mu        sync.Mutex
	users     map[domain.UserID]*models.User
	quotas    map[bucketKey]*models.DailyQuota
	log       []*models.RequestLogEntry
	nextLogID int64
	clock     ports.Clock
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock injects the reference clock used for created-at timestamps.
func WithClock(clock ports.Clock) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		users:     make(map[domain.UserID]*models.User),
		quotas:    make(map[bucketKey]*models.DailyQuota),
		nextLogID: 1,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) GetOrCreateUser(_ context.Context, id domain.UserID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.getOrCreateUserLocked(id)
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetDailyQuota(_ context.Context, id domain.UserID, day domain.Day) (*models.DailyQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.getOrCreateQuotaLocked(id, day)
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) IncrementIfWithinLimit(_ context.Context, id domain.UserID, day domain.Day, delta models.Delta, limits *models.Limits) (bool, *models.DailyQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.getOrCreateQuotaLocked(id, day)
	projectedRequests := q.RequestsCount + delta.Requests
	projectedTokens := q.TokensCount + delta.Tokens

	if limits != nil && (projectedRequests > limits.MaxRequests || projectedTokens > limits.MaxTokens) {
		cp := *q
		return false, &cp, nil
	}

	q.RequestsCount = max(projectedRequests, 0)
	q.TokensCount = max(projectedTokens, 0)
	cp := *q
	return true, &cp, nil
}

func (s *MemoryStore) AppendLog(_ context.Context, entry *models.RequestLogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	cp.ID = s.nextLogID
	s.nextLogID++
	if cp.Timestamp.IsZero() {
		cp.Timestamp = s.clock().UTC()
	}
	s.log = append(s.log, &cp)

	if cp.Success {
		u := s.getOrCreateUserLocked(cp.UserID)
		u.TotalRequests++
		u.TotalTokens += cp.TotalTokens
	}
	return cp.ID, nil
}

func (s *MemoryStore) LifetimeTotals(_ context.Context, id domain.UserID) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, 0, nil
	}
	return u.TotalRequests, u.TotalTokens, nil
}

func (s *MemoryStore) RecentRequests(_ context.Context, id domain.UserID, limit int) ([]*models.RequestLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.RequestLogEntry
	for _, e := range s.log {
		if e.UserID == id {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) getOrCreateUserLocked(id domain.UserID) *models.User {
	if u, ok := s.users[id]; ok {
		return u
	}
	u := &models.User{ID: id, CreatedAt: s.clock().UTC()}
	s.users[id] = u
	return u
}

func (s *MemoryStore) getOrCreateQuotaLocked(id domain.UserID, day domain.Day) *models.DailyQuota {
	key := bucketKey{user: id, day: day.String()}
	if q, ok := s.quotas[key]; ok {
		return q
	}
	q := &models.DailyQuota{UserID: id, Day: day}
	s.quotas[key] = q
	return q
}
