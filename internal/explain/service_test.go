package explain

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"explaind/internal/generation"
	"explaind/internal/quota/config"
	"explaind/internal/quota/models"
	"explaind/internal/quota/service/accountant"
	"explaind/internal/quota/service/limiter"
	"explaind/internal/quota/store/ledger"
	"explaind/internal/quota/tokens"
	"explaind/internal/quota/validate"
	"explaind/pkg/domain"
	dErrors "explaind/pkg/domain-errors"
)

func nowDay() domain.Day { return domain.DayOf(time.Now()) }

// stubBurst scripts the burst limiter's answer.
type stubBurst struct {
	allow bool
	err   error
	calls int
}

func (b *stubBurst) Allow(context.Context, string, int, time.Duration) (bool, error) {
	b.calls++
	return b.allow, b.err
}

type ExplainSuite struct {
	suite.Suite

	ctx    context.Context
	cfg    config.Config
	store  *ledger.MemoryStore
	engine *generation.ScriptedEngine
}

func TestExplainSuite(t *testing.T) {
	suite.Run(t, new(ExplainSuite))
}

func (s *ExplainSuite) SetupTest() {
	s.ctx = context.Background()
	s.cfg = config.Default()
	s.store = ledger.NewMemory()
	s.engine = generation.NewScripted("an explanation ", "in two chunks")
}

func (s *ExplainSuite) newService(opts ...Option) *Service {
	est := tokens.NewEstimator()
	lim, err := limiter.New(s.store,
		models.Limits{MaxRequests: s.cfg.DailyRequests, MaxTokens: s.cfg.DailyTokens},
		limiter.WithRetryBackoff(time.Millisecond))
	s.Require().NoError(err)
	acc, err := accountant.New(s.engine, lim, est)
	s.Require().NoError(err)
	svc, err := New(s.cfg, validate.New(est), est, lim, acc, opts...)
	s.Require().NoError(err)
	return svc
}

func (s *ExplainSuite) TestExplain_HappyPath() {
	svc := s.newService()

	var streamed strings.Builder
	resp, err := svc.Explain(s.ctx, Request{UserID: "alice", Topic: "goroutines"},
		func(chunk string) error {
			streamed.WriteString(chunk)
			return nil
		})
	s.Require().NoError(err)

	s.Equal("an explanation in two chunks", resp.Result.Text)
	s.Equal(resp.Result.Text, streamed.String())
	s.True(resp.Result.Completed)
	s.Empty(resp.Warning)

	s.Require().NotNil(resp.Quota)
	s.Equal(1, resp.Quota.RequestsUsed)
	s.Equal(resp.Result.InputTokens+resp.Result.OutputTokens, resp.Quota.TokensUsed)
}

func (s *ExplainSuite) TestExplain_EmptyTopicRejected() {
	svc := s.newService()

	_, err := svc.Explain(s.ctx, Request{UserID: "alice", Topic: "   \n\t "}, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	quota, err := s.store.GetDailyQuota(s.ctx, "alice", nowDay())
	s.Require().NoError(err)
	s.Equal(0, quota.RequestsCount, "rejected input consumes no quota")
}

func (s *ExplainSuite) TestExplain_MissingUserRejected() {
	svc := s.newService()
	_, err := svc.Explain(s.ctx, Request{Topic: "maps"}, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ExplainSuite) TestExplain_OversizedTopicTruncatedWithWarning() {
	svc := s.newService()

	// ~500 words is far past the 300-token input cap.
	topic := strings.Repeat("polymorphism ", 500)
	resp, err := svc.Explain(s.ctx, Request{UserID: "alice", Topic: topic}, nil)
	s.Require().NoError(err)

	s.Contains(resp.Warning, "truncated")
	s.True(resp.Result.Completed)
	s.LessOrEqual(resp.Result.InputTokens, s.cfg.MaxInputTokens+s.cfg.MaxInputTokens/10,
		"prompt wrapping adds a bounded margin over the validated input")
}

func (s *ExplainSuite) TestExplain_ContextMarksEntry() {
	svc := s.newService()

	_, err := svc.Explain(s.ctx, Request{
		UserID:  "alice",
		Topic:   "interfaces",
		Context: "we were discussing the io.Reader contract",
	}, nil)
	s.Require().NoError(err)

	entries, err := s.store.RecentRequests(s.ctx, "alice", 1)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.True(entries[0].ContextUsed)
	s.Equal("interfaces", entries[0].Topic)
}

func (s *ExplainSuite) TestExplain_BurstDenialIsRateLimited() {
	burst := &stubBurst{allow: false}
	svc := s.newService(WithBurstLimiter(burst))

	_, err := svc.Explain(s.ctx, Request{UserID: "alice", Topic: "channels"}, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))
	s.Equal(1, burst.calls)

	quota, err := s.store.GetDailyQuota(s.ctx, "alice", nowDay())
	s.Require().NoError(err)
	s.Equal(0, quota.RequestsCount, "burst denial never touches the daily ledger")
}

func (s *ExplainSuite) TestExplain_BurstErrorFailsOpen() {
	burst := &stubBurst{err: errors.New("redis: connection refused")}
	svc := s.newService(WithBurstLimiter(burst))

	resp, err := svc.Explain(s.ctx, Request{UserID: "alice", Topic: "channels"}, nil)
	s.Require().NoError(err, "burst window outage must not block admitted traffic")
	s.True(resp.Result.Completed)
}

func (s *ExplainSuite) TestExplain_QuotaDenialPropagates() {
	s.cfg.DailyRequests = 1
	svc := s.newService()

	_, err := svc.Explain(s.ctx, Request{UserID: "alice", Topic: "slices"}, nil)
	s.Require().NoError(err)

	_, err = svc.Explain(s.ctx, Request{UserID: "alice", Topic: "maps"}, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeRequestsExhausted))
}

func (s *ExplainSuite) TestStatusAndHistory() {
	svc := s.newService()

	_, err := svc.Explain(s.ctx, Request{UserID: "alice", Topic: "defer"}, nil)
	s.Require().NoError(err)

	snap, err := svc.Status(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(1, snap.RequestsUsed)

	entries, err := svc.History(s.ctx, "alice", 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("defer", entries[0].Topic)
}
