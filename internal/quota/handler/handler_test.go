package handler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"explaind/internal/explain"
	"explaind/internal/generation"
	"explaind/internal/platform/middleware"
	"explaind/internal/quota/config"
	"explaind/internal/quota/models"
	"explaind/internal/quota/service/accountant"
	"explaind/internal/quota/service/limiter"
	"explaind/internal/quota/store/ledger"
	"explaind/internal/quota/tokens"
	"explaind/internal/quota/validate"
)

// HandlerSuite wires the full pipeline behind the router: real stores and
// services, no mocks. Handler tests validate HTTP concerns only.
type HandlerSuite struct {
	suite.Suite
	router http.Handler
	cfg    config.Config
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.cfg = config.Default()
	s.cfg.DailyRequests = 2

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	est := tokens.NewEstimator()
	store := ledger.NewMemory()

	lim, err := limiter.New(store,
		models.Limits{MaxRequests: s.cfg.DailyRequests, MaxTokens: s.cfg.DailyTokens},
		limiter.WithRetryBackoff(time.Millisecond))
	s.Require().NoError(err)

	engine := generation.NewScripted("an answer ", "in chunks")
	acc, err := accountant.New(engine, lim, est)
	s.Require().NoError(err)

	svc, err := explain.New(s.cfg, validate.New(est), est, lim, acc)
	s.Require().NoError(err)

	h := New(svc, logger)
	r := chi.NewRouter()
	r.Use(middleware.Identity(logger))
	h.Register(r)
	s.router = r
}

func (s *HandlerSuite) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) explainRequest(user string, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/explain", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.UserIDHeader, user)
	}
	return req
}

func (s *HandlerSuite) TestMissingUserHeaderRejected() {
	req := httptest.NewRequest(http.MethodGet, "/quota", nil)
	rec := s.do(req)

	s.Equal(http.StatusBadRequest, rec.Code)

	var body map[string]string
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&body))
	s.Equal("validation", body["error"])
}

func (s *HandlerSuite) TestQuota_ReturnsSnapshot() {
	req := httptest.NewRequest(http.MethodGet, "/quota", nil)
	req.Header.Set(middleware.UserIDHeader, "alice")
	rec := s.do(req)

	s.Require().Equal(http.StatusOK, rec.Code)

	var snap models.QuotaSnapshot
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&snap))
	s.Equal(0, snap.RequestsUsed)
	s.Equal(s.cfg.DailyRequests, snap.RequestsMax)
	s.Equal(models.BandGreen, snap.Band)
}

func (s *HandlerSuite) TestExplain_StreamsChunksThenSummary() {
	rec := s.do(s.explainRequest("alice", `{"topic":"goroutines"}`))

	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	s.Contains(body, "event: chunk")
	s.Contains(body, "an answer ")
	s.Contains(body, "event: done")

	// The terminal event carries the settled totals.
	idx := strings.LastIndex(body, "data: ")
	s.Require().GreaterOrEqual(idx, 0)
	payload := strings.TrimSpace(body[idx+len("data: "):])

	var summary Summary
	s.Require().NoError(json.Unmarshal([]byte(payload), &summary))
	s.True(summary.Completed)
	s.Positive(summary.OutputTokens)
	s.Require().NotNil(summary.Quota)
	s.Equal(1, summary.Quota.RequestsUsed)
}

func (s *HandlerSuite) TestExplain_InvalidJSON() {
	rec := s.do(s.explainRequest("alice", "not valid json"))
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestExplain_BlankTopicRejected() {
	rec := s.do(s.explainRequest("alice", `{"topic":"   "}`))

	s.Equal(http.StatusBadRequest, rec.Code)

	var body map[string]string
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&body))
	s.Equal("validation", body["error"])
}

func (s *HandlerSuite) TestExplain_QuotaExhaustedIs429() {
	for i := 0; i < s.cfg.DailyRequests; i++ {
		rec := s.do(s.explainRequest("alice", `{"topic":"maps"}`))
		s.Require().Equal(http.StatusOK, rec.Code)
	}

	rec := s.do(s.explainRequest("alice", `{"topic":"maps"}`))
	s.Equal(http.StatusTooManyRequests, rec.Code)
	s.NotEmpty(rec.Header().Get("Retry-After"))

	var body map[string]string
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&body))
	s.Equal("quota_requests_exhausted", body["error"])
}

func (s *HandlerSuite) TestHistory_ReturnsEntries() {
	rec := s.do(s.explainRequest("alice", `{"topic":"interfaces","context":"io.Reader"}`))
	s.Require().Equal(http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/history?limit=10", nil)
	req.Header.Set(middleware.UserIDHeader, "alice")
	rec = s.do(req)

	s.Require().Equal(http.StatusOK, rec.Code)

	var resp HistoryResponse
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&resp))
	s.Require().Len(resp.Entries, 1)
	s.Equal("interfaces", resp.Entries[0].Topic)
	s.True(resp.Entries[0].ContextUsed)
}

func (s *HandlerSuite) TestHistory_EmptyIsEmptyArray() {
	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	req.Header.Set(middleware.UserIDHeader, "bob")
	rec := s.do(req)

	s.Require().Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"entries":[]}`, rec.Body.String())
}

func (s *HandlerSuite) TestHistory_InvalidLimitRejected() {
	req := httptest.NewRequest(http.MethodGet, "/history?limit=zero", nil)
	req.Header.Set(middleware.UserIDHeader, "alice")
	rec := s.do(req)

	s.Equal(http.StatusBadRequest, rec.Code)
}
