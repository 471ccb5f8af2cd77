package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"codetop/internal/domain"
	"codetop/internal/fsrs"
	"codetop/internal/idempotency"
	"codetop/internal/metrics"
	"codetop/internal/recommend"
)

// ============================================================================
// SERVICE STUBS
// ============================================================================

type stubReviews struct {
	submitResult fsrs.SubmitResult
	submitErr    error
	submitCalls  int
	lastSubmit   fsrs.SubmitRequest

	queue      fsrs.QueueResponse
	queueErr   error
	lastLimit  int
	lastUserID int64

	stats     fsrs.ReviewStats
	statsErr  error
	statsFunc func() (fsrs.ReviewStats, error)
}

func (s *stubReviews) SubmitReview(_ context.Context, req fsrs.SubmitRequest) (fsrs.SubmitResult, error) {
	s.submitCalls++
	s.lastSubmit = req
	return s.submitResult, s.submitErr
}

func (s *stubReviews) ReviewQueue(_ context.Context, userID int64, limit int) (fsrs.QueueResponse, error) {
	s.lastUserID = userID
	s.lastLimit = limit
	return s.queue, s.queueErr
}

func (s *stubReviews) Stats(_ context.Context, _ int64) (fsrs.ReviewStats, error) {
	if s.statsFunc != nil {
		return s.statsFunc()
	}
	return s.stats, s.statsErr
}

type stubOptimizer struct {
	result     fsrs.OptimizeResult
	err        error
	lastUserID int64
}

func (s *stubOptimizer) Optimize(_ context.Context, userID int64) (fsrs.OptimizeResult, error) {
	s.lastUserID = userID
	return s.result, s.err
}

type stubRecommender struct {
	resp      *recommend.Response
	err       error
	lastQuery recommend.Query
}

func (s *stubRecommender) Recommend(_ context.Context, q recommend.Query) (*recommend.Response, error) {
	s.lastQuery = q
	return s.resp, s.err
}

// ============================================================================
// IN-MEMORY IDEMPOTENCY STORE
// ============================================================================

type idemKey struct {
	requestID string
	userID    int64
	operation string
}

// memIdemStore backs the real deduper in handler tests with the same
// claim semantics as the SQL store.
type memIdemStore struct {
	records map[idemKey]*domain.IdempotencyRecord
	nextID  int64
}

func newMemIdemStore() *memIdemStore {
	return &memIdemStore{records: make(map[idemKey]*domain.IdempotencyRecord)}
}

func (s *memIdemStore) Claim(_ context.Context, requestID string, userID int64, operation string, now time.Time) (bool, domain.IdempotencyRecord, error) {
	key := idemKey{requestID, userID, operation}
	if rec, ok := s.records[key]; ok {
		return false, *rec, nil
	}
	s.nextID++
	rec := &domain.IdempotencyRecord{
		ID:        s.nextID,
		RequestID: requestID,
		UserID:    userID,
		Operation: operation,
		Status:    domain.IdempotencyInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[key] = rec
	return true, *rec, nil
}

func (s *memIdemStore) byID(id int64) *domain.IdempotencyRecord {
	for _, rec := range s.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (s *memIdemStore) Complete(_ context.Context, id int64, response []byte, now time.Time) error {
	rec := s.byID(id)
	if rec == nil {
		return domain.ErrNotFound
	}
	rec.Status = domain.IdempotencyCompleted
	rec.Response = response
	rec.UpdatedAt = now
	return nil
}

func (s *memIdemStore) Fail(_ context.Context, id int64, errorClass []byte, now time.Time) error {
	rec := s.byID(id)
	if rec == nil {
		return domain.ErrNotFound
	}
	rec.Status = domain.IdempotencyFailed
	rec.Response = errorClass
	rec.UpdatedAt = now
	return nil
}

func (s *memIdemStore) TakeOver(_ context.Context, id int64, now, staleBefore time.Time) (bool, error) {
	rec := s.byID(id)
	if rec == nil {
		return false, nil
	}
	stale := rec.Status == domain.IdempotencyFailed ||
		(rec.Status == domain.IdempotencyInProgress && rec.UpdatedAt.Before(staleBefore))
	if !stale {
		return false, nil
	}
	rec.Status = domain.IdempotencyInProgress
	rec.UpdatedAt = now
	return true, nil
}

func (s *memIdemStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for key, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// SERVER FIXTURE
// ============================================================================

const (
	tokenAlice = "tok-alice"
	tokenBob   = "tok-bob"
)

type serverFixture struct {
	srv         *Server
	reviews     *stubReviews
	optimizer   *stubOptimizer
	recommender *stubRecommender
	idemStore   *memIdemStore
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	auth, err := ParseTokenTable(tokenAlice + ":7:pro," + tokenBob + ":8:free")
	if err != nil {
		t.Fatalf("parse token table: %v", err)
	}

	fx := &serverFixture{
		reviews: &stubReviews{
			submitResult: fsrs.SubmitResult{
				CardID:       11,
				NewState:     domain.CardStateReview,
				Stability:    4.2,
				Difficulty:   5.1,
				IntervalDays: 4,
				NextReviewAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
			},
			queue: fsrs.QueueResponse{
				DueCards: []fsrs.QueueCard{{ID: 11, ProblemID: 101, ProblemTitle: "Course Schedule", Difficulty: "MEDIUM", State: domain.CardStateReview}},
				Meta:     fsrs.QueueMeta{Total: 1, Limit: 20},
			},
			stats: fsrs.ReviewStats{TotalCards: 3, DueNow: 1, RetentionRate: 0.9},
		},
		optimizer: &stubOptimizer{result: fsrs.OptimizeResult{Optimized: false, Reason: fsrs.ReasonInsufficientReviews}},
		recommender: &stubRecommender{resp: &recommend.Response{
			Items: []recommend.ResponseItem{{ProblemID: 101, Reason: "weak graph coverage", Score: 0.9, Confidence: 0.8, Source: "HYBRID:weakness"}},
			Meta:  recommend.Meta{TraceID: "trace-x", Strategy: "WEAKNESS_FOCUS", ChainID: "main", Provider: "llm"},
		}},
		idemStore: newMemIdemStore(),
	}

	met := metrics.NewForTest()
	deduper := idempotency.NewDeduper(fx.idemStore, idempotency.DefaultConfig(), met, zap.NewNop())

	fx.srv = New(Config{Addr: ":0", CORSOrigins: []string{"*"}}, Deps{
		Reviews:     fx.reviews,
		Optimizer:   fx.optimizer,
		Recommender: fx.recommender,
		Deduper:     deduper,
		Auth:        auth,
		Logger:      zap.NewNop(),
	})
	return fx
}

// do performs a request against the router. token and requestID are
// optional; body may be nil.
func (fx *serverFixture) do(t *testing.T, method, target, token, requestID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if requestID != "" {
		req.Header.Set(headerRequestID, requestID)
	}

	rr := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}
