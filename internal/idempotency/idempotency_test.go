package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"codetop/internal/domain"
	"codetop/internal/metrics"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type recordKey struct {
	requestID string
	userID    int64
	operation string
}

// fakeStore keeps idempotency records in memory with the same claim and
// takeover semantics as the SQL store.
type fakeStore struct {
	records map[recordKey]*domain.IdempotencyRecord
	nextID  int64
	purged  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[recordKey]*domain.IdempotencyRecord)}
}

func (s *fakeStore) Claim(_ context.Context, requestID string, userID int64, operation string, now time.Time) (bool, domain.IdempotencyRecord, error) {
	key := recordKey{requestID, userID, operation}
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

func (s *fakeStore) byID(id int64) *domain.IdempotencyRecord {
	for _, rec := range s.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (s *fakeStore) Complete(_ context.Context, id int64, response []byte, now time.Time) error {
	rec := s.byID(id)
	if rec == nil {
		return domain.ErrNotFound
	}
	rec.Status = domain.IdempotencyCompleted
	rec.Response = response
	rec.UpdatedAt = now
	return nil
}

func (s *fakeStore) Fail(_ context.Context, id int64, errorClass []byte, now time.Time) error {
	rec := s.byID(id)
	if rec == nil {
		return domain.ErrNotFound
	}
	rec.Status = domain.IdempotencyFailed
	rec.Response = errorClass
	rec.UpdatedAt = now
	return nil
}

func (s *fakeStore) TakeOver(_ context.Context, id int64, now, staleBefore time.Time) (bool, error) {
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

func (s *fakeStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for key, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, key)
			n++
		}
	}
	s.purged += n
	return n, nil
}

type dedupFixture struct {
	deduper *Deduper
	store   *fakeStore
	now     time.Time
}

func newDedupFixture(t *testing.T) *dedupFixture {
	t.Helper()
	fx := &dedupFixture{store: newFakeStore(), now: testNow}
	fx.deduper = NewDeduper(fx.store, DefaultConfig(), metrics.NewForTest(), zap.NewNop()).
		WithClock(func() time.Time { return fx.now })
	return fx
}

func TestDoRunsFirstClaim(t *testing.T) {
	fx := newDedupFixture(t)
	calls := 0

	out, replayed, err := fx.deduper.Do(context.Background(), "req-1", 7, "submit_review", func(context.Context) (any, error) {
		calls++
		return map[string]int{"cardId": 42}, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if replayed {
		t.Fatal("first claim reported as replayed")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	var decoded map[string]int
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if decoded["cardId"] != 42 {
		t.Fatalf("response = %s", out)
	}

	rec := fx.store.byID(1)
	if rec == nil || rec.Status != domain.IdempotencyCompleted {
		t.Fatalf("record after success = %+v", rec)
	}
}

func TestDoReplaysCompletedRecord(t *testing.T) {
	fx := newDedupFixture(t)
	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return "done", nil
	}

	first, _, err := fx.deduper.Do(context.Background(), "req-1", 7, "submit_review", fn)
	if err != nil {
		t.Fatalf("first Do: %v", err)
	}

	second, replayed, err := fx.deduper.Do(context.Background(), "req-1", 7, "submit_review", fn)
	if err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if !replayed {
		t.Fatal("duplicate was not replayed")
	}
	if string(second) != string(first) {
		t.Fatalf("replayed %s, want %s", second, first)
	}
	if calls != 1 {
		t.Fatalf("fn ran %d times, want 1", calls)
	}
}

func TestDoKeysIncludeOperationAndUser(t *testing.T) {
	fx := newDedupFixture(t)
	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	for _, args := range []struct {
		user int64
		op   string
	}{
		{7, "submit_review"},
		{7, "optimize_parameters"},
		{8, "submit_review"},
	} {
		if _, _, err := fx.deduper.Do(context.Background(), "req-1", args.user, args.op, fn); err != nil {
			t.Fatalf("Do(%d, %s): %v", args.user, args.op, err)
		}
	}
	if calls != 3 {
		t.Fatalf("fn ran %d times, want 3 distinct keys", calls)
	}
}

func TestDoRejectsInFlightDuplicate(t *testing.T) {
	fx := newDedupFixture(t)

	// Seed an IN_PROGRESS claim from a concurrent request.
	if _, _, err := fx.store.Claim(context.Background(), "req-1", 7, "submit_review", fx.now); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	fx.now = fx.now.Add(5 * time.Second)
	_, _, err := fx.deduper.Do(context.Background(), "req-1", 7, "submit_review", func(context.Context) (any, error) {
		t.Fatal("fn ran while original claim was in flight")
		return nil, nil
	})
	if !errors.Is(err, domain.ErrDuplicateInFlight) {
		t.Fatalf("err = %v, want ErrDuplicateInFlight", err)
	}
}

func TestDoTakesOverAbandonedClaim(t *testing.T) {
	fx := newDedupFixture(t)

	if _, _, err := fx.store.Claim(context.Background(), "req-1", 7, "submit_review", fx.now); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	// Past the grace window the claim counts as abandoned.
	fx.now = fx.now.Add(45 * time.Second)
	out, replayed, err := fx.deduper.Do(context.Background(), "req-1", 7, "submit_review", func(context.Context) (any, error) {
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("Do after abandonment: %v", err)
	}
	if replayed {
		t.Fatal("takeover reported as replay")
	}
	if string(out) != `"recovered"` {
		t.Fatalf("response = %s", out)
	}
	rec := fx.store.byID(1)
	if rec.Status != domain.IdempotencyCompleted {
		t.Fatalf("status after takeover = %s", rec.Status)
	}
}

func TestDoRetriesFailedRecord(t *testing.T) {
	fx := newDedupFixture(t)

	_, _, err := fx.deduper.Do(context.Background(), "req-1", 7, "submit_review", func(context.Context) (any, error) {
		return nil, fmt.Errorf("card gone: %w", domain.ErrNotFound)
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("first err = %v, want ErrNotFound", err)
	}

	rec := fx.store.byID(1)
	if rec.Status != domain.IdempotencyFailed {
		t.Fatalf("status after failure = %s", rec.Status)
	}
	var class map[string]string
	if err := json.Unmarshal(rec.Response, &class); err != nil {
		t.Fatalf("error class is not JSON: %v", err)
	}
	if class["errorClass"] != "not_found" {
		t.Fatalf("errorClass = %q", class["errorClass"])
	}

	// A failed record does not block a retry.
	out, replayed, err := fx.deduper.Do(context.Background(), "req-1", 7, "submit_review", func(context.Context) (any, error) {
		return "second try", nil
	})
	if err != nil {
		t.Fatalf("retry Do: %v", err)
	}
	if replayed {
		t.Fatal("retry reported as replay")
	}
	if string(out) != `"second try"` {
		t.Fatalf("retry response = %s", out)
	}
}

func TestDoValidatesKey(t *testing.T) {
	fx := newDedupFixture(t)
	fn := func(context.Context) (any, error) { return nil, nil }

	if _, _, err := fx.deduper.Do(context.Background(), "", 7, "submit_review", fn); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty request id: err = %v", err)
	}
	if _, _, err := fx.deduper.Do(context.Background(), "req-1", 7, "", fn); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty operation: err = %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", domain.ErrInvalidInput), "invalid_input"},
		{fmt.Errorf("x: %w", domain.ErrNotFound), "not_found"},
		{fmt.Errorf("x: %w", domain.ErrUnauthorized), "unauthorized"},
		{fmt.Errorf("x: %w", domain.ErrRateLimited), "rate_limited"},
		{fmt.Errorf("x: %w", domain.ErrTransient), "transient"},
		{errors.New("mystery"), "internal"},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestPurgerRemovesExpiredRecords(t *testing.T) {
	fx := newDedupFixture(t)
	fn := func(context.Context) (any, error) { return "ok", nil }

	if _, _, err := fx.deduper.Do(context.Background(), "req-old", 7, "submit_review", fn); err != nil {
		t.Fatalf("seed old record: %v", err)
	}
	fx.now = fx.now.Add(25 * time.Hour)
	if _, _, err := fx.deduper.Do(context.Background(), "req-new", 7, "submit_review", fn); err != nil {
		t.Fatalf("seed new record: %v", err)
	}

	purger := NewPurger(fx.deduper, time.Hour, zap.NewNop())
	removed, err := purger.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := fx.store.records[recordKey{"req-new", 7, "submit_review"}]; !ok {
		t.Fatal("fresh record was purged")
	}
}
