package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"codetop/internal/domain"
	"codetop/internal/fsrs"
	"codetop/internal/recommend"
)

const (
	headerRequestID      = "X-Request-Id"
	headerTraceID        = "X-Trace-Id"
	headerChainID        = "X-Chain-Id"
	headerProviderChain  = "X-Provider-Chain"
	headerFallbackReason = "X-Fallback-Reason"
	headerCacheHit       = "X-Cache-Hit"
	headerReplay         = "X-Idempotent-Replay"
)

// RouteRecommendations is the route key the toggle config addresses.
const RouteRecommendations = "ai-recommendations"

const defaultQueueLimit = 20

type submitPayload struct {
	ProblemID   int64    `json:"problemId"`
	Rating      int      `json:"rating"`
	ReviewType  string   `json:"reviewType,omitempty"`
	ElapsedDays *float64 `json:"elapsedDays,omitempty"`
	TimeSpentMs *int     `json:"timeSpentMs,omitempty"`
}

// handleSubmitReview grades one problem. The request id header is
// mandatory: replays of a completed submission return the stored
// response byte for byte.
func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	requestID := r.Header.Get(headerRequestID)
	if requestID == "" {
		s.writeError(w, r, fmt.Errorf("%s header required: %w", headerRequestID, domain.ErrInvalidInput))
		return
	}

	var p submitPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidInput))
		return
	}

	req := fsrs.SubmitRequest{
		UserID:      id.UserID,
		ProblemID:   p.ProblemID,
		Rating:      domain.Rating(p.Rating),
		ReviewType:  domain.ReviewType(p.ReviewType),
		ElapsedDays: p.ElapsedDays,
		TimeSpentMs: p.TimeSpentMs,
	}
	payload, replayed, err := s.deduper.Do(r.Context(), requestID, id.UserID, "review.submit",
		func(ctx context.Context) (any, error) {
			return s.reviews.SubmitReview(ctx, req)
		})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if replayed {
		w.Header().Set(headerReplay, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	limit, err := queryInt(r, "limit", defaultQueueLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.reviews.ReviewQueue(r.Context(), id.UserID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReviewStats(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	stats, err := s.reviews.Stats(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRecommendations serves the AI slate. The user is always the
// caller; there is no userId parameter to accept. Routing metadata
// travels in response headers so clients and probes can see which chain
// answered without parsing the body.
func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.recommender.Recommend(r.Context(), recommend.Query{
		UserID:    id.UserID,
		Limit:     limit,
		Objective: r.URL.Query().Get("objective"),
		Tier:      id.Tier,
		Route:     RouteRecommendations,
		TraceID:   traceFrom(r.Context()),
	})
	if err != nil {
		// Only caller cancellation reaches here; the pipeline degrades
		// internally.
		s.writeError(w, r, err)
		return
	}

	meta := resp.Meta
	if meta.ChainID != "" {
		w.Header().Set(headerChainID, meta.ChainID)
	}
	if len(meta.ChainHops) > 0 {
		w.Header().Set(headerProviderChain, formatHops(meta.ChainHops))
	}
	if meta.FallbackReason != "" {
		w.Header().Set(headerFallbackReason, meta.FallbackReason)
	}
	w.Header().Set(headerCacheHit, strconv.FormatBool(meta.Cached))
	w.Header().Set(headerTraceID, meta.TraceID)
	writeJSON(w, http.StatusOK, resp)
}

// handleOptimize triggers a parameter fit. Callers may only optimize
// themselves.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	uid, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || uid <= 0 {
		s.writeError(w, r, fmt.Errorf("bad user id: %w", domain.ErrInvalidInput))
		return
	}
	if uid != id.UserID {
		writeErrorMessage(w, r, http.StatusForbidden, "forbidden")
		return
	}

	result, err := s.optimizer.Optimize(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleHealthz reports liveness, and readiness when a probe was wired.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not an integer: %w", name, raw, domain.ErrInvalidInput)
	}
	return n, nil
}

func formatHops(hops []recommend.Hop) string {
	return strings.Join(lo.Map(hops, func(h recommend.Hop, _ int) string {
		return h.Node + ":" + h.Reason
	}), ",")
}
