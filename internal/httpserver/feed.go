package httpserver

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/feed"
	"github.com/ILLUVRSE/evolution/internal/harvest"
)

// callerLimiter keeps one token bucket per caller, sized from the current policy. A policy
// reload that changes the limits resets the caller's bucket.
type callerLimiter struct {
	policy *config.PolicyStore
	mu     sync.Mutex
	byKey  map[string]*rate.Limiter
}

func newCallerLimiter(policy *config.PolicyStore) *callerLimiter {
	return &callerLimiter{policy: policy, byKey: map[string]*rate.Limiter{}}
}

func (c *callerLimiter) Allow(key string) bool {
	fp := c.policy.Current().Feed
	limit := rate.Limit(fp.RateLimit)
	c.mu.Lock()
	l, ok := c.byKey[key]
	if !ok || l.Limit() != limit || l.Burst() != fp.Burst {
		l = rate.NewLimiter(limit, fp.Burst)
		c.byKey[key] = l
	}
	c.mu.Unlock()
	return l.Allow()
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(caller(r)) {
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in feed.SubmissionInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := s.feed.Submit(r.Context(), in)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.orch.Metrics().RecordSubmission(string(outcome))
	status := http.StatusAccepted
	if outcome != feed.OutcomeAccepted {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]string{"outcome": string(outcome), "key": feed.Key(in)})
}

type ingestRequest struct {
	Failures []harvest.FailureInput `json:"failures"`
}

func (s *Server) handleIngestFailures(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Failures) == 0 {
		respondError(w, http.StatusBadRequest, "failures required")
		return
	}
	report, err := s.failures.Ingest(r.Context(), req.Failures)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.logger.Info(r.Context(), "failures ingested", zap.Int("accepted", report.Accepted), zap.Int("duplicates", report.Duplicates))
	respondJSON(w, http.StatusOK, report)
}
