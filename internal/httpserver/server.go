package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/auth"
	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/dispatcher"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/feed"
	"github.com/ILLUVRSE/evolution/internal/harvest"
	"github.com/ILLUVRSE/evolution/internal/hotswap"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/orchestrator"
	"github.com/ILLUVRSE/evolution/internal/store"
)

type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Feed         *feed.Aggregator
	Failures     *harvest.Harvester
	Policy       *config.PolicyStore
	Verifier     *auth.Verifier
	Logger       *logging.Logger
}

type Server struct {
	cfg      config.Config
	orch     *orchestrator.Orchestrator
	feed     *feed.Aggregator
	failures *harvest.Harvester
	policy   *config.PolicyStore
	verifier *auth.Verifier
	logger   *logging.Logger
	limiter  *callerLimiter
}

func New(cfg config.Config, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		cfg:      cfg,
		orch:     d.Orchestrator,
		feed:     d.Feed,
		failures: d.Failures,
		policy:   d.Policy,
		verifier: d.Verifier,
		logger:   logger.Named("http"),
		limiter:  newCallerLimiter(d.Policy),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestContext)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.orch.Metrics().Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAnyRole(auth.RoleFeed, auth.RoleOperator))
			r.With(s.rateLimit).Post("/feed/submissions", s.handleSubmit)
			r.Post("/failures", s.handleIngestFailures)
		})

		r.Route("/trainer", func(r chi.Router) {
			r.Use(auth.RequireAnyRole(auth.RoleTrainer))
			r.Post("/claim", s.handleClaim)
			r.Post("/jobs/{id}/heartbeat", s.handleHeartbeat)
			r.Post("/jobs/{id}/complete", s.handleComplete)
			r.Post("/jobs/{id}/fail", s.handleFail)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Use(auth.RequireAnyRole(auth.RoleAuditor, auth.RoleOperator))
			r.Get("/entries", s.handleLedgerEntries)
			r.Get("/jobs/{id}", s.handleLedgerJob)
			r.Post("/verify", s.handleLedgerVerify)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAnyRole(auth.RoleOperator))
			r.Post("/cycle", s.handleRunCycle)
			r.Post("/policy/reload", s.handlePolicyReload)
			r.Get("/policy", s.handlePolicy)
			r.Get("/blocks", s.handleBlocks)
			r.Post("/blocks/{id}/rollback", s.handleRollback)
			r.Post("/halt/clear", s.handleClearHalt)
			r.Get("/quota", s.handleQuota)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
		})
	})

	return r
}

// requestContext copies the chi request id into the logging context.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	halted, reason := s.orch.Governor().Halted()
	status := map[string]interface{}{
		"ok":            true,
		"time":          time.Now().UTC(),
		"policyVersion": s.policy.Current().Version,
		"halted":        halted,
	}
	if halted {
		status["haltReason"] = reason
	}
	if err := s.orch.Store().Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// caller names the principal for worker ids, operator notes and rate limiting.
func caller(r *http.Request) string {
	if p := auth.FromContext(r.Context()); p != nil && p.Subject != "" {
		return p.Subject
	}
	return r.RemoteAddr
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondErr maps domain errors onto status codes and carries the reason code when there
// is one.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := map[string]string{"error": err.Error()}
	if code := failure.CodeOf(err, ""); code != "" {
		body["code"] = code
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	respondJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrWrongWorker),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, orchestrator.ErrCycleRunning),
		errors.Is(err, hotswap.ErrPromotionInFlight):
		return http.StatusConflict
	case errors.Is(err, feed.ErrInvalidSubmission),
		errors.Is(err, harvest.ErrInvalidFailure),
		errors.Is(err, config.ErrInvalidPolicy):
		return http.StatusBadRequest
	}
	switch failure.KindOf(err) {
	case failure.Transient, failure.Integrity:
		return http.StatusServiceUnavailable
	case failure.Policy:
		return http.StatusUnprocessableEntity
	case failure.Resource:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
