package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/store"
)

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	s.logger.Info(r.Context(), "cycle requested", zap.String("operator", caller(r)))
	report, err := s.orch.RunCycle(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handlePolicyReload applies the document in the body, or re-reads the configured policy
// file when the body is empty.
func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var (
		p       *config.Policy
		applied bool
	)
	if len(strings.TrimSpace(string(raw))) > 0 {
		p, applied, err = s.policy.Reload(raw)
	} else {
		if s.cfg.PolicyPath == "" {
			respondError(w, http.StatusBadRequest, "no policy file configured; send the document in the body")
			return
		}
		var next *config.Policy
		next, err = config.LoadPolicyFile(s.cfg.PolicyPath)
		if err == nil {
			p, applied, err = s.policy.Apply(next)
		}
	}
	if err != nil {
		s.logger.Warn(r.Context(), "policy reload rejected", zap.Error(err))
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":  p.Version,
		"checksum": p.Checksum,
		"applied":  applied,
	})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.policy.Current())
}

type blockView struct {
	models.SkillBlock
	Live      *models.LiveArtifact `json:"live,omitempty"`
	SwapState string               `json:"swapState"`
	// Monitoring is set while a fresh promotion is inside its health window.
	Monitoring bool `json:"monitoring"`
}

// handleBlocks lists every block with a recent snapshot or a live artifact.
func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.feed.Snapshots(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	hs := s.orch.HotSwap()
	seen := map[string]bool{}
	out := make([]blockView, 0, len(snaps))
	for _, b := range snaps {
		seen[b.ID] = true
		out = append(out, blockView{SkillBlock: b, Live: hs.Live(b.ID), SwapState: hs.State(b.ID).String(), Monitoring: hs.Monitoring(b.ID)})
	}
	for _, live := range hs.LiveArtifacts() {
		if seen[live.BlockID] {
			continue
		}
		live := live
		out = append(out, blockView{SkillBlock: models.SkillBlock{ID: live.BlockID}, Live: &live,
			SwapState: hs.State(live.BlockID).String(), Monitoring: hs.Monitoring(live.BlockID)})
	}
	respondJSON(w, http.StatusOK, out)
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeOptional(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = failure.CodeOperatorRollback
	}
	rb, err := s.orch.RollBack(r.Context(), chi.URLParam(r, "id"), caller(r), reason)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rb)
}

type clearHaltRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleClearHalt(w http.ResponseWriter, r *http.Request) {
	var req clearHaltRequest
	if err := decodeOptional(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cleared, err := s.orch.ClearHalt(r.Context(), caller(r), req.Note)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.Governor().Snapshot())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{BlockID: r.URL.Query().Get("block")}
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			st, err := models.ParseJobStatus(strings.TrimSpace(part))
			if err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit", 50); err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	jobs, err := s.orch.Store().ListJobs(r.Context(), filter)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

type jobDetail struct {
	Job    models.JobSpec         `json:"job"`
	Result *models.TrainingResult `json:"result,omitempty"`
	Canary *models.CanaryReport   `json:"canary,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobParam(w, r)
	if !ok {
		return
	}
	st := s.orch.Store()
	job, err := st.GetJob(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	detail := jobDetail{Job: job}
	if res, err := st.GetResult(r.Context(), id); err == nil {
		detail.Result = &res
	} else if !errors.Is(err, store.ErrNotFound) {
		s.respondErr(w, r, err)
		return
	}
	if rep, err := st.GetCanaryReport(r.Context(), id); err == nil {
		detail.Canary = &rep
	} else if !errors.Is(err, store.ErrNotFound) {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}
