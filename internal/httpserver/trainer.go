package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/evolution/internal/dispatcher"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
)

type workerRequest struct {
	WorkerID string `json:"workerId"`
}

type failRequest struct {
	WorkerID string `json:"workerId"`
	Detail   string `json:"detail"`
}

type completeRequest struct {
	WorkerID string `json:"workerId"`
	models.TrainingResult
}

// workerID prefers an explicit id from the body so one credential can drive several workers.
func workerID(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return caller(r)
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(w, r, v)
}

func jobParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := decodeOptional(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.orch.Dispatcher().Claim(r.Context(), workerID(r, req.WorkerID))
	if errors.Is(err, dispatcher.ErrNoJob) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := jobParam(w, r)
	if !ok {
		return
	}
	var req workerRequest
	if err := decodeOptional(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := logging.WithJobID(r.Context(), id.String())
	job, err := s.orch.Dispatcher().Heartbeat(ctx, id, workerID(r, req.WorkerID))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := jobParam(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := logging.WithJobID(r.Context(), id.String())
	out, err := s.orch.CompleteJob(ctx, id, workerID(r, req.WorkerID), req.TrainingResult)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id, ok := jobParam(w, r)
	if !ok {
		return
	}
	var req failRequest
	if err := decodeOptional(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := logging.WithJobID(r.Context(), id.String())
	job, err := s.orch.Dispatcher().Fail(ctx, id, workerID(r, req.WorkerID), req.Detail)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}
