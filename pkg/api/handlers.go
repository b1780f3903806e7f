package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/matrx/orchestrator/pkg/manager"
	"github.com/matrx/orchestrator/pkg/store"
	"github.com/matrx/orchestrator/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// mapDomainError translates manager/store sentinels into HTTP statuses.
// Raw runtime errors never reach the client beyond a generic 500.
func mapDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "sandbox not found")
	case errors.Is(err, manager.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manager.ErrNotRunning):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manager.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "matrx-orchestrator",
		"version": Version,
		"status":  "running",
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	active, err := s.manager.ActiveCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:          "healthy",
		ActiveSandboxes: active,
		UptimeSeconds:   time.Since(s.started).Seconds(),
	})
}

func (s *Server) createHandler(w http.ResponseWriter, r *http.Request) {
	var req types.CreateSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	// Storage provisioning failures never block sandbox creation
	if s.objects != nil {
		if err := s.objects.EnsureUserStorage(r.Context(), req.UserID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("failed to ensure user storage")
		}
	}

	rec, err := s.manager.Create(r.Context(), req.UserID, req.Config)
	if err != nil {
		if errors.Is(err, manager.ErrValidation) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create sandbox")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := s.manager.List(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, types.SandboxListResponse{Sandboxes: recs, Total: len(recs)})
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		mapDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) execHandler(w http.ResponseWriter, r *http.Request) {
	var req types.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Normalize()
	if err := req.Validate(s.cfg.MaxCommandLength); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.manager.Exec(r.Context(), r.PathValue("id"), req.Command, req.User, req.Timeout, req.Cwd)
	if err != nil {
		mapDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) accessHandler(w http.ResponseWriter, r *http.Request) {
	creds, err := s.manager.GenerateAccess(r.Context(), r.PathValue("id"))
	if err != nil {
		mapDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.manager.Heartbeat(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}
	writeJSON(w, http.StatusOK, types.HeartbeatResponse{Acknowledged: true, SandboxID: id})
}

// completeHandler acknowledges the agent's completion report and tears
// the sandbox down in the background; the agent treats any 2xx as final
// so the response must not wait out the stop grace period.
func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req types.CompleteRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	rec, err := s.manager.Get(r.Context(), id)
	if err != nil {
		mapDomainError(w, err)
		return
	}
	s.logger.Info().Str("sandbox_id", id).Str("user_id", rec.UserID).Msg("sandbox reported complete")

	s.destroyAsync(id, types.StopReasonGracefulShutdown)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     string(types.StatusShuttingDown),
		"sandbox_id": id,
	})
}

func (s *Server) errorHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req types.ErrorReport
	_ = json.NewDecoder(r.Body).Decode(&req)

	rec, err := s.manager.Get(r.Context(), id)
	if err != nil {
		mapDomainError(w, err)
		return
	}
	s.logger.Error().
		Str("sandbox_id", id).
		Str("user_id", rec.UserID).
		Str("error", req.Error).
		Interface("details", req.Details).
		Msg("sandbox reported error")

	s.destroyAsync(id, types.StopReasonError)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         string(types.StatusShuttingDown),
		"sandbox_id":     id,
		"error_received": true,
	})
}

func (s *Server) destroyAsync(id string, reason types.StopReason) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.manager.Destroy(ctx, id, true, reason); err != nil && !errors.Is(err, manager.ErrTerminal) {
			s.logger.Error().Err(err).Str("sandbox_id", id).Msg("background destroy failed")
		}
	}()
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	graceful := true
	if v := r.URL.Query().Get("graceful"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "graceful must be a boolean")
			return
		}
		graceful = b
	}

	if err := s.manager.Destroy(r.Context(), r.PathValue("id"), graceful, types.StopReasonUserRequested); err != nil {
		mapDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = n
	}

	logs, err := s.manager.Logs(r.Context(), r.PathValue("id"), tail)
	if err != nil {
		mapDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		mapDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
