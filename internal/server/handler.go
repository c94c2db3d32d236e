package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/howard-nolan/evalgate/internal/gateway"
	"github.com/howard-nolan/evalgate/internal/inflight"
	"github.com/howard-nolan/evalgate/internal/model"
	"github.com/howard-nolan/evalgate/internal/provider"
	"github.com/howard-nolan/evalgate/internal/stream"
)

// maxBodyBytes caps request bodies. Quiz evaluations carry every question,
// so this is generous.
const maxBodyBytes = 1 << 20

// handleHealth is a liveness check that also checks storage when it is
// wired in.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.log.WithError(err).Warn("health check failed")
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvaluateNote handles POST /v1/notes/{subjectID}/evaluate. With
// ?stream=false it answers with a single JSON document instead of a chunk
// stream.
func (s *Server) handleEvaluateNote(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluationRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.SubjectID = chi.URLParam(r, "subjectID")
	user := userID(r)

	if r.URL.Query().Get("stream") == "false" {
		s.withGuard(w, r, req.SubjectID, func() {
			fb, err := s.gateway.EvaluateNoteOnce(r.Context(), user, req)
			if err != nil {
				s.writeGatewayError(w, err)
				return
			}
			s.writeJSON(w, http.StatusOK, fb)
		})
		return
	}

	s.serveStream(w, r, req.SubjectID, func(ctx context.Context, sink gateway.Sink) error {
		return s.gateway.EvaluateNote(ctx, user, req, sink)
	})
}

// handleGenerateQuiz handles POST /v1/quizzes/{subjectID}/generate.
func (s *Server) handleGenerateQuiz(w http.ResponseWriter, r *http.Request) {
	var req model.QuizGenerationRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.SubjectID = chi.URLParam(r, "subjectID")
	user := userID(r)

	s.serveStream(w, r, req.SubjectID, func(ctx context.Context, sink gateway.Sink) error {
		return s.gateway.GenerateQuiz(ctx, user, req, sink)
	})
}

// handleEvaluateQuiz handles POST /v1/quizzes/{subjectID}/evaluate.
func (s *Server) handleEvaluateQuiz(w http.ResponseWriter, r *http.Request) {
	var req model.QuizEvaluationRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.SubjectID = chi.URLParam(r, "subjectID")
	user := userID(r)

	s.serveStream(w, r, req.SubjectID, func(ctx context.Context, sink gateway.Sink) error {
		return s.gateway.EvaluateQuiz(ctx, user, req, sink)
	})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	if s.account == nil {
		s.writeError(w, http.StatusNotFound, "billing is disabled")
		return
	}
	user := userID(r)
	balance, err := s.account.Balance(r.Context(), user)
	if err != nil {
		s.log.WithError(err).Error("reading balance")
		s.writeError(w, http.StatusInternalServerError, "could not read balance")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "balance": balance})
}

// handleUsage lists the caller's recent usage entries, newest first.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.account == nil {
		s.writeError(w, http.StatusNotFound, "usage history is disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	logs, err := s.account.UsageLogs(r.Context(), userID(r), limit)
	if err != nil {
		s.log.WithError(err).Error("reading usage logs")
		s.writeError(w, http.StatusInternalServerError, "could not read usage")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"usage": logs})
}

// serveStream runs a gateway operation against an NDJSON chunk writer. Errors
// returned before the first chunk become plain HTTP errors; later ones
// were already delivered as an error chunk.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, subjectID string, run func(context.Context, gateway.Sink) error) {
	s.withGuard(w, r, subjectID, func() {
		sw, err := stream.NewWriter(w)
		if err != nil {
			s.log.WithError(err).Error("streaming unsupported")
			s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		if err := run(r.Context(), sw); err != nil && !sw.Started() {
			s.writeGatewayError(w, err)
		}
	})
}

// withGuard runs fn while holding the subject's in-flight slot.
func (s *Server) withGuard(w http.ResponseWriter, r *http.Request, subjectID string, fn func()) {
	if subjectID == "" {
		s.writeError(w, http.StatusBadRequest, "missing subject id")
		return
	}
	release, err := s.guard.Acquire(r.Context(), subjectID)
	if errors.Is(err, inflight.ErrBusy) {
		s.writeError(w, http.StatusConflict, "a request for this subject is already running")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("in-flight guard unavailable")
		s.writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	defer release()
	fn()
}

// writeGatewayError maps a gateway error to a status code. The message is
// always the redacted one.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	var te *provider.TransportError
	switch {
	case gateway.IsConfigError(err):
		s.writeError(w, http.StatusBadRequest, gateway.Redact(err))
	case errors.Is(err, context.Canceled):
		// The client is gone.
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusBadGateway, gateway.Redact(err))
	default:
		s.writeError(w, http.StatusInternalServerError, gateway.Redact(err))
	}
}

// decode reads a JSON body into v, answering 400 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON answers with v. Once the header is out the status cannot
// change, so an encode failure is only logged.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).WithField("status", status).Debug("writing response body")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
