package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/repo/postgres"
	"github.com/forsitet/fwbot/internal/service"
)

// QueueStats reports the backlog sizes.
type QueueStats interface {
	QueueCounts(ctx context.Context) (postgres.QueueCounts, error)
}

type Server struct {
	app    *service.App
	queues QueueStats
	logger *slog.Logger
}

func NewServer(app *service.App, queues QueueStats, logger *slog.Logger) *Server {
	return &Server{
		app:    app,
		queues: queues,
		logger: logger,
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, status int, code domain.ErrorCode, message string) {
	resp := errorResponse{
		Error: apiError{
			Code:    string(code),
			Message: message,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var de *domain.DomainError
	if errors.As(err, &de) {
		status := http.StatusInternalServerError

		switch de.Code {
		case domain.ErrorCodeInvalidPayload, domain.ErrorCodeBadSequence:
			status = http.StatusBadRequest
		case domain.ErrorCodeNotFound:
			status = http.StatusNotFound
		case domain.ErrorCodeUnknownBranch:
			status = http.StatusUnprocessableEntity
		case domain.ErrorCodeMissingToken, domain.ErrorCodeMissingFork:
			status = http.StatusConflict
		}

		s.writeDomainError(w, status, de.Code, de.Message)
		return
	}

	if errors.Is(err, domain.ErrLocked) {
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: apiError{Code: "LOCKED", Message: "record is being processed, retry later"}})
		return
	}

	s.logger.Error("unexpected error", "error", err)
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: apiError{Code: "INTERNAL", Message: "internal server error"}})
}

// decode reads a JSON body into v, answering 400 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeDomainError(w, http.StatusBadRequest, domain.ErrorCodeInvalidPayload, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) HandleQueues(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queues.QueueCounts(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}
