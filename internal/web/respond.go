package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/vbonduro/ailab/internal/domain"
)

// statusClientClosedRequest is the nginx convention for a caller that went
// away before the response was ready.
const statusClientClosedRequest = 499

// statusFor maps an analysis failure onto an HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInputValidation:
		return http.StatusBadRequest
	case domain.KindUpstreamService:
		if domain.IsRefusal(err) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	case domain.KindMalformedResponse:
		return http.StatusBadGateway
	case domain.KindNetworkTransport:
		return http.StatusGatewayTimeout
	case domain.KindCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error       string           `json:"error"`
	Kind        domain.ErrorKind `json:"kind"`
	Refusal     bool             `json:"refusal"`
	Title       string           `json:"title"`
	Message     string           `json:"message,omitempty"`
	Detail      string           `json:"detail,omitempty"`
	Suggestions []string         `json:"suggestions"`
	Retryable   bool             `json:"retryable"`
}

func (s *Server) failureBody(err error) errorResponse {
	msg := s.service.ErrorMessage(err)
	resp := errorResponse{
		Error:       msg.Title,
		Kind:        domain.KindOf(err),
		Refusal:     domain.IsRefusal(err),
		Title:       msg.Title,
		Message:     msg.Message,
		Suggestions: msg.Suggestions,
		Retryable:   msg.Retry,
	}
	if msg.Message != "" {
		resp.Error = msg.Message
	}
	// Validation messages describe the caller's own input.
	if resp.Kind == domain.KindInputValidation {
		resp.Detail = domain.AsAnalysisError(err).Message
	}
	return resp
}

func (s *Server) writeAnalysisError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "analysis failed",
		"device", deviceFromContext(r.Context()),
		"request_id", requestIDFromContext(r.Context()),
		"kind", domain.KindOf(err),
		"error", err,
	)
	s.writeJSON(w, status, s.failureBody(err))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeMessage writes a plain {"error": msg} body for non-analysis failures.
func (s *Server) writeMessage(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func closeWithLog(c io.Closer, label string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close "+label, "error", err)
	}
}
