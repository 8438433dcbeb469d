package web

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/vbonduro/ailab/internal/domain"
	"github.com/vbonduro/ailab/internal/session"
)

type sessionResponse struct {
	State session.State `json:"state"`
	Error string        `json:"error,omitempty"`
}

// sessionStatus maps controller errors onto HTTP statuses. Analysis
// failures fall through to statusFor.
func sessionStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNothingToRetry),
		errors.Is(err, session.ErrNotRetryable),
		errors.Is(err, session.ErrNothingToCancel):
		return http.StatusConflict
	case errors.Is(err, session.ErrImageNotFound):
		return http.StatusNotFound
	default:
		return statusFor(err)
	}
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, state session.State, err error) {
	if err == nil {
		s.writeJSON(w, http.StatusOK, sessionResponse{State: state})
		return
	}
	status := sessionStatus(err)
	s.logger.Info("session request rejected",
		"device", deviceFromContext(r.Context()),
		"request_id", requestIDFromContext(r.Context()),
		"status", status,
		"error", err,
	)
	msg := err.Error()
	if state.Error != nil && state.Error.Title != "" {
		msg = state.Error.Title
	}
	s.writeJSON(w, status, sessionResponse{State: state, Error: msg})
}

func (s *Server) controller(r *http.Request) *session.Controller {
	return s.sessions.Get(deviceFromContext(r.Context()))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return domain.ValidationError("invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, sessionResponse{State: s.controller(r).State()})
}

func (s *Server) handleSessionLab(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lab string `json:"lab"`
	}
	ctrl := s.controller(r)
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeSession(w, r, ctrl.State(), err)
		return
	}
	state, err := ctrl.SelectLab(body.Lab)
	s.writeSession(w, r, state, err)
}

func (s *Server) handleSessionMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	ctrl := s.controller(r)
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeSession(w, r, ctrl.State(), err)
		return
	}
	state, err := ctrl.SetMode(body.Mode)
	s.writeSession(w, r, state, err)
}

// handleSessionAddImages stages images from a multipart "images" form or a
// JSON body of data URIs.
func (s *Server) handleSessionAddImages(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(r)

	var (
		images []domain.UploadedImage
		err    error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err = s.parseMultipart(w, r); err != nil {
			s.writeSession(w, r, ctrl.State(), err)
			return
		}
		defer s.removeMultipart(r)
		images, err = s.intake.FromMultipart(r.MultipartForm.File["images"])
	} else {
		var body struct {
			Images []string `json:"images"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.maxJSONBody())
		if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
			err = domain.ValidationError("invalid JSON body: %v", err)
		} else {
			images, err = s.intake.FromDataURIs(body.Images)
		}
	}
	if err != nil {
		s.writeSession(w, r, ctrl.State(), err)
		return
	}

	state, err := ctrl.AddImages(images...)
	s.writeSession(w, r, state, err)
}

func (s *Server) handleSessionRemoveImage(w http.ResponseWriter, r *http.Request) {
	state, err := s.controller(r).RemoveImage(r.PathValue("id"))
	s.writeSession(w, r, state, err)
}

// handleSessionSubmit blocks until the run finishes. Clients poll
// GET /api/session for progress meanwhile.
func (s *Server) handleSessionSubmit(w http.ResponseWriter, r *http.Request) {
	state, err := s.controller(r).Submit(r.Context())
	s.writeSession(w, r, state, err)
}

func (s *Server) handleSessionRetry(w http.ResponseWriter, r *http.Request) {
	state, err := s.controller(r).Retry(r.Context())
	s.writeSession(w, r, state, err)
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(r)
	err := ctrl.Cancel()
	s.writeSession(w, r, ctrl.State(), err)
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	device := deviceFromContext(r.Context())
	s.sessions.Delete(device)
	s.writeJSON(w, http.StatusOK, sessionResponse{State: s.sessions.Get(device).State()})
}
