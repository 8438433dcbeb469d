package web

import (
	"errors"
	"net/http"

	"github.com/vbonduro/ailab/internal/domain"
	"github.com/vbonduro/ailab/internal/lab"
	"github.com/vbonduro/ailab/internal/session"
)

var pageModes = []domain.Mode{domain.ModeCombined, domain.ModeSequential}

type errorPage struct {
	lab.ErrorMessage
	Lab      domain.Category
	Detail   string
	CanRetry bool
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.renderPage(w, http.StatusOK, map[string]any{
		"Labs":      s.service.Labs(),
		"MaxImages": s.service.MaxImages(),
		"ActiveNav": "labs",
	}, "base.html", "pages/index.html"); err != nil {
		s.logger.Error("render index failed", "error", err)
	}
}

func (s *Server) handleLabPage(w http.ResponseWriter, r *http.Request) {
	l, ok := s.lookupLab(r.PathValue("lab"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := s.renderPage(w, http.StatusOK, map[string]any{
		"Lab":       l,
		"MaxImages": s.service.MaxImages(),
		"Modes":     pageModes,
		"ActiveNav": "labs",
	}, "base.html", "pages/lab.html"); err != nil {
		s.logger.Error("render lab page failed", "lab", l.Category, "error", err)
	}
}

// handleAnalyzeForm runs a form upload through the device's session so the
// result can be retried from the error page.
func (s *Server) handleAnalyzeForm(w http.ResponseWriter, r *http.Request) {
	labName := r.PathValue("lab")
	if _, ok := s.lookupLab(labName); !ok {
		http.NotFound(w, r)
		return
	}

	req, err := s.parseMultipartAnalyze(w, r, func(string) string { return labName })
	if err != nil {
		s.renderFailure(w, r, "", err, false)
		return
	}

	ctrl := s.controller(r)
	state := ctrl.State()
	if state.Phase == session.PhaseRunning || state.Phase == session.PhaseValidating {
		s.renderFailure(w, r, req.Category, session.ErrBusy, false)
		return
	}
	ctrl.Reset()
	if _, err := ctrl.SelectLab(string(req.Category)); err != nil {
		s.renderFailure(w, r, req.Category, err, false)
		return
	}
	if _, err := ctrl.SetMode(string(req.Mode)); err != nil {
		s.renderFailure(w, r, req.Category, err, false)
		return
	}
	if _, err := ctrl.AddImages(req.Images...); err != nil {
		s.renderFailure(w, r, req.Category, err, false)
		return
	}

	state, err = ctrl.Submit(r.Context())
	s.renderOutcome(w, r, state, err)
}

func (s *Server) handleRetryForm(w http.ResponseWriter, r *http.Request) {
	state, err := s.controller(r).Retry(r.Context())
	if errors.Is(err, session.ErrNothingToRetry) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.renderOutcome(w, r, state, err)
}

func (s *Server) renderOutcome(w http.ResponseWriter, r *http.Request, state session.State, err error) {
	if err != nil {
		s.renderFailure(w, r, state.Lab, err, state.CanRetry)
		return
	}
	if err := s.renderPage(w, http.StatusOK, map[string]any{
		"Result":    state.Result,
		"ActiveNav": "labs",
	}, "base.html", "pages/result.html", "partials/result_card.html"); err != nil {
		s.logger.Error("render result failed", "error", err)
	}
}

func (s *Server) renderFailure(w http.ResponseWriter, r *http.Request, cat domain.Category, err error, canRetry bool) {
	status := sessionStatus(err)
	s.logger.Warn("analysis page failed",
		"device", deviceFromContext(r.Context()),
		"request_id", requestIDFromContext(r.Context()),
		"lab", cat,
		"status", status,
		"error", err,
	)

	page := errorPage{
		ErrorMessage: s.service.ErrorMessage(err),
		Lab:          cat,
		CanRetry:     canRetry,
	}
	if domain.KindOf(err) == domain.KindInputValidation {
		page.Detail = domain.AsAnalysisError(err).Message
	}
	if errors.Is(err, session.ErrBusy) {
		page.Detail = err.Error()
	}
	if rerr := s.renderPage(w, status, map[string]any{
		"Error":     page,
		"ActiveNav": "labs",
	}, "base.html", "pages/error.html"); rerr != nil {
		s.logger.Error("render error page failed", "error", rerr)
	}
}

func (s *Server) handleHistoryPage(w http.ResponseWriter, r *http.Request) {
	device := deviceFromContext(r.Context())
	entries, err := s.service.History(r.Context(), device)
	if err != nil {
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		s.logger.Error("load history failed", "device", device, "error", err)
		return
	}
	if err := s.renderPage(w, http.StatusOK, map[string]any{
		"Entries":   entries,
		"ActiveNav": "history",
	}, "base.html", "pages/history.html", "partials/result_card.html"); err != nil {
		s.logger.Error("render history failed", "error", err)
	}
}

func (s *Server) handleClearHistoryForm(w http.ResponseWriter, r *http.Request) {
	device := deviceFromContext(r.Context())
	if err := s.service.ClearHistory(r.Context(), device); err != nil {
		http.Error(w, "failed to clear history", http.StatusInternalServerError)
		s.logger.Error("clear history failed", "device", device, "error", err)
		return
	}
	http.Redirect(w, r, "/history", http.StatusSeeOther)
}
