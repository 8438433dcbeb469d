package web

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"

	"github.com/vbonduro/ailab/internal/analysis"
	"github.com/vbonduro/ailab/internal/domain"
	"github.com/vbonduro/ailab/internal/intake"
	"github.com/vbonduro/ailab/internal/lab"
	"github.com/vbonduro/ailab/internal/session"
)

// labService is the subset of service.LabService the handlers require.
type labService interface {
	Labs() []lab.Lab
	Lab(cat domain.Category) (lab.Lab, bool)
	MaxImages() int
	ErrorMessage(err error) lab.ErrorMessage
	Analyze(ctx context.Context, device string, req domain.AnalysisRequest, observe analysis.Observer) (*domain.AnalysisResult, error)
	History(ctx context.Context, device string) ([]domain.AnalysisResult, error)
	ClearHistory(ctx context.Context, device string) error
}

type Server struct {
	service   labService
	sessions  *session.Manager
	intake    *intake.Processor
	templates embed.FS
	markdown  goldmark.Markdown
	mux       *http.ServeMux
	tmplFuncs template.FuncMap
	logger    *slog.Logger
	// maxUploadBytes caps a whole multipart request body.
	maxUploadBytes int64
}

func NewServer(svc labService, sessions *session.Manager, proc *intake.Processor, tmpl embed.FS, logger *slog.Logger) *Server {
	s := &Server{
		service:        svc,
		sessions:       sessions,
		intake:         proc,
		templates:      tmpl,
		mux:            http.NewServeMux(),
		logger:         logger,
		maxUploadBytes: uploadLimit(proc.MaxImages()),
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(goldmarkHTML.WithHardWraps()),
		),
	}
	s.tmplFuncs = template.FuncMap{
		"markdown":   s.renderMarkdown,
		"inc":        func(i int) int { return i + 1 },
		"formatTime": func(t time.Time) string { return t.Local().Format("2006-01-02 15:04") },
		"labTitle":   s.labTitle,
		"labIcon":    s.labIcon,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /labs/{lab}", s.handleLabPage)
	s.mux.HandleFunc("POST /labs/{lab}/analyze", s.handleAnalyzeForm)
	s.mux.HandleFunc("POST /retry", s.handleRetryForm)
	s.mux.HandleFunc("GET /history", s.handleHistoryPage)
	s.mux.HandleFunc("POST /history/clear", s.handleClearHistoryForm)
	s.mux.HandleFunc("GET /healthcheck", s.handleHealthcheck)

	s.mux.HandleFunc("GET /api/labs", s.handleAPILabs)
	s.mux.HandleFunc("POST /api/analyze", s.handleAPIAnalyze)
	s.mux.HandleFunc("POST /api/analyze/stream", s.handleAPIAnalyzeStream)
	s.mux.HandleFunc("GET /api/history", s.handleAPIHistory)
	s.mux.HandleFunc("DELETE /api/history", s.handleAPIClearHistory)

	s.mux.HandleFunc("GET /api/session", s.handleSessionState)
	s.mux.HandleFunc("PUT /api/session/lab", s.handleSessionLab)
	s.mux.HandleFunc("PUT /api/session/mode", s.handleSessionMode)
	s.mux.HandleFunc("POST /api/session/images", s.handleSessionAddImages)
	s.mux.HandleFunc("DELETE /api/session/images/{id}", s.handleSessionRemoveImage)
	s.mux.HandleFunc("POST /api/session/submit", s.handleSessionSubmit)
	s.mux.HandleFunc("POST /api/session/retry", s.handleSessionRetry)
	s.mux.HandleFunc("POST /api/session/cancel", s.handleSessionCancel)
	s.mux.HandleFunc("DELETE /api/session", s.handleSessionReset)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID(requestLogger(s.logger, securityHeaders(deviceScope(s.mux)))).ServeHTTP(w, r)
}

// NewHTTPServer returns an http.Server for addr. Callers own its lifecycle.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Sequential runs of several images can take minutes.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
}

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("starting server", "addr", addr)
	return s.NewHTTPServer(addr).ListenAndServe()
}

// renderPage parses and executes a full-page template set.
func (s *Server) renderPage(w http.ResponseWriter, status int, data any, files ...string) error {
	tmpl, err := template.New("").Funcs(s.tmplFuncs).ParseFS(s.templates, files...)
	if err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
		return err
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", data); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err = buf.WriteTo(w)
	return err
}

// renderMarkdown turns model output into HTML. Raw HTML in the source is
// dropped by goldmark's default renderer.
func (s *Server) renderMarkdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(src), &buf); err != nil {
		s.logger.Warn("failed to render markdown", "error", err)
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(buf.String()) // #nosec G203 -- goldmark output with unsafe HTML disabled
}

func (s *Server) labTitle(cat domain.Category) string {
	if l, ok := s.service.Lab(cat); ok {
		return l.Title
	}
	return string(cat)
}

func (s *Server) labIcon(cat domain.Category) string {
	if l, ok := s.service.Lab(cat); ok {
		return l.Icon
	}
	return "🔬"
}

// lookupLab resolves the {lab} path value, accepting legacy aliases.
func (s *Server) lookupLab(name string) (lab.Lab, bool) {
	cat, ok := domain.ParseCategory(strings.TrimSpace(name))
	if !ok {
		return lab.Lab{}, false
	}
	return s.service.Lab(cat)
}
