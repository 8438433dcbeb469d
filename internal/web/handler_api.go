package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/vbonduro/ailab/internal/domain"
	"github.com/vbonduro/ailab/internal/intake"
	"github.com/vbonduro/ailab/internal/lab"
)

// maxMultipartMemory is held in memory before multipart parts spill to disk.
const maxMultipartMemory = 32 << 20

type analyzeBody struct {
	LabType string   `json:"labType"`
	Images  []string `json:"images"`
	Mode    string   `json:"mode"`
}

type analyzeResponse struct {
	Success   bool                   `json:"success"`
	Analysis  string                 `json:"analysis"`
	Timestamp string                 `json:"timestamp"`
	Result    *domain.AnalysisResult `json:"result"`
}

func newAnalyzeResponse(result *domain.AnalysisResult) analyzeResponse {
	return analyzeResponse{
		Success:   true,
		Analysis:  result.Analysis,
		Timestamp: result.CreatedAt.UTC().Format(time.RFC3339),
		Result:    result,
	}
}

// uploadLimit bounds a multipart analyze or staging request: every image at
// full size plus room for the other fields.
func uploadLimit(maxImages int) int64 {
	return int64(maxImages)*intake.MaxImageSize + 1<<20
}

// maxJSONBody bounds a JSON analyze request: every image base64 encoded
// plus room for the envelope.
func (s *Server) maxJSONBody() int64 {
	return int64(s.intake.MaxImages())*intake.MaxImageSize*4/3 + 1<<20
}

// parseCategory resolves a lab name. An empty or unknown name is a
// validation error.
func parseCategory(name string) (domain.Category, error) {
	if name == "" {
		return "", domain.ValidationError("labType is required")
	}
	cat, ok := domain.ParseCategory(name)
	if !ok {
		return "", domain.ValidationError("unknown lab %q", name)
	}
	return cat, nil
}

// parseMode accepts an empty mode, which selects the server default.
func parseMode(name string) (domain.Mode, error) {
	if name == "" {
		return "", nil
	}
	mode, ok := domain.ParseMode(name)
	if !ok {
		return "", domain.ValidationError("unknown mode %q", name)
	}
	return mode, nil
}

// parseAnalyzeRequest reads either a JSON body of data URIs or a multipart
// form with "images" file parts.
func (s *Server) parseAnalyzeRequest(w http.ResponseWriter, r *http.Request) (domain.AnalysisRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return s.parseMultipartAnalyze(w, r, r.FormValue)
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxJSONBody())
	defer closeWithLog(r.Body, "request body", s.logger)

	var body analyzeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.AnalysisRequest{}, domain.ValidationError("request body exceeds %d bytes", tooLarge.Limit)
		}
		return domain.AnalysisRequest{}, domain.ValidationError("invalid JSON body: %v", err)
	}

	cat, err := parseCategory(body.LabType)
	if err != nil {
		return domain.AnalysisRequest{}, err
	}
	mode, err := parseMode(body.Mode)
	if err != nil {
		return domain.AnalysisRequest{}, err
	}
	images, err := s.intake.FromDataURIs(body.Images)
	if err != nil {
		return domain.AnalysisRequest{}, err
	}
	return domain.AnalysisRequest{Category: cat, Images: images, Mode: mode}, nil
}

// parseMultipart parses a multipart body, bounding its total size before
// any part is spooled to disk.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.ValidationError("request body exceeds %d bytes", tooLarge.Limit)
		}
		return domain.ValidationError("failed to parse form: %v", err)
	}
	return nil
}

func (s *Server) removeMultipart(r *http.Request) {
	if r.MultipartForm == nil {
		return
	}
	if err := r.MultipartForm.RemoveAll(); err != nil {
		s.logger.Warn("failed to remove multipart temp files", "error", err)
	}
}

// parseMultipartAnalyze reads the images of a multipart form. field looks up
// the lab name; form posts pass the path value instead of a form field.
func (s *Server) parseMultipartAnalyze(w http.ResponseWriter, r *http.Request, field func(string) string) (domain.AnalysisRequest, error) {
	if err := s.parseMultipart(w, r); err != nil {
		return domain.AnalysisRequest{}, err
	}
	defer s.removeMultipart(r)

	cat, err := parseCategory(field("labType"))
	if err != nil {
		return domain.AnalysisRequest{}, err
	}
	mode, err := parseMode(r.FormValue("mode"))
	if err != nil {
		return domain.AnalysisRequest{}, err
	}
	images, err := s.intake.FromMultipart(r.MultipartForm.File["images"])
	if err != nil {
		return domain.AnalysisRequest{}, err
	}
	return domain.AnalysisRequest{Category: cat, Images: images, Mode: mode}, nil
}

func (s *Server) handleAPILabs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, struct {
		Labs      []lab.Lab `json:"labs"`
		MaxImages int       `json:"maxImages"`
		Modes     []string  `json:"modes"`
	}{
		Labs:      s.service.Labs(),
		MaxImages: s.service.MaxImages(),
		Modes:     []string{string(domain.ModeCombined), string(domain.ModeSequential)},
	})
}

func (s *Server) handleAPIAnalyze(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseAnalyzeRequest(w, r)
	if err != nil {
		s.writeAnalysisError(w, r, err)
		return
	}

	device := deviceFromContext(r.Context())
	s.logger.Info("analysis requested",
		"device", device,
		"request_id", requestIDFromContext(r.Context()),
		"lab", req.Category,
		"mode", req.Mode,
		"images", len(req.Images),
	)

	result, err := s.service.Analyze(r.Context(), device, req, nil)
	if err != nil {
		s.writeAnalysisError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newAnalyzeResponse(result))
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	device := deviceFromContext(r.Context())
	entries, err := s.service.History(r.Context(), device)
	if err != nil {
		s.logger.Error("load history failed", "device", device, "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if entries == nil {
		entries = []domain.AnalysisResult{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAPIClearHistory(w http.ResponseWriter, r *http.Request) {
	device := deviceFromContext(r.Context())
	if err := s.service.ClearHistory(r.Context(), device); err != nil {
		s.logger.Error("clear history failed", "device", device, "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(w, "ok")
}
