package service

import (
	"context"
	"log/slog"

	"github.com/vbonduro/ailab/internal/analysis"
	"github.com/vbonduro/ailab/internal/domain"
	"github.com/vbonduro/ailab/internal/lab"
)

// analyzer is the subset of analysis.Orchestrator that LabService requires.
type analyzer interface {
	Run(ctx context.Context, req domain.AnalysisRequest, observe analysis.Observer) (*domain.AnalysisResult, error)
	MaxImages() int
}

// historyRepository is the subset of history.Store that LabService requires.
type historyRepository interface {
	Load(ctx context.Context, device string) ([]domain.AnalysisResult, error)
	Append(ctx context.Context, device string, result domain.AnalysisResult) ([]domain.AnalysisResult, error)
	Import(ctx context.Context, device string, data []byte) (int, error)
	Clear(ctx context.Context, device string) error
}

// labCatalog is the subset of lab.Catalog that LabService requires.
type labCatalog interface {
	Labs() []lab.Lab
	Lab(cat domain.Category) (lab.Lab, bool)
	MessageFor(err error) lab.ErrorMessage
}

type LabService struct {
	analyzer analyzer
	history  historyRepository
	catalog  labCatalog
	logger   *slog.Logger
}

func NewLabService(analyzer analyzer, history historyRepository, catalog labCatalog, logger *slog.Logger) *LabService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LabService{
		analyzer: analyzer,
		history:  history,
		catalog:  catalog,
		logger:   logger,
	}
}

func (s *LabService) Labs() []lab.Lab {
	return s.catalog.Labs()
}

func (s *LabService) Lab(cat domain.Category) (lab.Lab, bool) {
	return s.catalog.Lab(cat)
}

func (s *LabService) MaxImages() int {
	return s.analyzer.MaxImages()
}

// ErrorMessage returns the user-facing title, suggestions and retry flag
// for a failed analysis.
func (s *LabService) ErrorMessage(err error) lab.ErrorMessage {
	return s.catalog.MessageFor(err)
}

// Analyze runs req and records a successful result in the device's history.
// A history write failure is logged and does not fail the analysis.
func (s *LabService) Analyze(ctx context.Context, device string, req domain.AnalysisRequest, observe analysis.Observer) (*domain.AnalysisResult, error) {
	result, err := s.analyzer.Run(ctx, req, observe)
	if err != nil {
		return nil, err
	}

	if _, err := s.history.Append(context.WithoutCancel(ctx), device, *result); err != nil {
		s.logger.Error("failed to append history", "device", device, "result_id", result.ID, "error", err)
	}
	return result, nil
}

func (s *LabService) History(ctx context.Context, device string) ([]domain.AnalysisResult, error) {
	return s.history.Load(ctx, device)
}

func (s *LabService) ClearHistory(ctx context.Context, device string) error {
	if err := s.history.Clear(ctx, device); err != nil {
		return err
	}
	s.logger.Info("history cleared", "device", device)
	return nil
}

func (s *LabService) ImportHistory(ctx context.Context, device string, data []byte) (int, error) {
	n, err := s.history.Import(ctx, device, data)
	if err != nil {
		return 0, err
	}
	s.logger.Info("history imported", "device", device, "entries", n)
	return n, nil
}
