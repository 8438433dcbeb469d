package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/vbonduro/ailab/internal/analysis"
	"github.com/vbonduro/ailab/internal/blobstore"
	"github.com/vbonduro/ailab/internal/blobstore/local"
	"github.com/vbonduro/ailab/internal/config"
	"github.com/vbonduro/ailab/internal/db"
	"github.com/vbonduro/ailab/internal/domain"
	"github.com/vbonduro/ailab/internal/history"
	"github.com/vbonduro/ailab/internal/lab"
	"github.com/vbonduro/ailab/internal/logging"
	"github.com/vbonduro/ailab/internal/service"
	"github.com/vbonduro/ailab/internal/store"
	"github.com/vbonduro/ailab/internal/vision"
	claudevision "github.com/vbonduro/ailab/internal/vision/claude"
	geminivision "github.com/vbonduro/ailab/internal/vision/gemini"
	ollamavision "github.com/vbonduro/ailab/internal/vision/ollama"
	openaivision "github.com/vbonduro/ailab/internal/vision/openai"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	catalog  *lab.Catalog
	history  *history.Store
	service  *service.LabService
	cleanups []func()
}

// Close releases everything opened by newApp in reverse order.
func (a *app) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

// newApp loads configuration and wires the stack. The vision backend is only
// required when withVision is set, so history commands run without API keys.
func newApp(withVision bool) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil && withVision {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, cleanup, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, cleanups: []func(){cleanup}}

	a.catalog, err = loadCatalog(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	blobs, err := a.openBlobStore()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.history = history.NewStore(blobs, cfg.HistoryCap, logger)

	var completer vision.Completer = unavailableCompleter{}
	if withVision {
		completer, err = newCompleter(cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	orch := analysis.NewOrchestrator(completer, a.catalog, analysis.Options{
		MaxImages:   cfg.MaxImages,
		MaxTokens:   cfg.MaxTokens,
		CallTimeout: cfg.CallTimeout,
		DefaultMode: domain.Mode(cfg.AnalysisMode),
	}, logger)
	a.service = service.NewLabService(orch, a.history, a.catalog, logger)
	return a, nil
}

func loadCatalog(cfg *config.Config) (*lab.Catalog, error) {
	if cfg.LabsFile == "" {
		return lab.Default(), nil
	}
	return lab.LoadFile(cfg.LabsFile)
}

func (a *app) openBlobStore() (blobstore.BlobStore, error) {
	switch a.cfg.HistoryBackend {
	case "local":
		a.logger.Info("using local history store", "path", a.cfg.HistoryPath)
		return local.NewLocalBlobStore(a.cfg.HistoryPath)
	case "", "sqlite":
		database, err := db.Open(a.cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		a.cleanups = append(a.cleanups, func() { closeDB(database, a.logger) })
		a.logger.Info("using sqlite history store", "path", a.cfg.DBPath)
		return store.NewBlobStore(database), nil
	default:
		return nil, fmt.Errorf("unknown HISTORY_BACKEND %q", a.cfg.HistoryBackend)
	}
}

func closeDB(database *sql.DB, logger *slog.Logger) {
	if err := database.Close(); err != nil {
		logger.Error("failed to close database", "error", err)
	}
}

func newCompleter(cfg *config.Config, logger *slog.Logger) (vision.Completer, error) {
	switch cfg.VisionBackend {
	case "openai":
		logger.Info("using OpenAI vision backend", "model", cfg.OpenAIModel)
		return openaivision.NewCompleter(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL), nil
	case "claude":
		logger.Info("using Claude vision backend", "model", cfg.ClaudeModel)
		return claudevision.NewCompleter(cfg.ClaudeAPIKey, cfg.ClaudeModel, cfg.ClaudeBaseURL), nil
	case "gemini":
		logger.Info("using Gemini vision backend", "model", cfg.GeminiModel)
		return geminivision.NewCompleter(cfg.GeminiAPIKey, cfg.GeminiModel), nil
	case "ollama":
		logger.Info("using Ollama vision backend", "model", cfg.OllamaModel)
		return ollamavision.NewCompleter(cfg.OllamaHost, cfg.OllamaModel), nil
	default:
		return nil, fmt.Errorf("unknown VISION_BACKEND %q", cfg.VisionBackend)
	}
}

// unavailableCompleter backs commands that never analyze.
type unavailableCompleter struct{}

func (unavailableCompleter) Complete(context.Context, vision.CompletionRequest) (string, error) {
	return "", &domain.AnalysisError{Kind: domain.KindUnknown, Message: "no vision backend configured"}
}
