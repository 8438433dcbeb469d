// Package analysis turns an AnalysisRequest into a single AnalysisResult by
// driving the vision completion service, either in one combined call or
// image by image followed by a summary.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vbonduro/ailab/internal/domain"
	"github.com/vbonduro/ailab/internal/lab"
	"github.com/vbonduro/ailab/internal/vision"
)

const (
	DefaultCallTimeout = 90 * time.Second

	separator = "\n\n---\n\n"
)

// Prompts supplies the text sent with each call.
type Prompts interface {
	SystemInstruction() string
	SummaryHeading() string
	Lab(cat domain.Category) (lab.Lab, bool)
	ImagePrompt(cat domain.Category, index, total int) (string, bool)
	SummaryPrompt(cat domain.Category, analyses []string) string
}

type Options struct {
	MaxImages   int
	MaxTokens   int
	CallTimeout time.Duration
	// DefaultMode is used when a request does not name one.
	DefaultMode domain.Mode
}

// Orchestrator holds no per-run state and is safe for concurrent use.
type Orchestrator struct {
	completer vision.Completer
	prompts   Prompts
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

func NewOrchestrator(completer vision.Completer, prompts Prompts, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.MaxImages <= 0 {
		opts.MaxImages = 5
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = domain.ModeCombined
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		completer: completer,
		prompts:   prompts,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

func (o *Orchestrator) MaxImages() int { return o.opts.MaxImages }

// run carries the state of one invocation.
type run struct {
	o       *Orchestrator
	req     domain.AnalysisRequest
	mode    domain.Mode
	observe Observer
	total   int
	step    int
}

// Run validates req and performs the analysis. Any failed call aborts the
// whole run and no partial text is returned. observe may be nil.
func (o *Orchestrator) Run(ctx context.Context, req domain.AnalysisRequest, observe Observer) (*domain.AnalysisResult, error) {
	if observe == nil {
		observe = func(Progress) {}
	}
	r := &run{o: o, req: req, observe: observe}
	start := o.now()

	r.emit(PhaseValidating, StageImageProcessing)
	mode, err := o.validate(req)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	r.mode = mode

	var text string
	switch mode {
	case domain.ModeSequential:
		text, err = r.sequential(ctx)
	default:
		text, err = r.combined(ctx)
	}
	if err != nil {
		r.fail(err)
		o.logger.Warn("analysis failed",
			"category", req.Category, "mode", mode, "images", len(req.Images),
			"kind", domain.KindOf(err), "error", err)
		return nil, err
	}

	result := &domain.AnalysisResult{
		ID:         uuid.NewString(),
		Category:   req.Category,
		Mode:       mode,
		Previews:   previews(req.Images),
		Analysis:   text,
		ImageCount: len(req.Images),
		CreatedAt:  o.now().UTC(),
	}
	r.emit(PhaseSucceeded, StageResultFormatting)
	o.logger.Info("analysis completed",
		"id", result.ID, "category", req.Category, "mode", mode,
		"images", len(req.Images), "calls", r.step, "duration", o.now().Sub(start))
	return result, nil
}

func (o *Orchestrator) validate(req domain.AnalysisRequest) (domain.Mode, error) {
	if len(req.Images) == 0 {
		return "", domain.ValidationError("at least one image is required")
	}
	if len(req.Images) > o.opts.MaxImages {
		return "", domain.ValidationError("at most %d images are allowed, got %d", o.opts.MaxImages, len(req.Images))
	}
	if _, ok := o.prompts.Lab(req.Category); !ok {
		return "", domain.ValidationError("unknown category %q", req.Category)
	}
	for i, img := range req.Images {
		if len(img.Data) == 0 {
			return "", domain.ValidationError("image %d is empty", i+1)
		}
	}

	if req.Mode == "" {
		return o.opts.DefaultMode, nil
	}
	mode, ok := domain.ParseMode(string(req.Mode))
	if !ok {
		return "", domain.ValidationError("unknown mode %q", req.Mode)
	}
	return mode, nil
}

func (r *run) combined(ctx context.Context) (string, error) {
	r.total = 1
	l, _ := r.o.prompts.Lab(r.req.Category)
	return r.call(ctx, PhaseCalling, l.Prompt, r.req.Images)
}

// sequential analyzes images strictly in submission order, then asks for a
// summary when there was more than one.
func (r *run) sequential(ctx context.Context) (string, error) {
	n := len(r.req.Images)
	r.total = n
	if n > 1 {
		r.total++
	}

	texts := make([]string, 0, n)
	for i, img := range r.req.Images {
		prompt, _ := r.o.prompts.ImagePrompt(r.req.Category, i+1, n)
		text, err := r.call(ctx, PhaseCalling, prompt, []domain.UploadedImage{img})
		if err != nil {
			return "", err
		}
		texts = append(texts, text)
	}

	joined := strings.Join(texts, separator)
	if n == 1 {
		return joined, nil
	}

	summary, err := r.call(ctx, PhaseSummarizing, r.o.prompts.SummaryPrompt(r.req.Category, texts), nil)
	if err != nil {
		return "", err
	}
	return joined + separator + r.o.prompts.SummaryHeading() + "\n\n" + summary, nil
}

// call performs one completion under the per-call timeout and returns its
// trimmed text.
func (r *run) call(ctx context.Context, phase Phase, prompt string, images []domain.UploadedImage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", cancelled(err)
	}

	r.step++
	if phase == PhaseSummarizing {
		r.emit(PhaseSummarizing, StageModelInference)
	} else {
		r.emit(PhaseCalling, StageImageProcessing)
	}

	req := vision.CompletionRequest{
		SystemInstruction: r.o.prompts.SystemInstruction(),
		UserPrompt:        prompt,
		Images:            toVisionImages(images),
		MaxTokens:         r.o.opts.MaxTokens,
	}

	callCtx, cancel := context.WithTimeout(ctx, r.o.opts.CallTimeout)
	defer cancel()

	if phase != PhaseSummarizing {
		r.emit(PhaseAwaiting, StageModelInference)
	}
	text, err := r.o.completer.Complete(callCtx, req)
	if err != nil {
		return "", r.o.classify(ctx, callCtx, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", &domain.AnalysisError{Kind: domain.KindMalformedResponse, Message: "empty analysis text"}
	}
	if phase != PhaseSummarizing {
		r.emit(PhaseCollecting, StageResultFormatting)
	}
	return text, nil
}

// classify decides between caller cancellation, per-call timeout and the
// error reported by the completer.
func (o *Orchestrator) classify(parent, callCtx context.Context, err error) error {
	if parent.Err() != nil {
		return cancelled(parent.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &domain.AnalysisError{
			Kind:    domain.KindNetworkTransport,
			Message: fmt.Sprintf("call timed out after %s", o.opts.CallTimeout),
			Err:     err,
		}
	}
	var ae *domain.AnalysisError
	if errors.As(err, &ae) {
		return err
	}
	return vision.Classify("", err)
}

func cancelled(err error) error {
	return &domain.AnalysisError{Kind: domain.KindCancelled, Message: "analysis cancelled", Err: err}
}

func (r *run) emit(phase Phase, stage Stage) {
	r.observe(Progress{Phase: phase, Stage: stage, Step: r.step, Total: r.total, Mode: r.mode})
}

func (r *run) fail(err error) {
	phase := PhaseFailed
	if domain.KindOf(err) == domain.KindCancelled {
		phase = PhaseCancelled
	}
	r.emit(phase, StageResultFormatting)
}

func toVisionImages(images []domain.UploadedImage) []vision.Image {
	out := make([]vision.Image, 0, len(images))
	for _, img := range images {
		out = append(out, vision.Image{MIMEType: img.MIMEType, Data: img.Data})
	}
	return out
}

// previews keeps only the thumbnails produced on intake.
func previews(images []domain.UploadedImage) []string {
	out := make([]string, 0, len(images))
	for _, img := range images {
		if img.Preview != "" {
			out = append(out, img.Preview)
		}
	}
	return out
}
