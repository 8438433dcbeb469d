// Package session holds the per-device UI state: the selected lab, the
// staged images and the outcome of the last submission.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vbonduro/ailab/internal/analysis"
	"github.com/vbonduro/ailab/internal/domain"
	"github.com/vbonduro/ailab/internal/lab"
)

var (
	ErrBusy            = errors.New("an analysis is already running")
	ErrImageNotFound   = errors.New("image not found")
	ErrNothingToRetry  = errors.New("no failed analysis to retry")
	ErrNotRetryable    = errors.New("the last failure cannot be retried")
	ErrNothingToCancel = errors.New("no analysis is running")
)

// Phase is the controller's single source of truth; the fields of State
// that apply depend on it.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseValidating Phase = "validating"
	PhaseRunning    Phase = "running"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

// analyzer is the subset of service.LabService the controller requires.
type analyzer interface {
	Analyze(ctx context.Context, device string, req domain.AnalysisRequest, observe analysis.Observer) (*domain.AnalysisResult, error)
	ErrorMessage(err error) lab.ErrorMessage
}

// StagedImage is the client view of an image waiting to be submitted.
type StagedImage struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	Preview  string `json:"preview"`
}

// Failure describes a failed run for display.
type Failure struct {
	Kind    domain.ErrorKind `json:"kind"`
	Refusal bool             `json:"refusal"`
	Detail  string           `json:"detail"`
	lab.ErrorMessage
}

// State is an immutable snapshot of a controller.
type State struct {
	Phase     Phase                  `json:"phase"`
	Lab       domain.Category        `json:"lab,omitempty"`
	Mode      domain.Mode            `json:"mode,omitempty"`
	Images    []StagedImage          `json:"images"`
	MaxImages int                    `json:"maxImages"`
	Progress  *analysis.Progress     `json:"progress,omitempty"`
	Result    *domain.AnalysisResult `json:"result,omitempty"`
	Error     *Failure               `json:"error,omitempty"`
	CanRetry  bool                   `json:"canRetry"`
}

type Controller struct {
	device    string
	analyzer  analyzer
	maxImages int
	now       func() time.Time

	mu       sync.Mutex
	phase    Phase
	lab      domain.Category
	mode     domain.Mode
	images   []domain.UploadedImage
	progress *analysis.Progress
	result   *domain.AnalysisResult
	err      error
	last     *domain.AnalysisRequest
	cancel   context.CancelFunc
	touched  time.Time
	// gen changes on Reset so a run finishing afterwards is discarded.
	gen int
}

func NewController(device string, analyzer analyzer, maxImages int) *Controller {
	c := &Controller{
		device:    device,
		analyzer:  analyzer,
		maxImages: maxImages,
		now:       time.Now,
		phase:     PhaseIdle,
	}
	c.touched = c.now()
	return c
}

func (c *Controller) Device() string { return c.device }

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() State {
	s := State{
		Phase:     c.phase,
		Lab:       c.lab,
		Mode:      c.mode,
		Images:    make([]StagedImage, 0, len(c.images)),
		MaxImages: c.maxImages,
		Result:    c.result,
	}
	for _, img := range c.images {
		s.Images = append(s.Images, StagedImage{ID: img.ID, Filename: img.Filename, Preview: img.Preview})
	}
	if c.progress != nil {
		p := *c.progress
		s.Progress = &p
	}
	if c.phase == PhaseFailed && c.err != nil {
		s.Error = c.failure(c.err)
		s.CanRetry = c.last != nil && retryable(c.err)
	}
	return s
}

// retryable reports whether re-running the same request could succeed. A
// cancelled run can always be restarted.
func retryable(err error) bool {
	return domain.KindOf(err) == domain.KindCancelled || domain.AsAnalysisError(err).Retryable()
}

func (c *Controller) failure(err error) *Failure {
	ae := domain.AsAnalysisError(err)
	return &Failure{
		Kind:         ae.Kind,
		Refusal:      ae.Refusal,
		Detail:       err.Error(),
		ErrorMessage: c.analyzer.ErrorMessage(err),
	}
}

// touch records activity for idle sweeping. Callers hold mu.
func (c *Controller) touch() { c.touched = c.now() }

// idleSince reports when the controller was last used, and false while a
// run is in flight.
func (c *Controller) idleSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseRunning || c.phase == PhaseValidating {
		return time.Time{}, false
	}
	return c.touched, true
}

func (c *Controller) busy() bool {
	return c.phase == PhaseRunning || c.phase == PhaseValidating
}

// clearOutcome leaves a finished state so edits start a fresh submission.
func (c *Controller) clearOutcome() {
	if c.phase == PhaseSucceeded || c.phase == PhaseFailed {
		c.phase = PhaseIdle
		c.result = nil
		c.err = nil
		c.progress = nil
	}
}

// SelectLab chooses the category for the next submission.
func (c *Controller) SelectLab(name string) (State, error) {
	cat, ok := domain.ParseCategory(name)
	if !ok {
		return c.State(), domain.ValidationError("unknown lab %q", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy() {
		return c.snapshot(), ErrBusy
	}
	c.touch()
	c.clearOutcome()
	c.lab = cat
	return c.snapshot(), nil
}

// SetMode chooses combined or sequential analysis. An empty mode uses the
// server default.
func (c *Controller) SetMode(name string) (State, error) {
	var mode domain.Mode
	if name != "" {
		m, ok := domain.ParseMode(name)
		if !ok {
			return c.State(), domain.ValidationError("unknown mode %q", name)
		}
		mode = m
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy() {
		return c.snapshot(), ErrBusy
	}
	c.touch()
	c.mode = mode
	return c.snapshot(), nil
}

// AddImages stages images in order. Nothing is staged if the total would
// exceed the limit.
func (c *Controller) AddImages(images ...domain.UploadedImage) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy() {
		return c.snapshot(), ErrBusy
	}
	if len(c.images)+len(images) > c.maxImages {
		return c.snapshot(), domain.ValidationError("at most %d images are allowed", c.maxImages)
	}
	c.touch()
	c.clearOutcome()
	c.images = append(c.images, images...)
	return c.snapshot(), nil
}

func (c *Controller) RemoveImage(id string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy() {
		return c.snapshot(), ErrBusy
	}
	for i, img := range c.images {
		if img.ID == id {
			c.touch()
			c.clearOutcome()
			c.images = append(c.images[:i:i], c.images[i+1:]...)
			return c.snapshot(), nil
		}
	}
	return c.snapshot(), ErrImageNotFound
}

// Submit analyzes the staged images with the selected lab and blocks until
// the run finishes. Staged images are released on success.
func (c *Controller) Submit(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.busy() {
		defer c.mu.Unlock()
		return c.snapshot(), ErrBusy
	}
	c.touch()
	c.phase = PhaseValidating
	c.result = nil
	c.err = nil
	c.progress = nil

	var err error
	switch {
	case c.lab == "":
		err = domain.ValidationError("select a lab first")
	case len(c.images) == 0:
		err = domain.ValidationError("at least one image is required")
	}
	if err != nil {
		c.phase = PhaseFailed
		c.err = err
		c.last = nil
		defer c.mu.Unlock()
		return c.snapshot(), err
	}

	req := domain.AnalysisRequest{
		Category: c.lab,
		Images:   append([]domain.UploadedImage(nil), c.images...),
		Mode:     c.mode,
	}
	gen := c.gen
	c.mu.Unlock()

	return c.execute(ctx, req, gen)
}

// Retry re-runs the exact request that last failed.
func (c *Controller) Retry(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.busy() {
		defer c.mu.Unlock()
		return c.snapshot(), ErrBusy
	}
	if c.phase != PhaseFailed || c.last == nil {
		defer c.mu.Unlock()
		return c.snapshot(), ErrNothingToRetry
	}
	if !retryable(c.err) {
		defer c.mu.Unlock()
		return c.snapshot(), ErrNotRetryable
	}
	req := *c.last
	c.touch()
	c.phase = PhaseValidating
	gen := c.gen
	c.mu.Unlock()

	return c.execute(ctx, req, gen)
}

func (c *Controller) execute(ctx context.Context, req domain.AnalysisRequest, gen int) (State, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if gen != c.gen {
		defer c.mu.Unlock()
		return c.snapshot(), &domain.AnalysisError{Kind: domain.KindCancelled, Message: "session was reset"}
	}
	c.phase = PhaseRunning
	c.last = &req
	c.cancel = cancel
	c.result = nil
	c.err = nil
	c.progress = nil
	c.mu.Unlock()

	result, err := c.analyzer.Analyze(runCtx, c.device, req, func(p analysis.Progress) {
		c.observe(gen, p)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return c.snapshot(), err
	}
	c.cancel = nil
	c.touch()
	if err != nil {
		c.phase = PhaseFailed
		c.err = err
		return c.snapshot(), err
	}
	c.phase = PhaseSucceeded
	c.result = result
	c.images = nil
	return c.snapshot(), nil
}

func (c *Controller) observe(gen int, p analysis.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen {
		c.progress = &p
	}
}

// Cancel stops the in-flight run. The run reports a cancelled failure.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return ErrNothingToCancel
	}
	c.cancel()
	return nil
}

// Reset cancels any run and returns the controller to idle with nothing
// selected.
func (c *Controller) Reset() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.touch()
	c.phase = PhaseIdle
	c.lab = ""
	c.mode = ""
	c.images = nil
	c.progress = nil
	c.result = nil
	c.err = nil
	c.last = nil
	return c.snapshot()
}
