package analysis

import "github.com/vbonduro/ailab/internal/domain"

// Phase is the position of a run in its state machine.
type Phase string

const (
	PhaseValidating  Phase = "validating"
	PhaseCalling     Phase = "calling"
	PhaseAwaiting    Phase = "awaiting"
	PhaseCollecting  Phase = "collecting"
	PhaseSummarizing Phase = "summarizing"
	PhaseSucceeded   Phase = "succeeded"
	PhaseFailed      Phase = "failed"
	PhaseCancelled   Phase = "cancelled"
)

// Terminal reports whether no further events follow p.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseCancelled
}

// Stage is the coarse step shown to users while a run is in progress.
type Stage string

const (
	StageImageProcessing  Stage = "image-processing"
	StageModelInference   Stage = "model-inference"
	StageResultFormatting Stage = "result-formatting"
)

// Progress is one state change of a run. Step counts completion calls
// started so far out of Total planned.
type Progress struct {
	Phase Phase       `json:"phase"`
	Stage Stage       `json:"stage"`
	Step  int         `json:"step"`
	Total int         `json:"total"`
	Mode  domain.Mode `json:"mode,omitempty"`
}

// Observer receives progress events synchronously on the running goroutine.
type Observer func(Progress)
