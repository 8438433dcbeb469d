package vision

import (
	"context"
)

// DefaultMaxTokens is the output budget for a single completion.
const DefaultMaxTokens = 1500

// Image is one encoded picture sent alongside a prompt.
type Image struct {
	MIMEType string
	Data     []byte
}

type CompletionRequest struct {
	SystemInstruction string
	UserPrompt        string
	// Images may be empty for text-only calls such as a summary.
	Images    []Image
	MaxTokens int
}

// Completer is the vision completion service. Implementations return the
// model's text or an *domain.AnalysisError describing why they could not.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

// MaxTokens returns the request's output budget, falling back to the default.
func MaxTokens(req CompletionRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return DefaultMaxTokens
}

// NormaliseMIME maps browser MIME types to the image types every supported
// backend accepts. Unknown types are coerced to jpeg.
func NormaliseMIME(mimeType string) string {
	switch mimeType {
	case "image/png", "image/gif", "image/webp":
		return mimeType
	default:
		return "image/jpeg"
	}
}
