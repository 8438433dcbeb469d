package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/vbonduro/ailab/internal/vision"
)

const backendName = "gemini"

// Completer calls Google Gemini, opening a client per call.
type Completer struct {
	apiKey string
	model  string
}

func NewCompleter(apiKey, model string) *Completer {
	return &Completer{apiKey: apiKey, model: model}
}

func (c *Completer) Complete(ctx context.Context, req vision.CompletionRequest) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return "", fmt.Errorf("failed to create new gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(c.model)
	if req.SystemInstruction != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemInstruction)}}
	}
	model.SetMaxOutputTokens(int32(vision.MaxTokens(req)))

	resp, err := model.GenerateContent(ctx, buildParts(req)...)
	if err != nil {
		return "", classify(err)
	}
	return extractText(resp)
}

// buildParts sends the images first and the prompt last.
func buildParts(req vision.CompletionRequest) []genai.Part {
	parts := make([]genai.Part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, genai.Blob{MIMEType: vision.NormaliseMIME(img.MIMEType), Data: img.Data})
	}
	return append(parts, genai.Text(req.UserPrompt))
}

func classify(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return vision.RefusalError(backendName, blocked.Error())
	}
	return vision.Classify(backendName, err)
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", vision.MalformedError(backendName, "nil response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "", vision.RefusalError(backendName, resp.PromptFeedback.BlockReason.String())
	}
	if len(resp.Candidates) == 0 {
		return "", vision.MalformedError(backendName, "no candidates returned")
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", vision.RefusalError(backendName, "finish reason SAFETY")
	}
	if candidate.Content == nil {
		return "", vision.MalformedError(backendName, "empty content returned")
	}

	var b strings.Builder
	for _, p := range candidate.Content.Parts {
		if txt, ok := p.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return vision.RequireText(backendName, b.String())
}
