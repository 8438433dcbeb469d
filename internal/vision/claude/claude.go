package claude

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/vbonduro/ailab/internal/domain"
	"github.com/vbonduro/ailab/internal/vision"
)

const backendName = "claude"

type Completer struct {
	client *anthropic.Client
	model  string
}

// NewCompleter builds a Claude completer. baseURL may be empty to use the
// public API.
func NewCompleter(apiKey, model, baseURL string) *Completer {
	opts := []anthropic.ClientOption{anthropic.WithHTTPClient(&http.Client{})}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	return &Completer{
		client: anthropic.NewClient(apiKey, opts...),
		model:  model,
	}
}

// buildMessage places every image ahead of the prompt text.
func buildMessage(req vision.CompletionRequest) anthropic.Message {
	content := make([]anthropic.MessageContent, 0, len(req.Images)+1)
	for _, img := range req.Images {
		content = append(content, anthropic.NewImageMessageContent(
			anthropic.NewMessageContentSource(
				anthropic.MessagesContentSourceTypeBase64,
				vision.NormaliseMIME(img.MIMEType),
				base64.StdEncoding.EncodeToString(img.Data),
			),
		))
	}
	content = append(content, anthropic.NewTextMessageContent(req.UserPrompt))
	return anthropic.Message{Role: anthropic.RoleUser, Content: content}
}

func (c *Completer) Complete(ctx context.Context, req vision.CompletionRequest) (string, error) {
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		System:    req.SystemInstruction,
		MaxTokens: vision.MaxTokens(req),
		Messages:  []anthropic.Message{buildMessage(req)},
	})
	if err != nil {
		return "", classify(err)
	}

	if string(resp.StopReason) == "refusal" {
		return "", vision.RefusalError(backendName, "stop_reason refusal")
	}

	var text strings.Builder
	for _, blk := range resp.Content {
		if blk.Type == anthropic.MessagesContentTypeText {
			text.WriteString(blk.GetText())
		}
	}
	return vision.RequireText(backendName, text.String())
}

// classify maps the SDK's error types onto the analysis taxonomy before
// falling back to the generic classifier.
func classify(err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		return &domain.AnalysisError{
			Kind:    domain.KindUpstreamService,
			Refusal: domain.LooksLikeRefusal(apiErr.Message),
			Backend: backendName,
			Message: string(apiErr.Type) + ": " + apiErr.Message,
			Err:     err,
		}
	}

	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode != 0 {
		return &domain.AnalysisError{
			Kind:       domain.KindUpstreamService,
			Backend:    backendName,
			StatusCode: reqErr.StatusCode,
			Err:        err,
		}
	}

	return vision.Classify(backendName, err)
}
