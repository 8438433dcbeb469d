package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vbonduro/ailab/internal/vision"
)

const (
	backendName    = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
)

// request types mirror the Chat Completions API.
type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type response struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content *string `json:"content"`
			Refusal *string `json:"refusal"`
		} `json:"message"`
	} `json:"choices"`
}

type Completer struct {
	apiKey  string
	model   string
	client  *http.Client
	baseURL string
}

func NewCompleter(apiKey, model, baseURL string) *Completer {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Completer{
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// buildMessages puts the prompt first and every image after it as a data URI.
func buildMessages(req vision.CompletionRequest) []message {
	var msgs []message
	if req.SystemInstruction != "" {
		msgs = append(msgs, message{Role: "system", Content: req.SystemInstruction})
	}

	if len(req.Images) == 0 {
		return append(msgs, message{Role: "user", Content: req.UserPrompt})
	}

	parts := make([]part, 0, len(req.Images)+1)
	parts = append(parts, part{Type: "text", Text: req.UserPrompt})
	for _, img := range req.Images {
		parts = append(parts, part{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", vision.NormaliseMIME(img.MIMEType), base64.StdEncoding.EncodeToString(img.Data)),
			},
		})
	}
	return append(msgs, message{Role: "user", Content: parts})
}

func (c *Completer) Complete(ctx context.Context, req vision.CompletionRequest) (string, error) {
	body := request{
		Model:     c.model,
		MaxTokens: vision.MaxTokens(req),
		Messages:  buildMessages(req),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", vision.TransportError(backendName, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("failed to close openai response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return "", vision.StatusError(backendName, resp.StatusCode, errBody)
	}

	var respBody response
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return "", vision.MalformedError(backendName, "failed to decode response: %v", err)
	}
	if len(respBody.Choices) == 0 {
		return "", vision.MalformedError(backendName, "no choices returned")
	}

	choice := respBody.Choices[0]
	if choice.Message.Refusal != nil && *choice.Message.Refusal != "" {
		return "", vision.RefusalError(backendName, *choice.Message.Refusal)
	}
	if choice.FinishReason == "content_filter" {
		return "", vision.RefusalError(backendName, "content_filter")
	}
	if choice.Message.Content == nil {
		return "", vision.MalformedError(backendName, "choice has no text content")
	}

	return vision.RequireText(backendName, *choice.Message.Content)
}
