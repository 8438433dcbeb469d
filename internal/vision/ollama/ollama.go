package ollama

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

const backendName = "ollama"

type generateRequest struct {
	Model   string   `json:"model"`
	System  string   `json:"system,omitempty"`
	Prompt  string   `json:"prompt"`
	Images  []string `json:"images,omitempty"`
	Stream  bool     `json:"stream"`
	Options options  `json:"options"`
}

type options struct {
	NumPredict int `json:"num_predict"`
}

type Completer struct {
	host   string
	model  string
	client *http.Client
}

func NewCompleter(host, model string) *Completer {
	return &Completer{
		host:   strings.TrimRight(host, "/"),
		model:  model,
		client: &http.Client{},
	}
}

func (c *Completer) Complete(ctx context.Context, req vision.CompletionRequest) (string, error) {
	images := make([]string, 0, len(req.Images))
	for _, img := range req.Images {
		images = append(images, base64.StdEncoding.EncodeToString(img.Data))
	}

	payload, err := json.Marshal(generateRequest{
		Model:   c.model,
		System:  req.SystemInstruction,
		Prompt:  req.UserPrompt,
		Images:  images,
		Stream:  false,
		Options: options{NumPredict: vision.MaxTokens(req)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", vision.TransportError(backendName, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("failed to close ollama response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return "", vision.StatusError(backendName, resp.StatusCode, errBody)
	}

	var respBody struct {
		Response string `json:"response"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return "", vision.MalformedError(backendName, "failed to decode response: %v", err)
	}
	if respBody.Error != "" {
		return "", vision.StatusError(backendName, resp.StatusCode, []byte(respBody.Error))
	}

	return vision.RequireText(backendName, respBody.Response)
}
