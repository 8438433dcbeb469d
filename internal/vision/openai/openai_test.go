package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/ailab/internal/domain"
	"github.com/vbonduro/ailab/internal/vision"
)

func writeChoice(t *testing.T, w http.ResponseWriter, choice map[string]any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"choices": []any{choice}}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func TestCompleteSendsImagesAsDataURIs(t *testing.T) {
	var captured struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	var auth, path string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&captured)
		writeChoice(t, w, map[string]any{
			"finish_reason": "stop",
			"message":       map[string]any{"content": "냉장고 분석 결과"},
		})
	}))
	defer server.Close()

	c := NewCompleter("sk-test", "gpt-4o-mini", server.URL)
	text, err := c.Complete(context.Background(), vision.CompletionRequest{
		SystemInstruction: "system",
		UserPrompt:        "prompt",
		Images: []vision.Image{
			{MIMEType: "image/png", Data: []byte("png")},
			{MIMEType: "image/jpeg", Data: []byte("jpg")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "냉장고 분석 결과", text)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "/chat/completions", path)
	assert.Equal(t, "gpt-4o-mini", captured.Model)
	assert.Equal(t, vision.DefaultMaxTokens, captured.MaxTokens)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)

	var parts []part
	require.NoError(t, json.Unmarshal(captured.Messages[1].Content, &parts))
	require.Len(t, parts, 3)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "data:image/png;base64,cG5n", parts[1].ImageURL.URL)
	assert.Equal(t, "data:image/jpeg;base64,anBn", parts[2].ImageURL.URL)
}

func TestCompleteTextOnly(t *testing.T) {
	var content json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		content = req.Messages[len(req.Messages)-1].Content
		writeChoice(t, w, map[string]any{"message": map[string]any{"content": "summary"}})
	}))
	defer server.Close()

	c := NewCompleter("sk-test", "gpt-4o-mini", server.URL)
	text, err := c.Complete(context.Background(), vision.CompletionRequest{UserPrompt: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "summary", text)
	assert.JSONEq(t, `"summarize"`, string(content))
}

func TestCompleteStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewCompleter("sk-test", "gpt-4o-mini", server.URL)
	_, err := c.Complete(context.Background(), vision.CompletionRequest{UserPrompt: "p"})
	require.Error(t, err)
	assert.Equal(t, domain.KindUpstreamService, domain.KindOf(err))
	assert.Equal(t, http.StatusTooManyRequests, domain.AsAnalysisError(err).StatusCode)
	assert.False(t, domain.IsRefusal(err))
}

func TestCompleteContentPolicyRefusal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Your request was rejected","code":"content_policy_violation"}}`))
	}))
	defer server.Close()

	c := NewCompleter("sk-test", "gpt-4o-mini", server.URL)
	_, err := c.Complete(context.Background(), vision.CompletionRequest{UserPrompt: "p"})
	assert.Equal(t, domain.KindUpstreamService, domain.KindOf(err))
	assert.True(t, domain.IsRefusal(err))
}

func TestCompleteContentPolicyCodeAfterLongMessage(t *testing.T) {
	body := `{"error":{"message":"` + strings.Repeat("This image was flagged by our safety system. ", 16) +
		`","type":"invalid_request_error","param":null,"code":"content_policy_violation"}}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	c := NewCompleter("sk-test", "gpt-4o-mini", server.URL)
	_, err := c.Complete(context.Background(), vision.CompletionRequest{UserPrompt: "p"})
	assert.Equal(t, domain.KindUpstreamService, domain.KindOf(err))
	assert.True(t, domain.IsRefusal(err))
	assert.False(t, domain.AsAnalysisError(err).Retryable())
}

func TestCompleteRefusalField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChoice(t, w, map[string]any{"message": map[string]any{"content": nil, "refusal": "I can't help with that."}})
	}))
	defer server.Close()

	c := NewCompleter("sk-test", "gpt-4o-mini", server.URL)
	_, err := c.Complete(context.Background(), vision.CompletionRequest{UserPrompt: "p"})
	assert.True(t, domain.IsRefusal(err))
}

func TestCompleteMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>gateway</html>"))
	}))
	defer server.Close()

	c := NewCompleter("sk-test", "gpt-4o-mini", server.URL)
	_, err := c.Complete(context.Background(), vision.CompletionRequest{UserPrompt: "p"})
	assert.Equal(t, domain.KindMalformedResponse, domain.KindOf(err))
}

func TestCompleteNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	c := NewCompleter("sk-test", "gpt-4o-mini", server.URL)
	_, err := c.Complete(context.Background(), vision.CompletionRequest{UserPrompt: "p"})
	assert.Equal(t, domain.KindMalformedResponse, domain.KindOf(err))
}

func TestCompleteNetworkError(t *testing.T) {
	c := NewCompleter("sk-test", "gpt-4o-mini", "http://127.0.0.1:1")
	_, err := c.Complete(context.Background(), vision.CompletionRequest{UserPrompt: "p"})
	assert.Equal(t, domain.KindNetworkTransport, domain.KindOf(err))
}

func TestCompleteCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCompleter("sk-test", "gpt-4o-mini", server.URL)
	_, err := c.Complete(ctx, vision.CompletionRequest{UserPrompt: "p"})
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
}
