package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/ailab/internal/domain"
)

func TestClassify(t *testing.T) {
	var syntaxErr error
	{
		var v any
		syntaxErr = json.Unmarshal([]byte("not json"), &v)
	}

	tests := []struct {
		name        string
		err         error
		wantKind    domain.ErrorKind
		wantRefusal bool
	}{
		{
			name:     "url error is transport",
			err:      &url.Error{Op: "Post", URL: "http://x", Err: errors.New("connection refused")},
			wantKind: domain.KindNetworkTransport,
		},
		{
			name:     "deadline is transport",
			err:      fmt.Errorf("call: %w", context.DeadlineExceeded),
			wantKind: domain.KindNetworkTransport,
		},
		{
			name:     "cancel is cancelled",
			err:      context.Canceled,
			wantKind: domain.KindCancelled,
		},
		{
			name:     "json syntax is malformed",
			err:      fmt.Errorf("decode: %w", syntaxErr),
			wantKind: domain.KindMalformedResponse,
		},
		{
			name:        "refusal phrase is upstream refusal",
			err:         errors.New("I'm sorry, but I can't assist with that request"),
			wantKind:    domain.KindUpstreamService,
			wantRefusal: true,
		},
		{
			name:     "other errors are upstream",
			err:      errors.New("overloaded"),
			wantKind: domain.KindUpstreamService,
		},
		{
			name:     "already classified is kept",
			err:      &domain.AnalysisError{Kind: domain.KindMalformedResponse},
			wantKind: domain.KindMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("test", tt.err)
			assert.Equal(t, tt.wantKind, domain.KindOf(got))
			assert.Equal(t, tt.wantRefusal, domain.IsRefusal(got))
		})
	}

	assert.NoError(t, Classify("test", nil))
}

func TestStatusErrorDetectsContentPolicy(t *testing.T) {
	err := StatusError("openai", 400, []byte(`{"error":{"code":"content_policy_violation"}}`))
	assert.Equal(t, domain.KindUpstreamService, domain.KindOf(err))
	assert.True(t, domain.IsRefusal(err))

	err = StatusError("openai", 429, []byte("rate limited"))
	assert.False(t, domain.IsRefusal(err))
	assert.True(t, domain.AsAnalysisError(err).Retryable())
}

func TestStatusErrorDetectsRefusalPastMessageLimit(t *testing.T) {
	body := `{"error":{"message":"` + strings.Repeat("Your request was rejected by the safety system. ", 14) +
		`","type":"invalid_request_error","code":"content_policy_violation"}}`
	require.Greater(t, strings.Index(body, "content_policy"), maxStatusMessage)

	err := StatusError("openai", 400, []byte(body))
	ae := domain.AsAnalysisError(err)
	assert.Equal(t, domain.KindUpstreamService, ae.Kind)
	assert.True(t, ae.Refusal)
	assert.False(t, ae.Retryable())
	assert.LessOrEqual(t, len(ae.Message), maxStatusMessage)
}

func TestStatusErrorKeepsRunesWhole(t *testing.T) {
	body := strings.Repeat("요청", 200)
	require.Greater(t, len(body), maxStatusMessage)

	ae := domain.AsAnalysisError(StatusError("ollama", 500, []byte(body)))
	assert.True(t, utf8.ValidString(ae.Message))
	assert.LessOrEqual(t, len(ae.Message), maxStatusMessage)
	assert.True(t, strings.HasPrefix(body, ae.Message))
}

func TestRequireText(t *testing.T) {
	_, err := RequireText("test", "  \n ")
	assert.Equal(t, domain.KindMalformedResponse, domain.KindOf(err))

	_, err = RequireText("test", "I'm sorry, I can't assist with that.")
	assert.True(t, domain.IsRefusal(err))

	text, err := RequireText("test", "ok")
	assert.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestMaxTokensDefault(t *testing.T) {
	assert.Equal(t, DefaultMaxTokens, MaxTokens(CompletionRequest{}))
	assert.Equal(t, 10, MaxTokens(CompletionRequest{MaxTokens: 10}))
}
