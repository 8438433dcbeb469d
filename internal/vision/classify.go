package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/vbonduro/ailab/internal/domain"
)

// TransportError classifies a failure to send or receive a request.
// Context cancellation is reported as cancelled, deadlines as transport.
func TransportError(backend string, err error) error {
	if errors.Is(err, context.Canceled) {
		return &domain.AnalysisError{Kind: domain.KindCancelled, Backend: backend, Err: err}
	}
	return &domain.AnalysisError{Kind: domain.KindNetworkTransport, Backend: backend, Err: err}
}

// maxStatusMessage bounds the upstream body kept on an error.
const maxStatusMessage = 512

// StatusError classifies a non-success HTTP response. The whole body is
// inspected for content-policy refusals; only the stored message is cut.
func StatusError(backend string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	return &domain.AnalysisError{
		Kind:       domain.KindUpstreamService,
		Refusal:    domain.LooksLikeRefusal(msg),
		Backend:    backend,
		StatusCode: status,
		Message:    truncate(msg, maxStatusMessage),
	}
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	i := limit
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

// RefusalError reports a refusal signalled inside an otherwise successful
// response.
func RefusalError(backend, reason string) error {
	return &domain.AnalysisError{
		Kind:    domain.KindUpstreamService,
		Refusal: true,
		Backend: backend,
		Message: reason,
	}
}

func MalformedError(backend string, format string, args ...any) error {
	return &domain.AnalysisError{
		Kind:    domain.KindMalformedResponse,
		Backend: backend,
		Message: fmt.Sprintf(format, args...),
	}
}

// Classify maps an arbitrary client error into the taxonomy. It is used by
// SDK-backed adapters where the transport is not under our control.
func Classify(backend string, err error) error {
	if err == nil {
		return nil
	}
	var ae *domain.AnalysisError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return TransportError(backend, err)
	}

	var urlErr *url.Error
	var netErr net.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.As(err, &opErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return TransportError(backend, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.EOF) {
		return &domain.AnalysisError{Kind: domain.KindMalformedResponse, Backend: backend, Err: err}
	}

	return &domain.AnalysisError{
		Kind:    domain.KindUpstreamService,
		Refusal: domain.LooksLikeRefusal(err.Error()),
		Backend: backend,
		Err:     err,
	}
}

// refusalTextLimit bounds how long a successful completion may be and still
// be read as a refusal rather than an analysis that quotes the phrase.
const refusalTextLimit = 240

// RequireText turns an empty completion into a malformed-response failure
// and a short apology in place of an analysis into a refusal.
func RequireText(backend, text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", MalformedError(backend, "empty completion text")
	}
	if len(trimmed) <= refusalTextLimit && domain.LooksLikeRefusal(trimmed) {
		return "", RefusalError(backend, trimmed)
	}
	return text, nil
}
