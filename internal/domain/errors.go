package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why an analysis failed so callers can pick a message
// and decide whether to offer a retry.
type ErrorKind string

const (
	KindInputValidation   ErrorKind = "input-validation"
	KindNetworkTransport  ErrorKind = "network-transport"
	KindUpstreamService   ErrorKind = "upstream-service"
	KindMalformedResponse ErrorKind = "malformed-response"
	KindCancelled         ErrorKind = "cancelled"
	KindUnknown           ErrorKind = "unknown"
)

// AnalysisError is the single error type surfaced by the orchestrator.
type AnalysisError struct {
	Kind ErrorKind
	// Refusal marks an upstream content-policy refusal.
	Refusal    bool
	Backend    string
	StatusCode int
	Message    string
	Err        error
}

func (e *AnalysisError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Backend != "" {
		b.WriteString(" (")
		b.WriteString(e.Backend)
		b.WriteString(")")
	}
	if e.Refusal {
		b.WriteString(": refused by content policy")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Retryable reports whether re-running the identical request could succeed.
// Refusals ask for different input instead.
func (e *AnalysisError) Retryable() bool {
	switch e.Kind {
	case KindNetworkTransport, KindMalformedResponse:
		return true
	case KindUpstreamService:
		return !e.Refusal
	default:
		return false
	}
}

func ValidationError(format string, args ...any) *AnalysisError {
	return &AnalysisError{Kind: KindInputValidation, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind of err. Context errors that escaped
// classification map to cancelled or network-transport.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTransport
	}
	return KindUnknown
}

func IsRefusal(err error) bool {
	var ae *AnalysisError
	return errors.As(err, &ae) && ae.Refusal
}

// AsAnalysisError returns err as an *AnalysisError, wrapping unknown errors.
func AsAnalysisError(err error) *AnalysisError {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae
	}
	return &AnalysisError{Kind: KindOf(err), Err: err}
}

var refusalPhrases = []string{
	"can't assist",
	"can’t assist",
	"cannot assist",
	"content_policy",
	"content policy",
}

// LooksLikeRefusal matches the phrases vision services use when declining an
// image on safety grounds.
func LooksLikeRefusal(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range refusalPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
