package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vbonduro/ailab/internal/analysis"
	"github.com/vbonduro/ailab/internal/domain"
)

type streamOutcome struct {
	result *domain.AnalysisResult
	err    error
}

// handleAPIAnalyzeStream accepts the same body as handleAPIAnalyze but
// responds with an SSE stream of "progress" events followed by a single
// "result" or "error" event. The run is cancelled if the client disconnects.
func (s *Server) handleAPIAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseAnalyzeRequest(w, r)
	if err != nil {
		s.writeAnalysisError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	device := deviceFromContext(ctx)
	events := make(chan analysis.Progress, 16)
	done := make(chan streamOutcome, 1)
	go func() {
		defer close(events)
		result, err := s.service.Analyze(ctx, device, req, func(p analysis.Progress) {
			select {
			case events <- p:
			case <-ctx.Done():
			}
		})
		done <- streamOutcome{result: result, err: err}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, canFlush := w.(http.Flusher)
	send := func(event string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	}

	for p := range events {
		if err := send("progress", p); err != nil {
			s.logger.Warn("stream client went away", "device", device, "error", err)
			return
		}
	}

	out := <-done
	if out.err != nil {
		s.logger.Warn("stream analysis failed", "device", device, "kind", domain.KindOf(out.err), "error", out.err)
		if err := send("error", s.failureBody(out.err)); err != nil {
			s.logger.Warn("write error event failed", "device", device, "error", err)
		}
		return
	}
	if err := send("result", newAnalyzeResponse(out.result)); err != nil {
		s.logger.Warn("write result event failed", "device", device, "error", err)
	}
}
