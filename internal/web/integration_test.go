package web_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vbonduro/ailab/internal/analysis"
	"github.com/vbonduro/ailab/internal/db"
	"github.com/vbonduro/ailab/internal/history"
	"github.com/vbonduro/ailab/internal/intake"
	"github.com/vbonduro/ailab/internal/lab"
	"github.com/vbonduro/ailab/internal/service"
	"github.com/vbonduro/ailab/internal/session"
	"github.com/vbonduro/ailab/internal/store"
	"github.com/vbonduro/ailab/internal/vision"
	"github.com/vbonduro/ailab/internal/web"
	"github.com/vbonduro/ailab/internal/web/templates"
)

// minimalJPEG is 512 bytes with the JPEG magic bytes header followed by zeros.
// http.DetectContentType identifies JPEG from the leading 0xFF 0xD8 bytes,
// and the image package cannot decode it, so intake forwards it unchanged.
var minimalJPEG = func() []byte {
	b := make([]byte, 512)
	b[0] = 0xFF
	b[1] = 0xD8
	b[2] = 0xFF
	b[3] = 0xE0
	return b
}()

var minimalJPEGURI = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(minimalJPEG)

// recordingCompleter captures every completion request and answers from a
// scripted reply function.
type recordingCompleter struct {
	mu    sync.Mutex
	reqs  []vision.CompletionRequest
	reply func(n int, req vision.CompletionRequest) (string, error)
}

func (r *recordingCompleter) Complete(_ context.Context, req vision.CompletionRequest) (string, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	n := len(r.reqs)
	r.mu.Unlock()
	return r.reply(n, req)
}

func (r *recordingCompleter) Requests() []vision.CompletionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]vision.CompletionRequest(nil), r.reqs...)
}

func replyWith(text string) func(int, vision.CompletionRequest) (string, error) {
	return func(int, vision.CompletionRequest) (string, error) { return text, nil }
}

// newTestServer wires the full stack against in-memory SQLite and the given
// completer. Returns the test server and a cleanup function.
func newTestServer(t *testing.T, completer vision.Completer, capacity int) (*httptest.Server, func()) {
	t.Helper()
	database, err := db.OpenForTesting()
	if err != nil {
		t.Fatalf("OpenForTesting: %v", err)
	}

	logger := slog.Default()
	catalog := lab.Default()
	orch := analysis.NewOrchestrator(completer, catalog, analysis.Options{
		MaxImages:   intake.DefaultMaxImages,
		CallTimeout: 5 * time.Second,
	}, logger)
	hist := history.NewStore(store.NewBlobStore(database), capacity, logger)
	svc := service.NewLabService(orch, hist, catalog, logger)
	sessions := session.NewManager(svc, svc.MaxImages(), session.DefaultTTL, logger)

	srv := httptest.NewServer(web.NewServer(svc, sessions, intake.NewProcessor(svc.MaxImages()), templates.FS, logger))
	return srv, func() {
		srv.Close()
		_ = database.Close()
	}
}

// post sends a request scoped to device and returns the response.
func post(t *testing.T, url, device, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Device-ID", device)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func analyzeJSON(t *testing.T, labType, mode string, n int) io.Reader {
	t.Helper()
	images := make([]string, n)
	for i := range images {
		images[i] = minimalJPEGURI
	}
	data, err := json.Marshal(map[string]any{"labType": labType, "mode": mode, "images": images})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(data)
}

func historyFor(t *testing.T, srv *httptest.Server, device string) []map[string]any {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/history", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Device-ID", device)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/history: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	return body.Entries
}

// TestIntegration_AnalyzePersistsHistory verifies that a successful analysis
// lands in the caller's history and nowhere else.
func TestIntegration_AnalyzePersistsHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	srv, cleanup := newTestServer(t, &recordingCompleter{reply: replyWith("냉장고 분석")}, history.DefaultCapacity)
	defer cleanup()

	resp := post(t, srv.URL+"/api/analyze", "device-a", "application/json", analyzeJSON(t, "fridge", "", 1))
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, b)
	}

	var body struct {
		Success  bool   `json:"success"`
		Analysis string `json:"analysis"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Analysis != "냉장고 분석" {
		t.Errorf("unexpected body: %+v", body)
	}

	entries := historyFor(t, srv, "device-a")
	if len(entries) != 1 {
		t.Fatalf("device-a history = %d entries, want 1", len(entries))
	}
	if entries[0]["category"] != "fridge" {
		t.Errorf("category = %v, want fridge", entries[0]["category"])
	}
	if got := historyFor(t, srv, "device-b"); len(got) != 0 {
		t.Errorf("device-b history = %d entries, want 0", len(got))
	}
}

// TestIntegration_HistoryCapacity verifies that only the newest entries are
// kept once the capacity is reached.
func TestIntegration_HistoryCapacity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	completer := &recordingCompleter{reply: func(n int, _ vision.CompletionRequest) (string, error) {
		return []string{"first", "second", "third"}[n-1], nil
	}}
	srv, cleanup := newTestServer(t, completer, 2)
	defer cleanup()

	for i := 0; i < 3; i++ {
		resp := post(t, srv.URL+"/api/analyze", "cap", "application/json", analyzeJSON(t, "closet", "", 1))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("analysis %d: status %d", i, resp.StatusCode)
		}
	}

	entries := historyFor(t, srv, "cap")
	if len(entries) != 2 {
		t.Fatalf("history = %d entries, want 2", len(entries))
	}
	if entries[0]["analysis"] != "third" || entries[1]["analysis"] != "second" {
		t.Errorf("history order = %v, %v; want third, second", entries[0]["analysis"], entries[1]["analysis"])
	}
}

// TestIntegration_SequentialStream drives a three image sequential run over
// SSE and checks the calls the completer saw.
func TestIntegration_SequentialStream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	completer := &recordingCompleter{reply: func(n int, _ vision.CompletionRequest) (string, error) {
		return []string{"T1", "T2", "T3", "S"}[n-1], nil
	}}
	srv, cleanup := newTestServer(t, completer, history.DefaultCapacity)
	defer cleanup()

	resp := post(t, srv.URL+"/api/analyze/stream", "seq", "application/json", analyzeJSON(t, "fridge", "sequential", 3))
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, b)
	}

	var (
		event    string
		progress int
		result   string
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "progress":
				progress++
			case "result":
				result = data
			case "error":
				t.Fatalf("unexpected error event: %s", data)
			}
		}
	}

	if progress == 0 {
		t.Error("expected progress events before the result")
	}
	var body struct {
		Analysis string `json:"analysis"`
	}
	if err := json.Unmarshal([]byte(result), &body); err != nil {
		t.Fatalf("decode result event %q: %v", result, err)
	}
	want := "T1\n\n---\n\nT2\n\n---\n\nT3\n\n---\n\n## 📋 종합 요약\n\nS"
	if body.Analysis != want {
		t.Errorf("analysis = %q, want %q", body.Analysis, want)
	}

	reqs := completer.Requests()
	if len(reqs) != 4 {
		t.Fatalf("completer saw %d calls, want 4", len(reqs))
	}
	for i := 0; i < 3; i++ {
		if len(reqs[i].Images) != 1 {
			t.Errorf("call %d carried %d images, want 1", i+1, len(reqs[i].Images))
		}
	}
	if len(reqs[3].Images) != 0 {
		t.Errorf("summary call carried %d images, want 0", len(reqs[3].Images))
	}
}

// TestIntegration_FormUpload_NonEmptyImageBytes verifies that the bytes of
// a browser form upload reach the completer unchanged.
func TestIntegration_FormUpload_NonEmptyImageBytes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	completer := &recordingCompleter{reply: replyWith("**위스키** 컬렉션")}
	srv, cleanup := newTestServer(t, completer, history.DefaultCapacity)
	defer cleanup()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	fw, err := w.CreateFormFile("images", "bottle.jpg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(minimalJPEG); err != nil {
		t.Fatalf("write image data: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	resp := post(t, srv.URL+"/labs/whisky/analyze", "form", w.FormDataContentType(), body)
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, b)
	}
	if !strings.Contains(string(b), "<strong>위스키</strong>") {
		t.Errorf("result page does not render markdown:\n%s", b)
	}

	reqs := completer.Requests()
	if len(reqs) != 1 || len(reqs[0].Images) != 1 {
		t.Fatalf("unexpected completer calls: %d", len(reqs))
	}
	if !bytes.Equal(reqs[0].Images[0].Data, minimalJPEG) {
		t.Errorf("completer received %d bytes, want the original %d", len(reqs[0].Images[0].Data), len(minimalJPEG))
	}
	if reqs[0].Images[0].MIMEType != "image/jpeg" {
		t.Errorf("MIME type = %q, want image/jpeg", reqs[0].Images[0].MIMEType)
	}
}

// TestIntegration_RefusalIsNotRetryable verifies the refusal status and that
// nothing is written to history.
func TestIntegration_RefusalIsNotRetryable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	completer := &recordingCompleter{reply: func(int, vision.CompletionRequest) (string, error) {
		return "", vision.RefusalError("stub", "content_policy_violation")
	}}
	srv, cleanup := newTestServer(t, completer, history.DefaultCapacity)
	defer cleanup()

	resp := post(t, srv.URL+"/api/analyze", "refused", "application/json", analyzeJSON(t, "bookshelf", "", 1))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}

	var body struct {
		Kind      string `json:"kind"`
		Refusal   bool   `json:"refusal"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != "upstream-service" || !body.Refusal || body.Retryable {
		t.Errorf("unexpected error body: %+v", body)
	}
	if got := historyFor(t, srv, "refused"); len(got) != 0 {
		t.Errorf("history = %d entries, want 0", len(got))
	}
}
