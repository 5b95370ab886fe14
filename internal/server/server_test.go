package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taskmirror/taskmirror/internal/schema"
)

type fakeRunner struct {
	summary *schema.RunSummary
	err     error
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context) (*schema.RunSummary, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.summary, nil
}

type fakeHistory struct {
	runs []*schema.RunSummary
	err  error
	n    int
}

func (f *fakeHistory) RecentRunsContext(_ context.Context, n int) ([]*schema.RunSummary, error) {
	f.n = n
	if f.err != nil {
		return nil, f.err
	}
	return f.runs, nil
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(runner Runner, history History) *Server {
	return NewServer(runner, history, &Config{
		Port:   0,
		Logger: log.New(nullWriter{}, "", 0),
	})
}

func TestHandleSync_SuccessfulRun(t *testing.T) {
	runner := &fakeRunner{summary: &schema.RunSummary{
		Projects: schema.Stats{Checked: 2, Created: 1},
		Tasks:    schema.Stats{Checked: 5},
		Errors:   []string{},
	}}
	srv := newTestServer(runner, &fakeHistory{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Details *struct {
			Projects schema.Stats `json:"projects"`
			Errors   []string     `json:"errors"`
		} `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != "success" {
		t.Errorf("status = %q, want success", resp.Status)
	}
	if resp.Details == nil || resp.Details.Projects.Created != 1 {
		t.Errorf("unexpected details: %+v", resp.Details)
	}
	if resp.Details.Errors == nil {
		t.Error("errors should be an empty list, not null")
	}
	if runner.calls != 1 {
		t.Errorf("runner called %d times", runner.calls)
	}
}

func TestHandleSync_PartialSuccessStillAnswers200(t *testing.T) {
	runner := &fakeRunner{summary: &schema.RunSummary{
		Errors: []string{"task \"x\": boom"},
	}}
	srv := newTestServer(runner, &fakeHistory{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "partial_success" {
		t.Errorf("status = %q, want partial_success", resp.Status)
	}
}

func TestHandleSync_FatalRunAnswers500(t *testing.T) {
	runner := &fakeRunner{err: errors.New("failed to list source projects: boom")}
	srv := newTestServer(runner, &fakeHistory{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "error" || resp.Message == "" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleSync_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeHistory{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sync", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestCORS_PreflightAnswers200(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeHistory{})

	for _, path := range []string{"/sync", "/runs", "/health", "/"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, path, nil))

		if rec.Code != http.StatusOK {
			t.Errorf("OPTIONS %s status = %d, want 200", path, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("OPTIONS %s Allow-Origin = %q", path, got)
		}
	}
}

func TestHandleRuns_ReturnsHistory(t *testing.T) {
	history := &fakeHistory{runs: []*schema.RunSummary{
		{ID: "run-1", Errors: []string{}},
		{ID: "run-2", Errors: []string{}},
	}}
	srv := newTestServer(&fakeRunner{}, history)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?n=2", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if history.n != 2 {
		t.Errorf("history queried with n=%d, want 2", history.n)
	}
	var resp struct {
		Runs []*schema.RunSummary `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp.Runs) != 2 || resp.Runs[0].ID != "run-1" {
		t.Errorf("unexpected runs: %+v", resp.Runs)
	}
}

func TestHandleRuns_InvalidCount(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeHistory{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?n=lots", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRuns_EmptyHistoryIsEmptyList(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeHistory{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if string(resp["runs"]) != "[]" {
		t.Errorf("runs = %s, want []", resp["runs"])
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeHistory{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "ok" || resp.Clients != 0 {
		t.Errorf("unexpected health: %+v", resp)
	}
}

func TestStartStop(t *testing.T) {
	srv := newTestServer(&fakeRunner{summary: &schema.RunSummary{Errors: []string{}}}, &fakeHistory{})

	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + srv.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
