package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"safe-eval/internal/runtime"
	"safe-eval/internal/sandbox"
)

// mockBackend implements sandbox.Backend for handler tests.
type mockBackend struct {
	result    *sandbox.ExecutionResult
	err       error
	healthErr error
	chunks    []string // written to stdout by ExecuteStreaming
	got       sandbox.ExecutionRequest
}

func (m *mockBackend) Execute(_ context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	m.got = req
	return m.result, m.err
}

func (m *mockBackend) ExecuteStreaming(_ context.Context, req sandbox.ExecutionRequest, stdout, _ io.Writer) (*sandbox.ExecutionResult, error) {
	m.got = req
	for _, c := range m.chunks {
		io.WriteString(stdout, c)
	}
	return m.result, m.err
}

func (m *mockBackend) Languages() []runtime.Template {
	return []runtime.Template{
		{Language: "javascript", Version: "20"},
		{Language: "python", Version: "3.12"},
	}
}

func (m *mockBackend) Health(context.Context) error { return m.healthErr }

func (m *mockBackend) Close() error { return nil }

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return m
}

func TestHandleEvaluate_Success(t *testing.T) {
	backend := &mockBackend{
		result: &sandbox.ExecutionResult{
			ID:       "exec-1",
			Language: "python",
			Version:  "3.12",
			Stdout:   "hi\n",
			Value:    json.Number("3"),
			HasValue: true,
			Duration: 150 * time.Millisecond,
		},
	}
	h := NewHandlers(backend)

	rec := postJSON(t, h.HandleEvaluate, "/evaluate", EvaluateRequest{
		Language: "python",
		Code:     "print('hi')\nreturn x + y",
		Scope:    map[string]any{"x": 1, "y": 2},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body)
	}
	m := decodeBody(t, rec)
	if m["output"] != float64(3) {
		t.Errorf("output = %v, want 3", m["output"])
	}
	if m["stdout"] != "hi\n" {
		t.Errorf("stdout = %q, want %q", m["stdout"], "hi\n")
	}
	if m["id"] != "exec-1" {
		t.Errorf("id = %v, want exec-1", m["id"])
	}
	if _, ok := m["error"]; ok {
		t.Error("success body must not carry an error key")
	}

	if n, ok := backend.got.Scope["x"].(json.Number); !ok || n.String() != "1" {
		t.Errorf("scope x = %#v, want json.Number(1)", backend.got.Scope["x"])
	}
}

func TestHandleEvaluate_NullOutput(t *testing.T) {
	h := NewHandlers(&mockBackend{
		result: &sandbox.ExecutionResult{ID: "exec-2", Stdout: "only prints\n"},
	})

	rec := postJSON(t, h.HandleEvaluate, "/evaluate", EvaluateRequest{Language: "python", Code: "print('only prints')"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	m := decodeBody(t, rec)
	out, ok := m["output"]
	if !ok {
		t.Fatal("output key missing")
	}
	if out != nil {
		t.Errorf("output = %v, want null", out)
	}
}

func TestHandleEvaluate_Errors(t *testing.T) {
	guestFailed := &sandbox.ExecutionResult{
		ID:           "exec-3",
		Stdout:       "partial\n",
		Stderr:       "Traceback...\n",
		ExitCode:     1,
		ErrorMessage: "boom",
	}

	tests := []struct {
		name       string
		result     *sandbox.ExecutionResult
		err        error
		wantStatus int
		wantCode   string
		wantError  string
	}{
		{
			name:       "invalid scope",
			err:        &sandbox.SessionError{Op: "validate", Err: fmt.Errorf("%w: bad key", sandbox.ErrInvalidRequest)},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "guest raised",
			result:     guestFailed,
			err:        &sandbox.SessionError{SessionID: "s", Op: "run", Err: sandbox.ErrExecution},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "EXECUTION_ERROR",
			wantError:  "boom",
		},
		{
			name:       "timeout",
			result:     &sandbox.ExecutionResult{ID: "exec-4", ExitCode: 137},
			err:        &sandbox.SessionError{SessionID: "s", Op: "run", Err: sandbox.ErrTimeout},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "TIMEOUT",
		},
		{
			name:       "provision",
			err:        &sandbox.SessionError{SessionID: "s", Op: "build", Err: fmt.Errorf("%w: no space", sandbox.ErrProvision)},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "PROVISION_FAILED",
			wantError:  "failed to provision the execution environment",
		},
		{
			name:       "runner closed",
			err:        sandbox.ErrRunnerClosed,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "RUNNER_UNAVAILABLE",
		},
		{
			name:       "unknown",
			err:        errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL",
			wantError:  "execution failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(&mockBackend{result: tt.result, err: tt.err})
			rec := postJSON(t, h.HandleEvaluate, "/evaluate", EvaluateRequest{Language: "python", Code: "x"})

			if rec.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			m := decodeBody(t, rec)
			if m["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", m["code"], tt.wantCode)
			}
			if tt.wantError != "" && m["error"] != tt.wantError {
				t.Errorf("error = %v, want %q", m["error"], tt.wantError)
			}
			if _, ok := m["output"]; ok {
				t.Error("failure body must not carry an output key")
			}
			if tt.result != nil && m["stdout"] != nilIfEmpty(tt.result.Stdout) {
				t.Errorf("stdout = %v, want %q", m["stdout"], tt.result.Stdout)
			}
		})
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func TestHandleEvaluate_ValidationErrors(t *testing.T) {
	h := NewHandlers(&mockBackend{})

	tests := []struct {
		name string
		body any
	}{
		{"empty body", map[string]string{}},
		{"missing language", EvaluateRequest{Code: "x"}},
		{"missing code", EvaluateRequest{Language: "python"}},
		{"scope not an object", map[string]any{"language": "python", "code": "x", "scope": []int{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.HandleEvaluate, "/evaluate", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
			if m := decodeBody(t, rec); m["code"] != "INVALID_REQUEST" {
				t.Errorf("code = %v, want INVALID_REQUEST", m["code"])
			}
		})
	}
}

func TestHandleEvaluate_BackendUnavailable(t *testing.T) {
	h := NewHandlers(nil)

	rec := postJSON(t, h.HandleEvaluate, "/evaluate", EvaluateRequest{Language: "python", Code: "return 1"})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "RUNNER_UNAVAILABLE" {
		t.Errorf("got code %q, want RUNNER_UNAVAILABLE", resp.Code)
	}
}

func TestHandleEvaluateStream(t *testing.T) {
	h := NewHandlers(&mockBackend{
		chunks: []string{"line one\n", "line two\n"},
		result: &sandbox.ExecutionResult{ID: "exec-5", Value: "ok", HasValue: true},
	})

	rec := postJSON(t, h.HandleEvaluateStream, "/evaluate/stream", EvaluateRequest{Language: "python", Code: "x"})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"event: stdout\ndata: line one\ndata: \n\n",
		"event: stdout\ndata: line two\n",
		"event: done\ndata: {",
		`"output":"ok"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q in:\n%s", want, body)
		}
	}
	if strings.Index(body, "event: done") < strings.LastIndex(body, "event: stdout") {
		t.Error("done event must come last")
	}
}

func TestHandleEvaluateStream_FailureAfterOutput(t *testing.T) {
	h := NewHandlers(&mockBackend{
		chunks: []string{"started\n"},
		result: &sandbox.ExecutionResult{ID: "exec-6", Stdout: "started\n", ExitCode: 1, ErrorMessage: "boom"},
		err:    &sandbox.SessionError{Op: "run", Err: sandbox.ErrExecution},
	})

	rec := postJSON(t, h.HandleEvaluateStream, "/evaluate/stream", EvaluateRequest{Language: "python", Code: "x"})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 once streaming began", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"code":"EXECUTION_ERROR"`) || !strings.Contains(body, `"error":"boom"`) {
		t.Errorf("done event lacks failure body:\n%s", body)
	}
}

func TestHandleEvaluateStream_FailureBeforeOutput(t *testing.T) {
	h := NewHandlers(&mockBackend{
		err: &sandbox.SessionError{Op: "validate", Err: sandbox.ErrInvalidRequest},
	})

	rec := postJSON(t, h.HandleEvaluateStream, "/evaluate/stream", EvaluateRequest{Language: "python", Code: "x"})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestHandleLanguages(t *testing.T) {
	h := NewHandlers(&mockBackend{})
	rec := httptest.NewRecorder()
	h.HandleLanguages(rec, httptest.NewRequest(http.MethodGet, "/languages", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp LanguagesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Languages) != 2 || resp.Languages[1].Language != "python" {
		t.Errorf("languages = %+v", resp.Languages)
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		backend    sandbox.Backend
		wantStatus int
		wantEngine bool
	}{
		{"healthy", &mockBackend{}, http.StatusOK, true},
		{"engine down", &mockBackend{healthErr: sandbox.ErrEngineDown}, http.StatusServiceUnavailable, false},
		{"no backend", nil, http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(tt.backend)
			rec := httptest.NewRecorder()
			h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp HealthResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp.Engine != tt.wantEngine {
				t.Errorf("engine = %v, want %v", resp.Engine, tt.wantEngine)
			}
		})
	}
}
