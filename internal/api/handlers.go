package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"safe-eval/internal/sandbox"
)

type Handlers struct {
	backend   sandbox.Backend
	startTime time.Time
}

func NewHandlers(backend sandbox.Backend) *Handlers {
	return &Handlers{
		backend:   backend,
		startTime: time.Now(),
	}
}

// decodeRequest reads an EvaluateRequest. Numbers in scope stay json.Number
// so large integers reach the guest unchanged.
func decodeRequest(r *http.Request) (sandbox.ExecutionRequest, error) {
	var req EvaluateRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return sandbox.ExecutionRequest{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if strings.TrimSpace(req.Language) == "" {
		return sandbox.ExecutionRequest{}, errors.New("language is required")
	}
	if req.Code == "" {
		return sandbox.ExecutionRequest{}, errors.New("code is required")
	}
	return sandbox.ExecutionRequest{
		Language:         req.Language,
		Code:             req.Code,
		Scope:            req.Scope,
		TimeLimitSeconds: req.TimeLimit,
		Version:          req.Version,
		Packages:         req.Packages,
	}, nil
}

func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.backend == nil {
		writeError(w, "sandbox backend unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	result, err := h.backend.Execute(r.Context(), req)
	if err != nil {
		status, body := failure(result, err, r)
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusOK, success(result))
}

func (h *Handlers) HandleEvaluateStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.backend == nil {
		writeError(w, "sandbox backend unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	stream := NewSSEStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	result, err := h.backend.ExecuteStreaming(r.Context(), req, stream.Writer("stdout"), stream.Writer("stderr"))
	if err != nil {
		status, body := failure(result, err, r)
		// Nothing was streamed yet, so the failure can still be a plain
		// HTTP error.
		if !stream.Started() {
			writeJSON(w, status, body)
			return
		}
		stream.Done(body)
		return
	}
	stream.Done(success(result))
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	if h.backend == nil {
		writeError(w, "sandbox backend unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, LanguagesResponse{Languages: h.backend.Languages()})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Engine: true,
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	}

	var err error
	if h.backend == nil {
		err = sandbox.ErrEngineDown
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		err = h.backend.Health(ctx)
		cancel()
	}
	if err != nil {
		resp.Status = "degraded"
		resp.Engine = false
		resp.Error = err.Error()
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func success(result *sandbox.ExecutionResult) EvaluateResponse {
	resp := EvaluateResponse{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		ID:         result.ID,
		Language:   result.Language,
		Version:    result.Version,
		Duration:   result.Duration.String(),
		Truncated:  result.Truncated,
		Detections: result.Detections,
	}
	if result.HasValue {
		resp.Output = result.Value
	}
	return resp
}

// failure maps a backend error to its HTTP status and response body.
func failure(result *sandbox.ExecutionResult, err error, r *http.Request) (int, ErrorResponse) {
	status, code := classify(err)
	body := ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}

	switch code {
	case "PROVISION_FAILED":
		body.Error = "failed to provision the execution environment"
	case "INTERNAL":
		body.Error = "execution failed"
	}
	if result != nil {
		body.ID = result.ID
		body.Stdout = result.Stdout
		body.Stderr = result.Stderr
		exit := result.ExitCode
		body.ExitCode = &exit
		if result.ErrorMessage != "" {
			body.Error = result.ErrorMessage
		}
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", body.RequestID).
			Str("key_id", KeyIDFromContext(r.Context())).
			Str("code", code).
			Msg("evaluation failed")
	}
	return status, body
}

func classify(err error) (int, string) {
	switch {
	case sandbox.IsInvalid(err):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case sandbox.IsTimeout(err):
		return http.StatusUnprocessableEntity, "TIMEOUT"
	case sandbox.IsExecution(err):
		return http.StatusUnprocessableEntity, "EXECUTION_ERROR"
	case sandbox.IsProvision(err):
		return http.StatusServiceUnavailable, "PROVISION_FAILED"
	case errors.Is(err, sandbox.ErrRunnerClosed), errors.Is(err, sandbox.ErrEngineDown):
		return http.StatusServiceUnavailable, "RUNNER_UNAVAILABLE"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "CANCELLED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
