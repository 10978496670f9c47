package api

import (
	"safe-eval/internal/monitor"
	"safe-eval/internal/runtime"
)

// EvaluateRequest is the API-level request to evaluate code with injected
// scope values.
type EvaluateRequest struct {
	Code      string         `json:"code"`
	Scope     map[string]any `json:"scope,omitempty"`
	Language  string         `json:"language"`             // python, javascript, or an alias
	TimeLimit int            `json:"time_limit,omitempty"` // seconds; 0 uses the server default
	Version   string         `json:"version,omitempty"`
	Packages  []string       `json:"packages,omitempty"`
}

// EvaluateResponse is returned when the program ran to completion. Output is
// null when the program produced no result payload.
type EvaluateResponse struct {
	Output     any                 `json:"output"`
	Stdout     string              `json:"stdout"`
	Stderr     string              `json:"stderr"`
	ExitCode   int                 `json:"exit_code"`
	ID         string              `json:"id"`
	Language   string              `json:"language"`
	Version    string              `json:"version"`
	Duration   string              `json:"duration"`
	Truncated  bool                `json:"truncated,omitempty"`
	Detections []monitor.Detection `json:"detections,omitempty"`
}

// ErrorResponse is returned for API errors. Guest failures also carry what
// the program printed.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
	ID        string `json:"id,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// LanguagesResponse lists every supported language with its default
// environment.
type LanguagesResponse struct {
	Languages []runtime.Template `json:"languages"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Engine bool   `json:"engine"`
	Error  string `json:"error,omitempty"`
	Uptime string `json:"uptime"`
}
