package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"safe-eval/internal/extract"
	"safe-eval/internal/monitor"
	"safe-eval/internal/runtime"
)

type ExecutionRequest struct {
	Language         string         `json:"language"`
	Code             string         `json:"code"`
	Scope            map[string]any `json:"scope,omitempty"`
	TimeLimitSeconds int            `json:"time_limit,omitempty"` // 0 uses the configured default
	Version          string         `json:"version,omitempty"`
	Packages         []string       `json:"packages,omitempty"`
}

type ExecutionResult struct {
	ID           string              `json:"id"`
	SessionID    string              `json:"session_id"`
	Language     string              `json:"language"`
	Version      string              `json:"version"`
	Stdout       string              `json:"stdout"`
	Stderr       string              `json:"stderr"`
	ExitCode     int                 `json:"exit_code"`
	Duration     time.Duration       `json:"duration"`
	Value        any                 `json:"-"`
	HasValue     bool                `json:"-"`
	ErrorMessage string              `json:"error,omitempty"`
	TimedOut     bool                `json:"timed_out,omitempty"`
	Truncated    bool                `json:"truncated,omitempty"`
	CodeHash     string              `json:"code_hash"`
	Detections   []monitor.Detection `json:"detections,omitempty"`
}

// Observers are the optional instrumentation hooks of a Runner. Any field may
// be nil.
type Observers struct {
	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
	Detector *monitor.EscapeDetector
}

type RunnerConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxConcurrent  int
	Pool           *Pool // nil provisions every session on demand
}

// Runner evaluates requests, each in a session of its own that is closed
// before the call returns.
type Runner struct {
	engine   Engine
	prov     *Provisioner
	registry *runtime.Registry
	pool     *Pool
	obs      Observers

	defaultTimeout time.Duration
	maxTimeout     time.Duration

	sem    chan struct{} // Concurrency limiter
	active atomic.Int64  // Active execution count
	wg     sync.WaitGroup
	mu     sync.Mutex // Protects shutdown state
	closed bool
}

// NewRunner creates a runner on top of prov. Cleanup failures of every
// session it creates are counted in obs.Metrics.
func NewRunner(engine Engine, prov *Provisioner, cfg RunnerConfig, obs Observers) *Runner {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 32
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}

	prov.OnCleanupFailure(func(step string, _ error) {
		obs.Metrics.RecordCleanupFailure(step)
	})

	return &Runner{
		engine:         engine,
		prov:           prov,
		registry:       prov.Registry(),
		pool:           cfg.Pool,
		obs:            obs,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		sem:            make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Execute evaluates req and returns its result. A guest failure returns the
// result together with an error wrapping ErrExecution or ErrTimeout so the
// caller still sees what the program printed.
func (r *Runner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return r.executeInternal(ctx, req, nil, nil)
}

// ExecuteStreaming is Execute with the guest's output also copied to stdout
// and stderr as it is produced.
func (r *Runner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return r.executeInternal(ctx, req, stdout, stderr)
}

// prepared is a request that passed validation and is ready to run.
type prepared struct {
	rt       runtime.Runtime
	template runtime.Template
	marker   string
	program  string
	limit    int
}

// prepare does everything that can reject a request before any resources
// are allocated.
func (r *Runner) prepare(req ExecutionRequest) (*prepared, error) {
	invalid := func(err error) error {
		return &SessionError{Op: "validate", Err: fmt.Errorf("%w: %w", ErrInvalidRequest, err)}
	}

	rt, tmpl, err := r.registry.Resolve(req.Language, req.Version, req.Packages)
	if err != nil {
		return nil, invalid(err)
	}
	if err := rt.Validate(req.Code); err != nil {
		return nil, invalid(err)
	}

	limit := req.TimeLimitSeconds
	switch {
	case limit < 0:
		return nil, invalid(fmt.Errorf("time_limit must be positive, got %d", limit))
	case limit == 0:
		limit = int(r.defaultTimeout / time.Second)
	case time.Duration(limit)*time.Second > r.maxTimeout:
		return nil, invalid(fmt.Errorf("time_limit %ds exceeds maximum of %s", limit, r.maxTimeout))
	}

	marker, err := NewMarker()
	if err != nil {
		return nil, &SessionError{Op: "marker", Err: err}
	}
	program, err := rt.Render(req.Code, req.Scope, marker)
	if err != nil {
		return nil, invalid(err)
	}

	return &prepared{rt: rt, template: tmpl, marker: marker, program: program, limit: limit}, nil
}

func (r *Runner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := xid.New().String()
	sum := sha256.Sum256([]byte(req.Code))
	codeHash := hex.EncodeToString(sum[:])

	logger := log.With().
		Str("exec_id", execID).
		Str("language", req.Language).
		Str("code_hash", codeHash[:16]).
		Logger()

	logger.Info().Msg("execution requested")

	if !r.enter() {
		return nil, &SessionError{Op: "execute", Err: ErrRunnerClosed}
	}
	defer r.wg.Done()

	p, err := r.prepare(req)
	if err != nil {
		logger.Info().Err(err).Msg("request rejected")
		r.obs.Metrics.RecordError("invalid_request")
		return nil, err
	}
	lang := p.template.Language

	detections := r.obs.Detector.AnalyzeCode(lang, req.Code)
	for _, d := range detections {
		r.obs.Metrics.RecordSecurityEvent(d.Pattern)
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &SessionError{Op: "acquire_slot", Err: ctx.Err()}
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	session, err := r.session(ctx, execID, p.template)
	if err != nil {
		r.obs.Metrics.RecordError("provision")
		r.obs.Metrics.RecordExecution(lang, "provision_error", 0)
		return nil, err
	}
	r.obs.Metrics.SessionStarted()
	defer func() {
		_, span := r.obs.Tracer.StartSpan(context.WithoutCancel(ctx), "close",
			monitor.AttrSessionID.String(session.ID))
		monitor.EndSpan(span, session.Close())
		r.obs.Metrics.SessionEnded()
	}()

	logger = logger.With().Str("session_id", session.ID).Logger()

	runCtx, span := r.obs.Tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrSessionID.String(session.ID),
		monitor.AttrLanguage.String(lang),
		monitor.AttrCodeHash.String(codeHash),
	)
	raw, runErr := session.Run(runCtx, p.program, p.limit, stdout, stderr)
	if raw != nil {
		span.SetAttributes(
			monitor.AttrExitCode.Int(raw.ExitCode),
			monitor.AttrDurationMS.Int64(raw.Duration.Milliseconds()),
		)
	}
	monitor.EndSpan(span, runErr)

	result := &ExecutionResult{
		ID:         execID,
		SessionID:  session.ID,
		Language:   lang,
		Version:    p.template.Version,
		CodeHash:   codeHash,
		Detections: detections,
	}
	if raw == nil {
		r.obs.Metrics.RecordError("engine")
		logger.Error().Err(runErr).Msg("execution could not start")
		return nil, runErr
	}

	result.Stdout = raw.Stdout
	result.Stderr = raw.Stderr
	result.ExitCode = raw.ExitCode
	result.Duration = raw.Duration
	result.TimedOut = raw.TimedOut
	result.Truncated = raw.Truncated
	for _, d := range r.obs.Detector.AnalyzeOutput(raw.Stdout, p.marker) {
		r.obs.Metrics.RecordSecurityEvent(d.Pattern)
		result.Detections = append(result.Detections, d)
	}
	r.obs.Metrics.ObserveSizes(len(req.Code), len(raw.Stdout))

	switch {
	case runErr != nil && IsTimeout(runErr):
		result.ErrorMessage = fmt.Sprintf("execution exceeded the %ds time limit", p.limit)
		r.obs.Metrics.RecordError("timeout")
		r.obs.Metrics.RecordExecution(lang, "timeout", raw.Duration.Seconds())
		logger.Warn().Dur("duration", raw.Duration).Msg("execution timed out")
		return result, runErr

	case runErr != nil:
		r.obs.Metrics.RecordError("engine")
		r.obs.Metrics.RecordExecution(lang, "engine_error", raw.Duration.Seconds())
		logger.Error().Err(runErr).Msg("execution failed")
		return result, runErr

	case raw.ExitCode != 0:
		result.ErrorMessage = guestError(raw)
		r.obs.Metrics.RecordError("guest")
		r.obs.Metrics.RecordExecution(lang, "error", raw.Duration.Seconds())
		logger.Info().Int("exit_code", raw.ExitCode).Msg("guest program failed")
		return result, &SessionError{
			SessionID: session.ID,
			Op:        "execute",
			Err:       fmt.Errorf("%w: %s", ErrExecution, result.ErrorMessage),
		}
	}

	result.Value, result.HasValue = extract.Value(raw.Stdout, p.marker)
	if !result.HasValue {
		logger.Debug().Msg("no result payload in output")
	}
	r.obs.Metrics.RecordExecution(lang, "success", raw.Duration.Seconds())
	logger.Info().
		Int("exit_code", raw.ExitCode).
		Dur("duration", raw.Duration).
		Bool("has_value", result.HasValue).
		Msg("execution completed")

	return result, nil
}

// session hands out a warm session when one matches t and provisions a new
// one otherwise.
func (r *Runner) session(ctx context.Context, execID string, t runtime.Template) (*Session, error) {
	ctx, span := r.obs.Tracer.StartSpan(ctx, "provision",
		monitor.AttrExecID.String(execID),
		monitor.AttrLanguage.String(t.Language),
		monitor.AttrVersion.String(t.Version),
	)

	if s := r.pool.Acquire(t); s != nil {
		span.SetAttributes(monitor.AttrSessionID.String(s.ID), monitor.AttrPooled.Bool(true))
		monitor.EndSpan(span, nil)
		r.obs.Metrics.RecordProvision(t.Language, "pool", 0)
		return s, nil
	}

	start := time.Now()
	s, err := r.prov.Create(ctx, t)
	if err == nil {
		span.SetAttributes(monitor.AttrSessionID.String(s.ID), monitor.AttrPooled.Bool(false))
		r.obs.Metrics.RecordProvision(t.Language, "fresh", time.Since(start).Seconds())
	}
	monitor.EndSpan(span, err)
	return s, err
}

// guestError is the message reported for a failing guest: the error line
// the program wrote, else its last stderr line, else the exit status.
func guestError(raw *RawResult) string {
	if msg, ok := extract.ErrorMessage(raw.Stderr); ok {
		return msg
	}
	if line := lastLine(raw.Stderr); line != "" {
		return line
	}
	return fmt.Sprintf("exit status %d", raw.ExitCode)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n\t ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

func (r *Runner) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

// Languages lists the default template of every supported language.
func (r *Runner) Languages() []runtime.Template {
	return r.registry.Defaults()
}

// Health reports whether the container engine answers.
func (r *Runner) Health(ctx context.Context) error {
	err := r.engine.Ping(ctx)
	if err != nil && !errors.Is(err, ErrEngineDown) {
		return fmt.Errorf("%w: %w", ErrEngineDown, err)
	}
	return err
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close stops accepting requests, waits for in-flight executions (and so
// their session teardown), drains the pool, and closes the engine.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if n := r.ActiveCount(); n > 0 {
		log.Info().Int64("active", n).Msg("waiting for in-flight executions")
	}
	r.wg.Wait()
	r.pool.Stop()
	return r.engine.Close()
}
