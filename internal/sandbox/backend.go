package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"safe-eval/internal/config"
	"safe-eval/internal/runtime"
)

type Backend interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error)
	Languages() []runtime.Template
	Health(ctx context.Context) error
	Close() error
}

var _ Backend = (*Runner)(nil)

// NewBackend wires a Runner from configuration: it picks the engine, sweeps
// resources left by a previous process, and starts the warm pool.
func NewBackend(ctx context.Context, cfg *config.Config, obs Observers) (Backend, error) {
	engine, err := NewEngine(ctx, cfg.Sandbox.Engine, cfg.Sandbox.DockerHost)
	if err != nil {
		return nil, err
	}
	engine = Instrument(engine, obs.Metrics)

	registry := runtime.NewRegistry()
	for lang, lc := range cfg.Languages {
		if err := registry.SetDefault(lang, lc.Version, lc.Packages); err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("languages.%s: %w", lang, err)
		}
	}

	limits := ResourceLimits{
		CPUShares: cfg.Sandbox.DefaultLimits.CPUShares,
		MemoryMB:  cfg.Sandbox.DefaultLimits.MemoryMB,
		PidsLimit: cfg.Sandbox.DefaultLimits.PidsLimit,
		DiskMB:    cfg.Sandbox.DefaultLimits.DiskMB,
	}
	if err := limits.Validate(); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("sandbox.default_limits: %w", err)
	}

	security, err := NewSecurityProfile(cfg.Sandbox.SeccompProfile, cfg.Sandbox.AppArmorProfile, cfg.Jail.Capabilities)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	if cfg.Sandbox.CleanupOnStart {
		cleaned, err := SweepOrphans(ctx, engine, cfg.Sandbox.WorkRoot)
		if err != nil {
			log.Warn().Err(err).Msg("failed to clean up orphaned sessions")
		} else if cleaned > 0 {
			log.Info().Int("count", cleaned).Msg("cleaned orphaned sessions on startup")
		}
	}

	prov := NewProvisioner(engine, registry, ProvisionerConfig{
		WorkRoot: cfg.Sandbox.WorkRoot,
		Limits:   limits,
		Security: security,
		Jail: Jail{
			Path:     cfg.Jail.Path,
			UID:      cfg.Jail.UID,
			GID:      cfg.Jail.GID,
			RlimitAS: cfg.Jail.RlimitAS,
		},
		BuildTimeout:   cfg.Sandbox.BuildTimeout,
		KillGrace:      cfg.Sandbox.KillGrace,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	})

	rcfg := RunnerConfig{
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		MaxTimeout:     cfg.Sandbox.MaxTimeout,
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
	}
	runner := NewRunner(engine, prov, rcfg, obs)

	if cfg.Pool.Enabled {
		pool := NewPool(prov, registry.Defaults(), PoolConfig{
			Size:        cfg.Pool.Size,
			RefillDelay: cfg.Pool.RefillDelay,
			MaxAge:      cfg.Pool.MaxAge,
		}, obs.Metrics)
		runner.pool = pool
		pool.Start(context.WithoutCancel(ctx))
	}

	log.Info().
		Str("engine", engine.Name()).
		Strs("languages", registry.Languages()).
		Bool("pool", cfg.Pool.Enabled).
		Msg("sandbox backend ready")
	return runner, nil
}

// NewEngine connects to the container engine named by preference: "api",
// "cli", or "auto", which prefers the Engine API and falls back to the CLI.
func NewEngine(ctx context.Context, preference, host string) (Engine, error) {
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "api":
		return newAPIEngine(ctx, host)
	case "cli":
		return newCLIEngine(ctx, host)
	case "auto":
		engine, err := newAPIEngine(ctx, host)
		if err == nil {
			log.Info().Msg("using Docker Engine API")
			return engine, nil
		}
		log.Warn().Err(err).Msg("Docker Engine API unavailable, trying docker CLI")

		engine, err = newCLIEngine(ctx, host)
		if err == nil {
			log.Info().Msg("using docker CLI")
			return engine, nil
		}
		return nil, fmt.Errorf("%w: install Docker or set sandbox.docker_host: %w", ErrEngineDown, err)
	default:
		return nil, fmt.Errorf("unknown engine %q: must be auto, api, or cli", preference)
	}
}

func newAPIEngine(ctx context.Context, host string) (Engine, error) {
	engine, err := NewDockerAPI(host)
	if err != nil {
		return nil, err
	}
	if err := engine.Ping(ctx); err != nil {
		_ = engine.Close()
		return nil, err
	}
	return engine, nil
}

func newCLIEngine(ctx context.Context, host string) (Engine, error) {
	engine, err := NewDockerCLI(host)
	if err != nil {
		return nil, err
	}
	if err := engine.Ping(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}
