package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"safe-eval/internal/runtime"
)

const (
	buildDirName  = "build"
	volumeDirName = "volume"

	// guestVolume is where the session's volume directory appears inside
	// the container.
	guestVolume = "/volume"
)

// Provisioner turns a Template into a ready Session.
type Provisioner struct {
	engine       Engine
	registry     *runtime.Registry
	workRoot     string
	limits       ResourceLimits
	security     SecurityProfile
	jail         Jail
	buildTimeout time.Duration
	killGrace    time.Duration
	maxOutput    int

	onCleanupFailure func(step string, err error)
}

type ProvisionerConfig struct {
	WorkRoot       string
	Limits         ResourceLimits
	Security       SecurityProfile
	Jail           Jail
	BuildTimeout   time.Duration
	KillGrace      time.Duration
	MaxOutputBytes int
}

func NewProvisioner(engine Engine, registry *runtime.Registry, cfg ProvisionerConfig) *Provisioner {
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 5 * time.Minute
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if cfg.Limits == (ResourceLimits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Jail.Path == "" {
		cfg.Jail = DefaultJail()
	}
	return &Provisioner{
		engine:       engine,
		registry:     registry,
		workRoot:     cfg.WorkRoot,
		limits:       cfg.Limits,
		security:     cfg.Security,
		jail:         cfg.Jail,
		buildTimeout: cfg.BuildTimeout,
		killGrace:    cfg.KillGrace,
		maxOutput:    cfg.MaxOutputBytes,
	}
}

// OnCleanupFailure registers fn to be told about every teardown step that
// fails in sessions created after the call.
func (p *Provisioner) OnCleanupFailure(fn func(step string, err error)) {
	p.onCleanupFailure = fn
}

// Registry returns the runtimes sessions are built for.
func (p *Provisioner) Registry() *runtime.Registry { return p.registry }

// Create builds and starts a session for t. Whatever was allocated before a
// failing step is released before the error is returned, so a failed Create
// leaves nothing behind.
//
// Provisioning is not cancellable once started: ctx only contributes its
// values, and the build and start are bounded by the build timeout instead.
func (p *Provisioner) Create(ctx context.Context, t runtime.Template) (*Session, error) {
	rt, err := p.registry.Get(t.Language)
	if err != nil {
		return nil, &SessionError{Op: "resolve_runtime", Err: fmt.Errorf("%w: %w", ErrInvalidRequest, err)}
	}

	id, err := NewSessionID()
	if err != nil {
		return nil, provisionErr("", "allocate_id", err)
	}

	s := &Session{
		ID:               id,
		Template:         t,
		CreatedAt:        time.Now(),
		engine:           p.engine,
		rt:               rt,
		jail:             p.jail,
		grace:            p.killGrace,
		maxOutput:        p.maxOutput,
		state:            StateProvisioning,
		onCleanupFailure: p.onCleanupFailure,
	}

	logger := log.With().
		Str("session_id", id).
		Str("language", t.Language).
		Str("version", t.Version).
		Strs("packages", t.Packages).
		Logger()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.buildTimeout)
	defer cancel()

	fail := func(op string, err error) (*Session, error) {
		if closeErr := s.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("cleanup after failed provisioning was incomplete")
		}
		logger.Error().Err(err).Str("op", op).Msg("session provisioning failed")
		return nil, provisionErr(id, op, err)
	}

	// (1) private storage
	if err := os.MkdirAll(p.workRoot, 0o755); err != nil {
		return fail("create_work_root", err)
	}
	dir := filepath.Join(p.workRoot, id)
	if err := os.Mkdir(dir, 0o711); err != nil {
		return fail("create_storage", err)
	}
	s.dir = dir
	buildDir := filepath.Join(dir, buildDirName)
	if err := os.Mkdir(buildDir, 0o700); err != nil {
		return fail("create_storage", err)
	}
	if err := os.Mkdir(filepath.Join(dir, volumeDirName), 0o755); err != nil {
		return fail("create_storage", err)
	}
	// Mkdir is subject to umask; the jail user must be able to traverse.
	if err := os.Chmod(filepath.Join(dir, volumeDirName), 0o755); err != nil { // #nosec G302 -- read-only mount for the guest
		return fail("create_storage", err)
	}
	if err := os.Chmod(dir, 0o711); err != nil { // #nosec G302 -- traverse only
		return fail("create_storage", err)
	}

	// (2) recipe
	recipe, err := rt.Recipe(t)
	if err != nil {
		return fail("render_recipe", err)
	}
	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), []byte(recipe), 0o600); err != nil {
		return fail("write_recipe", err)
	}

	// (3) image
	s.image = id + ":latest"
	start := time.Now()
	if err := p.engine.Build(ctx, BuildSpec{
		Tag:        s.image,
		ContextDir: buildDir,
		Labels:     sessionLabels(id),
	}); err != nil {
		return fail("build_image", err)
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("session image built")

	// (4) container; the name is recorded first so a container that was
	// created but failed to start is still removed.
	s.containerID = id
	containerID, err := p.engine.Start(ctx, ContainerSpec{
		Name:   id,
		Image:  s.image,
		Labels: sessionLabels(id),
		Mounts: []Mount{{
			Source:   filepath.Join(dir, volumeDirName),
			Target:   guestVolume,
			ReadOnly: true,
		}},
		Limits:   p.limits,
		Security: p.security,
		StateDir: dir,
	})
	if containerID != "" {
		s.containerID = containerID
	}
	if err != nil {
		return fail("start_container", err)
	}

	s.mu.Lock()
	if s.state == StateProvisioning {
		s.state = StateReady
	}
	s.mu.Unlock()

	logger.Info().Dur("duration", time.Since(s.CreatedAt)).Msg("session ready")
	return s, nil
}
