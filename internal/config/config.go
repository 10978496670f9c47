package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Sandbox   SandboxConfig             `yaml:"sandbox"`
	Jail      JailConfig                `yaml:"jail"`
	Languages map[string]LanguageConfig `yaml:"languages"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Tracing   TracingConfig             `yaml:"tracing"`
	Security  SecurityConfig            `yaml:"security"`
	Pool      PoolConfig                `yaml:"pool"`
	TLS       TLSConfig                 `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Engine          string        `yaml:"engine"`      // "auto" (default), "api", or "cli"
	DockerHost      string        `yaml:"docker_host"` // empty uses DOCKER_HOST / docker context
	WorkRoot        string        `yaml:"work_root"`   // parent of per-session storage directories
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxTimeout      time.Duration `yaml:"max_timeout"`
	KillGrace       time.Duration `yaml:"kill_grace"` // host backstop beyond the jail's own limit
	BuildTimeout    time.Duration `yaml:"build_timeout"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	MaxOutputBytes  int           `yaml:"max_output_bytes"`
	DefaultLimits   DefaultLimits `yaml:"default_limits"`
	SeccompProfile  string        `yaml:"seccomp_profile"`  // "jail" (default), "default", or "unconfined"
	AppArmorProfile string        `yaml:"apparmor_profile"` // empty leaves the engine default
	CleanupOnStart  bool          `yaml:"cleanup_on_start"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

// JailConfig describes the nsjail invocation used for every guest process.
type JailConfig struct {
	Path         string   `yaml:"path"`
	UID          int      `yaml:"uid"`
	GID          int      `yaml:"gid"`
	RlimitAS     string   `yaml:"rlimit_as"` // MiB, or "max"/"hard"/"def"
	Capabilities []string `yaml:"capabilities"`
}

// LanguageConfig sets the default template for one guest language.
type LanguageConfig struct {
	Version  string   `yaml:"version"`
	Packages []string `yaml:"packages"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// PoolConfig controls pre-provisioned sessions for the default templates.
type PoolConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Size        int           `yaml:"size"` // idle sessions kept per language
	RefillDelay time.Duration `yaml:"refill_delay"`
	MaxAge      time.Duration `yaml:"max_age"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute, // covers image build + max time limit
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20, // 2MB
		},
		Sandbox: SandboxConfig{
			Engine:         "auto",
			WorkRoot:       filepath.Join(os.TempDir(), "safe-eval"),
			DefaultTimeout: 10 * time.Second,
			MaxTimeout:     60 * time.Second,
			KillGrace:      5 * time.Second,
			BuildTimeout:   5 * time.Minute,
			MaxConcurrent:  32,
			MaxOutputBytes: 1 << 20,
			DefaultLimits: DefaultLimits{
				CPUShares: 512,
				MemoryMB:  256,
				PidsLimit: 64,
				DiskMB:    100,
			},
			SeccompProfile: "jail",
			CleanupOnStart: true,
		},
		Jail: JailConfig{
			Path:         "/usr/bin/nsjail",
			UID:          99999,
			GID:          99999,
			RlimitAS:     "max",
			Capabilities: []string{"SYS_ADMIN", "SETUID", "SETGID", "SYS_CHROOT", "SETPCAP"},
		},
		Languages: map[string]LanguageConfig{
			"python":     {Version: "3.12"},
			"javascript": {Version: "20"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Pool: PoolConfig{
			Enabled:     false,
			Size:        1,
			RefillDelay: 2 * time.Second,
			MaxAge:      10 * time.Minute,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// ApplyEnv overlays environment overrides onto c.
func (c *Config) ApplyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		log.Info().Int("port", p).Msg("using port from environment")
		c.Server.Port = p
	}
	if host := os.Getenv("SAFE_EVAL_DOCKER_HOST"); host != "" {
		c.Sandbox.DockerHost = host
	}
	if root := os.Getenv("SAFE_EVAL_WORK_ROOT"); root != "" {
		c.Sandbox.WorkRoot = root
	}
	return c.Validate()
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Engine {
	case "auto", "api", "cli":
	default:
		return fmt.Errorf("sandbox.engine must be auto, api, or cli, got %q", c.Sandbox.Engine)
	}
	if !filepath.IsAbs(c.Sandbox.WorkRoot) {
		return fmt.Errorf("sandbox.work_root: %q must be an absolute path", c.Sandbox.WorkRoot)
	}
	if c.Sandbox.DefaultTimeout < time.Second {
		return fmt.Errorf("sandbox.default_timeout must be >= 1s")
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.KillGrace < 0 {
		return fmt.Errorf("sandbox.kill_grace must be >= 0")
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.MaxOutputBytes < 1024 {
		return fmt.Errorf("sandbox.max_output_bytes must be >= 1024")
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 16")
	}
	switch c.Sandbox.SeccompProfile {
	case "jail", "default", "unconfined":
	default:
		return fmt.Errorf("sandbox.seccomp_profile must be jail, default, or unconfined, got %q", c.Sandbox.SeccompProfile)
	}
	if c.Sandbox.SeccompProfile == "unconfined" {
		log.Warn().Msg("sandbox.seccomp_profile is unconfined; the container relies on nsjail alone")
	}
	if !filepath.IsAbs(c.Jail.Path) {
		return fmt.Errorf("jail.path: %q must be an absolute path", c.Jail.Path)
	}
	if c.Jail.UID < 1 || c.Jail.GID < 1 {
		return fmt.Errorf("jail.uid and jail.gid must be non-root")
	}
	if c.Pool.Enabled && c.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be >= 1 when the pool is enabled")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
