package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"safe-eval/pkg/seccomp"
)

// DockerCLI drives the docker binary with argument lists. It is the fallback
// when the Engine API socket is not reachable from this process, e.g. when
// only a docker context is configured.
type DockerCLI struct {
	bin        string
	dockerHost string // resolved DOCKER_HOST (e.g. from Docker context)
}

func NewDockerCLI(host string) (*DockerCLI, error) {
	bin, err := exec.LookPath("docker")
	if err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}
	if host == "" {
		host = resolveDockerHost()
	}
	return &DockerCLI{bin: bin, dockerHost: host}, nil
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerCLI) Name() string { return "docker-cli" }

func (d *DockerCLI) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, d.bin, args...) // #nosec G204 -- argument list, no shell
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// run executes a docker command and returns trimmed stdout. Failures carry
// docker's stderr so callers can classify them.
func (d *DockerCLI) run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := d.command(ctx, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", &cliError{op: args[0], msg: msg, err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

type cliError struct {
	op  string
	msg string
	err error
}

func (e *cliError) Error() string { return fmt.Sprintf("docker %s: %s", e.op, e.msg) }
func (e *cliError) Unwrap() error { return e.err }

func isCLINotFound(err error) bool {
	var ce *cliError
	if !errors.As(err, &ce) {
		return false
	}
	return strings.Contains(ce.msg, "No such container") ||
		strings.Contains(ce.msg, "No such image") ||
		strings.Contains(ce.msg, "not found")
}

func (d *DockerCLI) Ping(ctx context.Context) error {
	if _, err := d.run(ctx, "info", "--format", "{{.ServerVersion}}"); err != nil {
		return fmt.Errorf("%w: docker daemon not reachable: %v", ErrEngineDown, err)
	}
	return nil
}

func (d *DockerCLI) Build(ctx context.Context, spec BuildSpec) error {
	args := []string{"build", "--tag", spec.Tag, "--rm", "--force-rm", "--quiet"}
	args = append(args, labelArgs(spec.Labels)...)
	args = append(args, spec.ContextDir)
	_, err := d.run(ctx, args...)
	return err
}

func (d *DockerCLI) Start(ctx context.Context, spec ContainerSpec) (string, error) {
	seccompRef := ""
	if spec.Security.Seccomp != nil {
		data, err := seccomp.Marshal(spec.Security.Seccomp)
		if err != nil {
			return "", fmt.Errorf("seccomp profile: %w", err)
		}
		seccompRef = filepath.Join(spec.StateDir, "seccomp.json")
		if err := os.WriteFile(seccompRef, data, 0o600); err != nil {
			return "", fmt.Errorf("write seccomp profile: %w", err)
		}
	}
	return d.run(ctx, buildRunArgs(spec, seccompRef)...)
}

func buildRunArgs(spec ContainerSpec, seccompRef string) []string {
	sec := spec.Security
	args := []string{
		"run", "--detach",
		"--name", spec.Name,
		"--network", sec.Network,
		"--user", sec.User,
		"--cap-drop", "ALL",
	}
	args = append(args, labelArgs(spec.Labels)...)
	for _, c := range sec.CapAdd {
		args = append(args, "--cap-add", c)
	}
	for _, opt := range sec.SecurityOpts(seccompRef) {
		args = append(args, "--security-opt", opt)
	}
	if sec.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	args = append(args, spec.Limits.cliArgs()...)
	for _, m := range spec.Mounts {
		v := m.Source + ":" + m.Target
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "--volume", v)
	}
	return append(args, spec.Image)
}

func labelArgs(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "--label", k+"="+labels[k])
	}
	return args
}

func (d *DockerCLI) Exec(ctx context.Context, containerID string, spec ExecSpec) (ExecResult, error) {
	args := []string{"exec"}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	args = append(args, containerID)
	args = append(args, spec.Cmd...)

	cmd := d.command(ctx, args...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	err := cmd.Run()
	if err == nil {
		return ExecResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExecResult{ExitCode: exitErr.ExitCode()}, ctx.Err()
	}
	return ExecResult{ExitCode: -1}, fmt.Errorf("docker exec: %w", err)
}

func (d *DockerCLI) Stop(ctx context.Context, containerID string) error {
	if _, err := d.run(ctx, "rm", "--force", "--volumes", containerID); err != nil && !isCLINotFound(err) {
		return err
	}
	return nil
}

func (d *DockerCLI) RemoveImage(ctx context.Context, image string) error {
	if _, err := d.run(ctx, "image", "rm", "--force", "--no-prune", image); err != nil && !isCLINotFound(err) {
		return err
	}
	return nil
}

func (d *DockerCLI) ListSessions(ctx context.Context) ([]Resource, error) {
	filter := "label=" + LabelSession
	containers, err := d.run(ctx, "ps", "--all", "--no-trunc", "--filter", filter,
		"--format", `{{.ID}}\t{{.Label "`+LabelSession+`"}}`)
	if err != nil {
		return nil, err
	}
	images, err := d.run(ctx, "images", "--no-trunc", "--filter", filter,
		"--format", `{{.ID}}\t{{.Repository}}`)
	if err != nil {
		return nil, err
	}
	out := parseListing(KindContainer, containers)
	return append(out, parseListing(KindImage, images)...), nil
}

func parseListing(kind ResourceKind, listing string) []Resource {
	var out []Resource
	for _, line := range strings.Split(listing, "\n") {
		id, session, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || id == "" {
			continue
		}
		out = append(out, Resource{Kind: kind, ID: id, SessionID: session})
	}
	return out
}

func (d *DockerCLI) Close() error { return nil }
