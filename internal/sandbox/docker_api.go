package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/moby/go-archive"
	"github.com/rs/zerolog/log"

	"safe-eval/pkg/seccomp"
)

// DockerAPI talks to the Docker Engine API through the official Go client.
type DockerAPI struct {
	cli client.APIClient
}

func NewDockerAPI(host string) (*DockerAPI, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerAPI{cli: cli}, nil
}

func (d *DockerAPI) Name() string { return "docker-api" }

func (d *DockerAPI) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineDown, err)
	}
	return nil
}

func (d *DockerAPI) Build(ctx context.Context, spec BuildSpec) error {
	tar, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archiving build context: %w", err)
	}
	defer tar.Close()

	resp, err := d.cli.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:        []string{spec.Tag},
		Dockerfile:  "Dockerfile",
		Labels:      spec.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("image build: %w", err)
	}
	defer resp.Body.Close()

	// The build result arrives as a JSON message stream; an error message in
	// it is the only signal that a RUN step failed.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("image build: %w", err)
	}
	return nil
}

func (d *DockerAPI) Start(ctx context.Context, spec ContainerSpec) (string, error) {
	seccompRef := ""
	if spec.Security.Seccomp != nil {
		data, err := seccomp.Marshal(spec.Security.Seccomp)
		if err != nil {
			return "", fmt.Errorf("seccomp profile: %w", err)
		}
		seccompRef = string(data)
	}

	sec := spec.Security
	pids := spec.Limits.PidsLimit
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostConfig := &container.HostConfig{
		NetworkMode:    container.NetworkMode(sec.Network),
		ReadonlyRootfs: sec.ReadOnlyRoot,
		CapDrop:        []string{"ALL"},
		CapAdd:         sec.CapAdd,
		SecurityOpt:    sec.SecurityOpts(seccompRef),
		Tmpfs:          map[string]string{"/tmp": spec.Limits.TmpfsOptions()},
		Mounts:         mounts,
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes(),
			MemorySwap: spec.Limits.MemoryBytes(),
			NanoCPUs:   spec.Limits.NanoCPUs(),
			PidsLimit:  &pids,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		User:   sec.User,
		Labels: spec.Labels,
	}, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("container start: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerAPI) Exec(ctx context.Context, containerID string, spec ExecSpec) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         spec.User,
		Cmd:          spec.Cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return ExecResult{ExitCode: -1}, fmt.Errorf("exec stream: %w", err)
		}
	case <-ctx.Done():
		// Closing the hijacked connection unblocks StdCopy; the process
		// itself keeps running until the caller kills it.
		attach.Close()
		<-copied
		return ExecResult{ExitCode: -1}, ctx.Err()
	}

	return d.waitExec(ctx, created.ID)
}

// waitExec polls until the daemon records the exec's exit code. The stream
// usually closes after the process exits, so the first inspect normally
// suffices.
func (d *DockerAPI) waitExec(ctx context.Context, execID string) (ExecResult, error) {
	for {
		insp, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return ExecResult{ExitCode: -1}, fmt.Errorf("exec inspect: %w", err)
		}
		if !insp.Running {
			return ExecResult{ExitCode: insp.ExitCode}, nil
		}
		select {
		case <-ctx.Done():
			return ExecResult{ExitCode: -1}, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (d *DockerAPI) Stop(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (d *DockerAPI) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: false})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("image remove: %w", err)
	}
	return nil
}

func (d *DockerAPI) ListSessions(ctx context.Context) ([]Resource, error) {
	args := filters.NewArgs(filters.Arg("label", LabelSession))

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	images, err := d.cli.ImageList(ctx, image.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("image list: %w", err)
	}

	out := make([]Resource, 0, len(containers)+len(images))
	for _, c := range containers {
		out = append(out, Resource{Kind: KindContainer, ID: c.ID, SessionID: c.Labels[LabelSession]})
	}
	for _, img := range images {
		out = append(out, Resource{Kind: KindImage, ID: img.ID, SessionID: img.Labels[LabelSession]})
	}
	return out, nil
}

func (d *DockerAPI) Close() error {
	if err := d.cli.Close(); err != nil {
		log.Warn().Err(err).Msg("closing docker client")
		return err
	}
	return nil
}
