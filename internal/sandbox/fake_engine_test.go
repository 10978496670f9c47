package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"safe-eval/internal/runtime"
)

// guestFunc plays the part of the jailed program. It receives the program
// text the session wrote and returns the exit status.
type guestFunc func(ctx context.Context, program string, stdout, stderr io.Writer) int

// fakeEngine records every call and runs guest in place of docker exec.
type fakeEngine struct {
	mu sync.Mutex

	pingErr        error
	buildErr       error
	startErr       error
	stopErr        error
	removeImageErr error

	guest guestFunc

	builds    []BuildSpec
	starts    []ContainerSpec
	execs     []ExecSpec
	stops     []string
	removed   []string
	kills     int
	volumes   map[string]string
	resources []Resource
	closed    bool
}

func newFakeEngine(guest guestFunc) *fakeEngine {
	return &fakeEngine{guest: guest, volumes: make(map[string]string)}
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Ping(context.Context) error { return f.pingErr }

func (f *fakeEngine) Build(_ context.Context, spec BuildSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, spec)
	if _, err := os.Stat(filepath.Join(spec.ContextDir, "Dockerfile")); err != nil {
		return fmt.Errorf("no recipe in build context: %w", err)
	}
	return f.buildErr
}

func (f *fakeEngine) Start(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, spec)
	id := "ctr-" + spec.Name
	if len(spec.Mounts) > 0 {
		f.volumes[id] = spec.Mounts[0].Source
	}
	return id, f.startErr
}

func (f *fakeEngine) Exec(ctx context.Context, containerID string, spec ExecSpec) (ExecResult, error) {
	f.mu.Lock()
	f.execs = append(f.execs, spec)
	if len(spec.Cmd) > 0 && spec.Cmd[0] == killAllCmd[0] {
		f.kills++
		f.mu.Unlock()
		return ExecResult{}, nil
	}
	volume, ok := f.volumes[containerID]
	guest := f.guest
	f.mu.Unlock()

	if !ok {
		return ExecResult{ExitCode: -1}, fmt.Errorf("no such container: %s", containerID)
	}
	program, err := os.ReadFile(filepath.Join(volume, path.Base(spec.Cmd[len(spec.Cmd)-1])))
	if err != nil {
		return ExecResult{ExitCode: -1}, err
	}

	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	code := guest(ctx, string(program), stdout, stderr)
	if ctx.Err() != nil {
		return ExecResult{ExitCode: -1}, ctx.Err()
	}
	return ExecResult{ExitCode: code}, nil
}

func (f *fakeEngine) Stop(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, containerID)
	return f.stopErr
}

func (f *fakeEngine) RemoveImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, image)
	return f.removeImageErr
}

func (f *fakeEngine) ListSessions(context.Context) ([]Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Resource(nil), f.resources...), nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) snapshot() (stops, removed []string, execs []ExecSpec, kills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...), append([]string(nil), f.removed...),
		append([]ExecSpec(nil), f.execs...), f.kills
}

var markerPattern = regexp.MustCompile(regexp.QuoteMeta(MarkerPrefix) + `[0-9a-f]{64}`)

// markerIn finds the result marker the wrapper embedded in program.
func markerIn(program string) string {
	return markerPattern.FindString(program)
}

// returns prints some output and then the result payload, as a wrapped
// program does on success.
func returns(payload string) guestFunc {
	return func(_ context.Context, program string, stdout, _ io.Writer) int {
		fmt.Fprintln(stdout, "working")
		fmt.Fprintf(stdout, "%s{\"returnValue\": %s}\n", markerIn(program), payload)
		return 0
	}
}

// raises reports msg the way a wrapped program reports an exception.
func raises(msg string) guestFunc {
	return func(_ context.Context, _ string, _, stderr io.Writer) int {
		fmt.Fprintf(stderr, "{\"error\": %q}\n", msg)
		return 1
	}
}

// hangs never finishes on its own.
func hangs(ctx context.Context, _ string, _, _ io.Writer) int {
	<-ctx.Done()
	return -1
}

// sleeps runs for d and then exits with code, like a guest the jail killed
// at its time limit.
func sleeps(d time.Duration, code int) guestFunc {
	return func(ctx context.Context, _ string, _, _ io.Writer) int {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
		return code
	}
}

func testProvisioner(t *testing.T, engine Engine) *Provisioner {
	t.Helper()
	return NewProvisioner(engine, runtime.NewRegistry(), ProvisionerConfig{
		WorkRoot:     filepath.Join(t.TempDir(), "work"),
		Security:     DefaultSecurityProfile(),
		BuildTimeout: 10 * time.Second,
		KillGrace:    50 * time.Millisecond,
	})
}

func pythonTemplate() runtime.Template {
	return runtime.Template{Language: "python", Version: "3.12"}
}

func dirExists(t *testing.T, dir string) bool {
	t.Helper()
	_, err := os.Stat(dir)
	if err == nil {
		return true
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stat %s: %v", dir, err)
	}
	return false
}

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
