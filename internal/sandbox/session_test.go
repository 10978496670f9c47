package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"safe-eval/internal/runtime"
)

func TestProvisioner_CreateReady(t *testing.T) {
	engine := newFakeEngine(returns("1"))
	prov := testProvisioner(t, engine)

	s, err := prov.Create(context.Background(), pythonTemplate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	if !strings.HasPrefix(s.ID, SessionPrefix) {
		t.Errorf("session id %q lacks prefix %q", s.ID, SessionPrefix)
	}
	if s.State() != StateReady {
		t.Errorf("state = %s, want ready", s.State())
	}
	if s.Image() != s.ID+":latest" {
		t.Errorf("image = %q, want %q", s.Image(), s.ID+":latest")
	}
	if s.ContainerID() != "ctr-"+s.ID {
		t.Errorf("container = %q", s.ContainerID())
	}

	recipe, err := os.ReadFile(filepath.Join(s.Dir(), buildDirName, "Dockerfile"))
	if err != nil {
		t.Fatalf("reading recipe: %v", err)
	}
	if !strings.Contains(string(recipe), "python:3.12") {
		t.Errorf("recipe does not use the requested version:\n%s", recipe)
	}

	info, err := os.Stat(filepath.Join(s.Dir(), volumeDirName))
	if err != nil {
		t.Fatalf("volume dir: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("volume mode = %o, want 755", info.Mode().Perm())
	}

	spec := engine.starts[0]
	if spec.Name != s.ID || spec.Labels[LabelSession] != s.ID {
		t.Errorf("container spec not tied to session: %+v", spec)
	}
	if len(spec.Mounts) != 1 || spec.Mounts[0].Target != guestVolume || !spec.Mounts[0].ReadOnly {
		t.Errorf("mounts = %+v, want one read-only %s mount", spec.Mounts, guestVolume)
	}
	if spec.Security.Network != "none" {
		t.Errorf("network = %q, want none", spec.Security.Network)
	}
}

func TestProvisioner_BuildFailureLeavesNothing(t *testing.T) {
	engine := newFakeEngine(returns("1"))
	engine.buildErr = errors.New("pip install failed")
	prov := testProvisioner(t, engine)

	s, err := prov.Create(context.Background(), pythonTemplate())
	if err == nil {
		s.Close()
		t.Fatal("expected provisioning error")
	}
	if !IsProvision(err) {
		t.Errorf("error %v is not a provisioning error", err)
	}
	var se *SessionError
	if !errors.As(err, &se) || se.Op != "build_image" {
		t.Errorf("error = %v, want op build_image", err)
	}

	if len(engine.starts) != 0 {
		t.Errorf("container started after failed build")
	}
	_, removed, _, _ := engine.snapshot()
	if len(removed) != 1 || removed[0] != se.SessionID+":latest" {
		t.Errorf("removed images = %v, want the session image", removed)
	}
	if dirExists(t, filepath.Join(prov.workRoot, se.SessionID)) {
		t.Error("storage directory left behind after failed build")
	}
}

func TestProvisioner_StartFailureRemovesContainer(t *testing.T) {
	engine := newFakeEngine(returns("1"))
	engine.startErr = errors.New("cannot start container")
	prov := testProvisioner(t, engine)

	_, err := prov.Create(context.Background(), pythonTemplate())
	if !IsProvision(err) {
		t.Fatalf("err = %v, want provisioning error", err)
	}
	var se *SessionError
	errors.As(err, &se)

	stops, removed, _, _ := engine.snapshot()
	if len(stops) != 1 || stops[0] != "ctr-"+se.SessionID {
		t.Errorf("stops = %v, want the half-started container", stops)
	}
	if len(removed) != 1 {
		t.Errorf("removed images = %v, want 1", removed)
	}
	if dirExists(t, filepath.Join(prov.workRoot, se.SessionID)) {
		t.Error("storage directory left behind after failed start")
	}
}

func TestProvisioner_UnsupportedLanguage(t *testing.T) {
	engine := newFakeEngine(returns("1"))
	prov := testProvisioner(t, engine)

	_, err := prov.Create(context.Background(), runtime.Template{Language: "cobol", Version: "1"})
	if !IsInvalid(err) || !errors.Is(err, ErrUnsupportedLang) {
		t.Fatalf("err = %v, want unsupported language", err)
	}
	if len(engine.builds) != 0 {
		t.Error("build attempted for unsupported language")
	}
}

func TestProvisioner_ConcurrentSessionsAreDistinct(t *testing.T) {
	engine := newFakeEngine(returns("1"))
	prov := testProvisioner(t, engine)

	const n = 8
	sessions := make([]*Session, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i], errs[i] = prov.Create(context.Background(), pythonTemplate())
		}()
	}
	wg.Wait()

	ids := make(map[string]bool)
	dirs := make(map[string]bool)
	for i, s := range sessions {
		if errs[i] != nil {
			t.Fatalf("Create %d: %v", i, errs[i])
		}
		ids[s.ID] = true
		dirs[s.Dir()] = true
	}
	if len(ids) != n || len(dirs) != n {
		t.Errorf("got %d ids and %d dirs for %d sessions", len(ids), len(dirs), n)
	}
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
}

func TestSession_CloseIsExhaustiveAndIdempotent(t *testing.T) {
	engine := newFakeEngine(returns("1"))
	prov := testProvisioner(t, engine)

	var steps []string
	prov.OnCleanupFailure(func(step string, _ error) { steps = append(steps, step) })

	s, err := prov.Create(context.Background(), pythonTemplate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	engine.stopErr = errors.New("daemon hiccup")
	engine.removeImageErr = errors.New("image in use")

	err = s.Close()
	if err == nil {
		t.Fatal("expected joined cleanup error")
	}
	if !strings.Contains(err.Error(), "stop_container") || !strings.Contains(err.Error(), "remove_image") {
		t.Errorf("error %q does not name both failed steps", err)
	}
	if dirExists(t, s.Dir()) {
		t.Error("storage directory not removed after earlier steps failed")
	}
	if !slices.Equal(steps, []string{"stop_container", "remove_image"}) {
		t.Errorf("cleanup hook saw %v", steps)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}

	if again := s.Close(); again != err {
		t.Errorf("second Close = %v, want the first error", again)
	}
	stops, removed, _, _ := engine.snapshot()
	if len(stops) != 1 || len(removed) != 1 {
		t.Errorf("teardown repeated: stops=%v removed=%v", stops, removed)
	}
}

func TestSession_RunAfterClose(t *testing.T) {
	engine := newFakeEngine(returns("1"))
	s, err := testProvisioner(t, engine).Create(context.Background(), pythonTemplate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Close()

	_, err = s.Run(context.Background(), "print(1)", 5, nil, nil)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestSession_RunUnderJail(t *testing.T) {
	engine := newFakeEngine(func(_ context.Context, program string, stdout, _ io.Writer) int {
		stdout.Write([]byte(program))
		return 0
	})
	s, err := testProvisioner(t, engine).Create(context.Background(), pythonTemplate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	raw, err := s.Run(context.Background(), "print('hi')", 3, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if raw.Stdout != "print('hi')" {
		t.Errorf("stdout = %q, want the program echoed", raw.Stdout)
	}
	if s.State() != StateReady {
		t.Errorf("state after run = %s, want ready", s.State())
	}

	_, _, execs, _ := engine.snapshot()
	if len(execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(execs))
	}
	cmd := execs[0].Cmd
	if execs[0].User != "0" {
		t.Errorf("exec user = %q, want 0", execs[0].User)
	}
	if cmd[0] != DefaultJail().Path {
		t.Errorf("argv[0] = %q, want the jail", cmd[0])
	}
	if i := slices.Index(cmd, "--time_limit"); i < 0 || cmd[i+1] != "3" {
		t.Errorf("argv %v lacks --time_limit 3", cmd)
	}
	last := cmd[len(cmd)-1]
	if !strings.HasPrefix(last, guestVolume+"/") || !strings.HasSuffix(last, ".py") {
		t.Errorf("program path = %q", last)
	}

	info, err := os.Stat(filepath.Join(s.Dir(), volumeDirName, filepath.Base(last)))
	if err != nil {
		t.Fatalf("program file: %v", err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Errorf("program mode = %o, want 444", info.Mode().Perm())
	}
}

func TestSession_BackstopTimeout(t *testing.T) {
	engine := newFakeEngine(hangs)
	s, err := testProvisioner(t, engine).Create(context.Background(), pythonTemplate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	start := time.Now()
	raw, err := s.Run(context.Background(), "while True: pass", 1, nil, nil)
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if !raw.TimedOut || raw.ExitCode != -1 {
		t.Errorf("raw = %+v, want timed out with exit -1", raw)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %s, backstop did not fire", elapsed)
	}
	if _, _, _, kills := engine.snapshot(); kills != 1 {
		t.Errorf("kills = %d, want 1", kills)
	}
}

func TestSession_JailKillIsTimeout(t *testing.T) {
	engine := newFakeEngine(sleeps(1100*time.Millisecond, 137))
	prov := testProvisioner(t, engine)
	prov.killGrace = 2 * time.Second
	s, err := prov.Create(context.Background(), pythonTemplate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	raw, err := s.Run(context.Background(), "import time; time.sleep(5)", 1, nil, nil)
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if !raw.TimedOut || raw.ExitCode != 137 {
		t.Errorf("raw = %+v", raw)
	}
	if _, _, _, kills := engine.snapshot(); kills != 0 {
		t.Errorf("kills = %d, want none when the jail enforced the limit", kills)
	}
}

func TestSession_FastFailureIsNotTimeout(t *testing.T) {
	engine := newFakeEngine(raises("boom"))
	s, err := testProvisioner(t, engine).Create(context.Background(), pythonTemplate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	raw, err := s.Run(context.Background(), "raise Exception('boom')", 5, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if raw.TimedOut || raw.ExitCode != 1 {
		t.Errorf("raw = %+v, want exit 1 without timeout", raw)
	}
}

func TestSession_LateFailureIsNotTimeout(t *testing.T) {
	// Exits 1 just after the limit, as a guest that raised while the host
	// was slow to reap it would.
	engine := newFakeEngine(sleeps(1100*time.Millisecond, 1))
	prov := testProvisioner(t, engine)
	prov.killGrace = 2 * time.Second
	s, err := prov.Create(context.Background(), pythonTemplate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	raw, err := s.Run(context.Background(), "raise Exception('late')", 1, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if raw.TimedOut || raw.ExitCode != 1 {
		t.Errorf("raw = %+v, want exit 1 without timeout", raw)
	}
}

func TestSession_RejectsZeroLimit(t *testing.T) {
	engine := newFakeEngine(returns("1"))
	s, err := testProvisioner(t, engine).Create(context.Background(), pythonTemplate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	if _, err := s.Run(context.Background(), "x", 0, nil, nil); !IsInvalid(err) {
		t.Errorf("err = %v, want invalid request", err)
	}
}
