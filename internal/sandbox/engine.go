package sandbox

import (
	"context"
	"io"
)

const (
	// SessionPrefix names every container, image, and storage directory a
	// session owns.
	SessionPrefix = "safe-eval-"

	// LabelSession carries the owning session ID on containers and images.
	LabelSession = "safe-eval.session"
)

// Engine is the container engine sessions are built on. Implementations must
// treat "not found" on Stop and RemoveImage as success so teardown can be
// repeated.
type Engine interface {
	Name() string
	Ping(ctx context.Context) error
	Build(ctx context.Context, spec BuildSpec) error
	Start(ctx context.Context, spec ContainerSpec) (string, error)
	Exec(ctx context.Context, containerID string, spec ExecSpec) (ExecResult, error)
	Stop(ctx context.Context, containerID string) error
	RemoveImage(ctx context.Context, image string) error
	ListSessions(ctx context.Context) ([]Resource, error)
	Close() error
}

// BuildSpec describes one image build from a directory holding a Dockerfile.
type BuildSpec struct {
	Tag        string
	ContextDir string
	Labels     map[string]string
}

// ContainerSpec describes a long-lived session container.
type ContainerSpec struct {
	Name     string
	Image    string
	Labels   map[string]string
	Mounts   []Mount
	Limits   ResourceLimits
	Security SecurityProfile
	StateDir string // host directory the engine may use for per-container files
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ExecSpec is one process started inside a running container.
type ExecSpec struct {
	Cmd    []string
	User   string
	Stdout io.Writer
	Stderr io.Writer
}

type ExecResult struct {
	ExitCode int
}

// ResourceKind distinguishes what a listed Resource is.
type ResourceKind string

const (
	KindContainer ResourceKind = "container"
	KindImage     ResourceKind = "image"
)

// Resource is an engine object labelled as belonging to a session.
type Resource struct {
	Kind      ResourceKind
	ID        string
	SessionID string
}

func sessionLabels(sessionID string) map[string]string {
	return map[string]string{LabelSession: sessionID}
}
