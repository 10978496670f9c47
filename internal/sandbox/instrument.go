package sandbox

import (
	"context"
	"time"

	"safe-eval/internal/monitor"
)

// instrumented records the latency of every engine call.
type instrumented struct {
	Engine
	metrics *monitor.Metrics
}

// Instrument wraps e so each operation is observed in m. A nil m returns e
// unchanged.
func Instrument(e Engine, m *monitor.Metrics) Engine {
	if m == nil {
		return e
	}
	return &instrumented{Engine: e, metrics: m}
}

func (i *instrumented) observe(op string, start time.Time) {
	i.metrics.ObserveEngine(op, time.Since(start).Seconds())
}

func (i *instrumented) Build(ctx context.Context, spec BuildSpec) error {
	defer i.observe("build", time.Now())
	return i.Engine.Build(ctx, spec)
}

func (i *instrumented) Start(ctx context.Context, spec ContainerSpec) (string, error) {
	defer i.observe("start", time.Now())
	return i.Engine.Start(ctx, spec)
}

func (i *instrumented) Exec(ctx context.Context, containerID string, spec ExecSpec) (ExecResult, error) {
	defer i.observe("exec", time.Now())
	return i.Engine.Exec(ctx, containerID, spec)
}

func (i *instrumented) Stop(ctx context.Context, containerID string) error {
	defer i.observe("stop", time.Now())
	return i.Engine.Stop(ctx, containerID)
}

func (i *instrumented) RemoveImage(ctx context.Context, image string) error {
	defer i.observe("remove_image", time.Now())
	return i.Engine.RemoveImage(ctx, image)
}
