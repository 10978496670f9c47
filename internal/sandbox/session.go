package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"safe-eval/internal/runtime"
)

// State is where a Session is in its lifecycle.
type State int32

const (
	StateProvisioning State = iota
	StateReady
	StateExecuting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// closeTimeout bounds teardown; it runs detached from the request context.
const closeTimeout = 2 * time.Minute

// Session owns one isolated environment: a built image, a running container,
// and a private storage directory. It is used by a single request and then
// closed.
type Session struct {
	ID        string
	Template  runtime.Template
	CreatedAt time.Time

	engine      Engine
	rt          runtime.Runtime
	jail        Jail
	grace       time.Duration
	maxOutput   int
	dir         string
	image       string
	containerID string

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
	closeErr  error

	// onCleanupFailure is told about each teardown step that failed.
	onCleanupFailure func(step string, err error)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dir is the session's private storage directory on the host.
func (s *Session) Dir() string { return s.dir }

// Image is the tag of the image built for this session.
func (s *Session) Image() string { return s.image }

func (s *Session) ContainerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containerID
}

// Close releases the container, the image, and the storage directory. Every
// step is attempted even if an earlier one fails. Close may be called from
// any state and any number of times; only the first call does work and later
// calls return the same error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		containerID, image, dir := s.containerID, s.image, s.dir
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		logger := log.With().Str("session_id", s.ID).Logger()
		var errs []error
		fail := func(step string, err error) {
			logger.Warn().Err(err).Str("step", step).Msg("session cleanup step failed")
			if s.onCleanupFailure != nil {
				s.onCleanupFailure(step, err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", step, err))
		}

		if containerID != "" && s.engine != nil {
			if err := s.engine.Stop(ctx, containerID); err != nil {
				fail("stop_container", err)
			}
		}
		if image != "" && s.engine != nil {
			if err := s.engine.RemoveImage(ctx, image); err != nil {
				fail("remove_image", err)
			}
		}
		if dir != "" {
			if err := os.RemoveAll(dir); err != nil {
				fail("remove_storage", err)
			}
		}

		s.closeErr = errors.Join(errs...)
		if s.closeErr == nil {
			logger.Debug().Msg("session closed")
		}
	})
	return s.closeErr
}
