package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RawResult is exactly what the jail reported for one program run.
type RawResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Run writes program into the session's volume and runs it once under the
// jail with a hard limit of timeLimitSeconds. Output is captured separately
// per stream and also copied to stdout and stderr when they are non-nil.
//
// A run that exceeds its limit returns the partial RawResult together with
// an error wrapping ErrTimeout.
func (s *Session) Run(ctx context.Context, program string, timeLimitSeconds int, stdout, stderr io.Writer) (*RawResult, error) {
	if timeLimitSeconds < 1 {
		return nil, &SessionError{SessionID: s.ID, Op: "run", Err: fmt.Errorf("%w: time limit must be at least 1s", ErrInvalidRequest)}
	}

	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.state = StateExecuting
	case StateClosed:
		s.mu.Unlock()
		return nil, &SessionError{SessionID: s.ID, Op: "run", Err: ErrSessionClosed}
	default:
		st := s.state
		s.mu.Unlock()
		return nil, &SessionError{SessionID: s.ID, Op: "run", Err: fmt.Errorf("%w (state %s)", ErrSessionBusy, st)}
	}
	containerID := s.containerID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == StateExecuting {
			s.state = StateReady
		}
		s.mu.Unlock()
	}()

	name := xid.New().String() + s.rt.FileExtension()
	hostPath := filepath.Join(s.dir, volumeDirName, name)
	if err := os.WriteFile(hostPath, []byte(program), 0o444); err != nil { // #nosec G306 -- read by the jail user
		return nil, &SessionError{SessionID: s.ID, Op: "write_program", Err: err}
	}

	argv := s.jail.Command(timeLimitSeconds, s.rt.Env(), s.rt.Command(path.Join(guestVolume, name)))

	limit := time.Duration(timeLimitSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, limit+s.grace)
	defer cancel()

	outBuf := newCappedBuffer(s.maxOutput)
	errBuf := newCappedBuffer(s.maxOutput / 4)

	start := time.Now()
	res, err := s.engine.Exec(execCtx, containerID, ExecSpec{
		Cmd:    argv,
		User:   "0",
		Stdout: tee(outBuf, stdout),
		Stderr: tee(errBuf, stderr),
	})
	elapsed := time.Since(start)

	raw := &RawResult{
		Stdout:    outBuf.String(),
		Stderr:    errBuf.String(),
		ExitCode:  res.ExitCode,
		Duration:  elapsed,
		Truncated: outBuf.Truncated() || errBuf.Truncated(),
	}

	logger := log.With().Str("session_id", s.ID).Str("program", name).Logger()

	if execCtx.Err() != nil {
		// The exec call returned because we gave up on it; the jail may
		// still be running inside the container.
		s.killAll(logger)
		if ctx.Err() != nil {
			return raw, &SessionError{SessionID: s.ID, Op: "run", Err: ctx.Err()}
		}
		raw.TimedOut = true
		raw.ExitCode = -1
		logger.Warn().Dur("elapsed", elapsed).Int("limit_s", timeLimitSeconds).Msg("backstop deadline hit, guest killed")
		return raw, &SessionError{SessionID: s.ID, Op: "run", Err: fmt.Errorf("%w after %s", ErrTimeout, limit)}
	}
	if err != nil {
		return raw, &SessionError{SessionID: s.ID, Op: "run", Err: err}
	}

	// The jail enforces the limit itself and reports the guest it killed as
	// 128+SIGKILL. A guest that merely failed late is an execution error.
	if res.ExitCode == jailKilledExitCode && elapsed >= limit {
		raw.TimedOut = true
		logger.Warn().Dur("elapsed", elapsed).Int("exit_code", res.ExitCode).Msg("guest killed at time limit")
		return raw, &SessionError{SessionID: s.ID, Op: "run", Err: fmt.Errorf("%w after %s", ErrTimeout, limit)}
	}

	logger.Debug().Int("exit_code", res.ExitCode).Dur("duration", elapsed).Msg("program finished")
	return raw, nil
}

// jailKilledExitCode is the jail's exit status for a guest it killed.
const jailKilledExitCode = 128 + 9

func (s *Session) killAll(logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.engine.Exec(ctx, s.ContainerID(), ExecSpec{Cmd: killAllCmd, User: "0"}); err != nil {
		logger.Warn().Err(err).Msg("failed to kill guest processes; container stop will reap them")
	}
}

func tee(buf io.Writer, stream io.Writer) io.Writer {
	if stream == nil {
		return buf
	}
	return io.MultiWriter(buf, stream)
}

// tailSize is how much of the end of an overlong stream is kept. The result
// marker is printed last, so the tail is what extraction needs.
const tailSize = 64 * 1024

// cappedBuffer keeps the first max bytes written and the last tailSize
// bytes. Writes never fail, so a chatty guest cannot break the copy loop.
type cappedBuffer struct {
	max     int
	head    bytes.Buffer
	tail    []byte
	dropped bool
}

func newCappedBuffer(max int) *cappedBuffer {
	if max < 1024 {
		max = 1024
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.max - b.head.Len(); room > 0 {
		if len(p) <= room {
			b.head.Write(p)
			return n, nil
		}
		b.head.Write(p[:room])
		p = p[room:]
	}
	b.tail = append(b.tail, p...)
	if len(b.tail) > tailSize {
		b.dropped = true
		b.tail = append(b.tail[:0], b.tail[len(b.tail)-tailSize:]...)
	}
	return n, nil
}

func (b *cappedBuffer) Truncated() bool { return b.dropped }

func (b *cappedBuffer) String() string {
	if !b.dropped {
		return b.head.String() + string(b.tail)
	}
	return b.head.String() + "\n... [output truncated]\n" + string(b.tail)
}
