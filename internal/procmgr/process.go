package procmgr

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

// Process is a single supervised child, isolated in its own process group
// so PAUSE/RESUME/CANCEL can address the whole group at once. One Process
// backs exactly one session's Process Descriptor (spec.md §3).
//
// Lifecycle, grounded on the teacher's process.Start/supervise/Close shape:
//
//	p := Spawn(ctx, spec) → p.Stdout()/p.Stderr() drained by the caller →
//	p.Signal(...) any number of times → <-p.Done() → p.Wait() for ExitInfo
type Process struct {
	log *zap.Logger

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	ptyF   *os.File // non-nil when spec.UsePTY

	pid       int
	pgid      int
	startedAt time.Time

	state atomic.Int32 // guarded reads via State(); writes serialized by mu
	mu    sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	sigkillGrace time.Duration

	exit   ExitInfo
	waited bool
}

// Spawn launches command in a new process group. On failure it returns
// (nil, error) — the caller reports the spawn failure; PGC never retries a
// spawn failure (spec.md §4.1).
func Spawn(ctx context.Context, log *zap.Logger, spec Spec, sigkillGrace time.Duration) (*Process, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
	cmd.Env = spec.Env
	cmd.Dir = spec.Cwd
	setProcGroup(cmd)

	p := &Process{
		log:          log,
		cmd:          cmd,
		done:         make(chan struct{}),
		sigkillGrace: sigkillGrace,
	}
	p.state.Store(int32(StateStarting))

	if spec.UsePTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("pty start: %w", err)
		}
		p.ptyF = f
		p.stdout = f
		p.stderr = io.NopCloser(eofReader{}) // PTY multiplexes both streams onto one fd
	} else {
		stdout, stderr, err := pipes(cmd)
		if err != nil {
			return nil, fmt.Errorf("pipe setup: %w", err)
		}
		p.stdout, p.stderr = stdout, stderr

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
	}

	p.pid = cmd.Process.Pid
	p.pgid = p.pid // Setpgid makes the child its own group leader
	p.startedAt = time.Now()
	p.state.Store(int32(StateRunning))

	p.log.Info("process started", zap.Int("pid", p.pid), zap.Bool("pty", spec.UsePTY))

	go p.reap()

	return p, nil
}

// pipes sets up stdout/stderr pipes, closing any partially-created pipe on
// failure so no file descriptor leaks (grounded on the teacher's pipes()).
func pipes(cmd *exec.Cmd) (io.ReadCloser, io.ReadCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return stdout, stderr, nil
}

// PID and PGID are immutable after spawn (spec.md §3).
func (p *Process) PID() int  { return p.pid }
func (p *Process) PGID() int { return p.pgid }

func (p *Process) State() State { return State(p.state.Load()) }

// StartedAt is when the child was successfully spawned.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Stdout and Stderr are drained exactly once by the Stream Multiplexer.
func (p *Process) Stdout() io.Reader { return p.stdout }
func (p *Process) Stderr() io.Reader { return p.stderr }

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// reap waits for the child and records exit metadata. Runs once per
// Process, started by Spawn.
func (p *Process) reap() {
	err := p.cmd.Wait()
	p.waited = true

	p.mu.Lock()
	p.exit.FinishedAt = time.Now()
	if err == nil {
		p.exit.ExitCode = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		status := waitStatus(exitErr)
		p.exit.Signaled = status.signaled
		p.exit.SignalName = status.signalName
		p.exit.ExitCode = status.exitCode
	} else {
		p.exit.ExitCode = -1
	}
	p.state.Store(int32(StateExited))
	p.mu.Unlock()

	if p.ptyF != nil {
		_ = p.ptyF.Close()
	}

	p.log.Info("process exited",
		zap.Int("pid", p.pid),
		zap.Int("exit_code", p.exit.ExitCode),
		zap.Bool("signaled", p.exit.Signaled))

	close(p.done)
}

// Wait blocks until the child is reaped and returns its exit info. Safe to
// call after Done() has already fired.
func (p *Process) Wait() ExitInfo {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Signal applies a control command to the whole process group. All three
// controls are idempotent relative to the current state (spec.md §3):
// repeating a control yields success without a further state change.
func (p *Process) Signal(c Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch c {
	case ControlPause:
		if p.State() != StateRunning {
			return nil // idempotent: no-op outside `running`
		}
		if err := stopGroup(p.pgid); err != nil {
			return swallowESRCH(err)
		}
		p.state.Store(int32(StatePaused))

	case ControlResume:
		if p.State() != StatePaused {
			return nil // idempotent: no-op outside `paused`
		}
		if err := contGroup(p.pgid); err != nil {
			return swallowESRCH(err)
		}
		p.state.Store(int32(StateRunning))

	case ControlCancel:
		return p.cancelLocked()
	}
	return nil
}

// cancelLocked sends SIGTERM to the group, escalating to SIGKILL after the
// configured grace period if the child is still alive. Idempotent via
// closeOnce; callers may CANCEL a terminating or already-exited process
// with no error (spec.md §3: CANCEL is idempotent in {running, paused}).
func (p *Process) cancelLocked() error {
	select {
	case <-p.done:
		return nil // already exited
	default:
	}

	p.state.Store(int32(StateTerminating))

	var firstErr error
	p.closeOnce.Do(func() {
		// A paused group cannot observe SIGTERM until resumed; CONT first
		// so the termination signal is actually delivered.
		_ = contGroup(p.pgid)

		if err := termGroup(p.pgid); err != nil {
			firstErr = swallowESRCH(err)
		}

		go func() {
			timer := time.NewTimer(p.sigkillGrace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				p.log.Warn("SIGKILL grace expired; escalating", zap.Int("pgid", p.pgid))
				_ = killGroup(p.pgid)
			}
		}()
	})
	return firstErr
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
