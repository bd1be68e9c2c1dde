// Package hooks is the Hook Bridge (HB): it invokes small auxiliary
// commands at defined lifecycle points (pre-execute, post-execute, error)
// without ever blocking or failing the primary execution path. Grounded
// on the teacher's services.SystemdService.execSystemctl — a
// context-bounded exec.Command with captured stdout/stderr — generalized
// from a fixed systemctl binary into arbitrary configured commands, and on
// the teacher's ProcessManager restart/cooldown pattern for lazy,
// timeout-bounded per-session initialization.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cmdgate/cmdgate/pkg/taskdesc"
)

// Point is a lifecycle moment a hook can be bound to.
type Point string

const (
	PointPreExecute  Point = "pre-execute"
	PointPostExecute Point = "post-execute"
	PointError       Point = "error"
)

// Spec is one configured hook command.
type Spec struct {
	Point   Point
	Command string
	Timeout time.Duration
}

// Outcome is what happened when a hook ran, reported as a warning in the
// final result rather than a failure (spec.md §4.8).
type Outcome struct {
	Point    Point
	Command  string
	Err      error
	Stdout   string
	Stderr   string
	Duration time.Duration
}

func (o Outcome) Warning() string {
	if o.Err == nil {
		return ""
	}
	return fmt.Sprintf("hook %q at %s failed: %v", o.Command, o.Point, o.Err)
}

const defaultHookTimeout = 10 * time.Second

// Bridge invokes configured hooks for one session. It is constructed
// lazily per session — never at server start — so a misconfigured hook
// command can't cascade-fail the whole process (spec.md §4.8).
type Bridge struct {
	log   *zap.Logger
	specs []Spec

	mu sync.Mutex // not taken by Run; matching hooks run concurrently
}

// New builds a Bridge bound to specs. Call sites construct one Bridge per
// session the first time a hook point is reached, not eagerly.
func New(log *zap.Logger, specs []Spec) *Bridge {
	return &Bridge{log: log, specs: specs}
}

// Run invokes every hook bound to point asynchronously and returns a
// channel of outcomes as each completes; it never blocks the caller past
// kicking the goroutines off. Callers that need hook results before
// continuing (e.g. to attach warnings to the final result) should collect
// from the channel with their own bound, e.g. via a select against a short
// timer — Run itself never fails the primary path.
func (b *Bridge) Run(ctx context.Context, point Point, d *taskdesc.Descriptor) <-chan Outcome {
	var matched []Spec
	for _, s := range b.specs {
		if s.Point == point {
			matched = append(matched, s)
		}
	}

	out := make(chan Outcome, len(matched))
	if len(matched) == 0 {
		close(out)
		return out
	}

	var wg sync.WaitGroup
	for _, s := range matched {
		wg.Add(1)
		go func(s Spec) {
			defer wg.Done()
			out <- b.runOne(ctx, s, d)
		}(s)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func (b *Bridge) runOne(ctx context.Context, s Spec, d *taskdesc.Descriptor) Outcome {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	cmd.Env = append(cmd.Env, "CMDGATE_HOOK_POINT="+string(s.Point))
	if d != nil {
		cmd.Env = append(cmd.Env, "CMDGATE_HOOK_COMMAND="+d.Command)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	outcome := Outcome{
		Point:    s.Point,
		Command:  s.Command,
		Err:      err,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: elapsed,
	}

	log := b.log.With(zap.String("point", string(s.Point)), zap.String("command", s.Command), zap.Duration("elapsed", elapsed))
	if err != nil {
		log.Warn("hook invocation failed", zap.Error(err), zap.String("stderr", outcome.Stderr))
	} else {
		log.Info("hook invocation completed")
	}

	return outcome
}
