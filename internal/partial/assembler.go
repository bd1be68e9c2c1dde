// Package partial is the Partial-Result Assembler (PRA): it salvages a
// usable Execution Result out of accumulated output when a session is cut
// short by a timeout or a CANCEL, rather than dropping everything
// collected so far.
package partial

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cmdgate/cmdgate/internal/procmgr"
)

// Reason is why assembly was triggered.
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonCancelled Reason = "cancelled"
)

// Result is the degraded-but-usable outcome PRA hands back to the Protocol
// Handler, mapping directly onto the Execution Result fields spec.md §3
// requires for the `partial` case.
type Result struct {
	Partial         bool
	Reason          Reason
	RawOutput       string
	OutputSummary   json.RawMessage // set only if structured-reply repair succeeded
	TimeoutAfterMS  int64           // set only if repair did not succeed
	ArtifactSuffix  string
}

const sentinelSuffix = "_PARTIAL"

// DrainGrace is how long PRA waits for SMX to finish flushing its pipes
// after asking PGC to terminate, before giving up and assembling with
// whatever has accumulated (spec.md §5: "default 2s").
const DrainGrace = 2 * time.Second

// Assembler holds no per-call state; one instance is shared across
// sessions.
type Assembler struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Assembler {
	return &Assembler{log: log}
}

// Assemble runs the PRA steps from spec.md §4.7: terminate the group,
// wait (bounded) for the drains to finish, then repair or fall back to
// raw text.
//
// proc is terminated via CANCEL if it has not already exited; drained is
// closed once the Stream Multiplexer has finished draining both streams
// (the caller wires this from its own gather). accumulated is the stdout
// text collected so far; wantStructured requests the bracket-balancing
// repair attempt.
func (a *Assembler) Assemble(ctx context.Context, proc *procmgr.Process, drained <-chan struct{}, accumulated string, reason Reason, wantStructured bool) Result {
	if proc.State() != procmgr.StateExited {
		if err := proc.Signal(procmgr.ControlCancel); err != nil {
			a.log.Warn("failed to signal group during partial assembly", zap.Error(err))
		}
	}

	select {
	case <-drained:
	case <-time.After(DrainGrace):
		a.log.Warn("drain grace elapsed before streams closed; assembling with partial buffer")
	case <-ctx.Done():
	}

	res := Result{
		Partial:        true,
		Reason:         reason,
		RawOutput:      accumulated,
		ArtifactSuffix: sentinelSuffix,
	}

	if wantStructured {
		if repaired, ok := Repair(accumulated); ok {
			res.OutputSummary = repaired
			return res
		}
	}

	res.TimeoutAfterMS = time.Now().UnixMilli()
	return res
}

// Repair attempts a best-effort structured-reply recovery on truncated
// JSON text: balance unclosed brackets/braces/quotes and strip trailing
// commas and whitespace, then try to parse. This is plain stdlib text surgery — no pack
// example ships a JSON-repair library, and the operation is small and
// fully self-contained, so it is documented as a standard-library
// implementation rather than grounded on a third-party dependency.
func Repair(raw string) (json.RawMessage, bool) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return nil, false
	}

	// Try the unmodified text first — it may already be complete.
	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), true
	}

	repaired := balance(candidate)
	if !json.Valid([]byte(repaired)) {
		return nil, false
	}
	return json.RawMessage(repaired), true
}

// balance walks the text tracking bracket/brace/quote nesting and appends
// whatever closers are needed to make it well-formed, trimming trailing
// commas and whitespace first. Other trailing partial tokens (a dangling
// key, a half-written literal) are left in place, so such text still
// fails to parse.
func balance(s string) string {
	var stack []byte
	inString := false
	escaped := false

	lastGoodEnd := len(s)

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}

		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			lastGoodEnd = i + 1
		}
	}

	out := s[:lastGoodEnd]
	out = strings.TrimRight(out, ", \t\n\r")

	if inString {
		out += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			out += "}"
		case '[':
			out += "]"
		}
	}
	return out
}

// ConfineArtifactPath validates that a repaired artifact will be written
// under baseDir, rejecting any path that escapes it via traversal or an
// absolute override (spec.md §9: artifact paths from untrusted output
// must be confined to the session's working directory).
func ConfineArtifactPath(baseDir, path string) (string, error) {
	base := filepath.Clean(baseDir)
	clean := filepath.Clean(filepath.Join(base, path))
	if filepath.IsAbs(path) {
		clean = filepath.Clean(path)
	}
	if clean != base && !strings.HasPrefix(clean, base+string(filepath.Separator)) {
		return "", fmt.Errorf("partial: artifact path %q escapes session directory", path)
	}
	return clean, nil
}
