// Package completion is the Completion Detector (CD): a lazy, pluggable
// matcher over the chunk sequence a session's Stream Multiplexer produces.
// It never terminates the process itself — it only surfaces early-success
// notifications and collects artifact paths for the final result.
package completion

import (
	"regexp"
	"sync"
	"time"
)

// Artifact is a "file created at <path>" notice recognized in output.
type Artifact struct {
	Path      string
	SeenAt    time.Time
}

// EarlyCompletion is reported the first time a success marker matches.
type EarlyCompletion struct {
	MarkerSeenAt time.Time
	TimeSavedMS  int64 // max(0, now - marker_seen_at), clamped per spec.md §4.3
}

// RuleSet is the operator-configured marker/artifact regex collection.
// Regexes are compiled once (NewRuleSet), never per chunk.
type RuleSet struct {
	success  []*regexp.Regexp
	failure  []*regexp.Regexp
	artifact *regexp.Regexp
}

// NewRuleSet compiles the given patterns. Success/failure patterns are
// wrapped in word boundaries unless the caller already supplied anchors,
// so a marker like "done" can never match inside "undone" (spec.md §4.3:
// "never raw substrings of common English like 'done'").
func NewRuleSet(successPatterns, failurePatterns []string, artifactPattern string) (*RuleSet, error) {
	rs := &RuleSet{}

	for _, p := range successPatterns {
		re, err := regexp.Compile(wordBoundary(p))
		if err != nil {
			return nil, err
		}
		rs.success = append(rs.success, re)
	}
	for _, p := range failurePatterns {
		re, err := regexp.Compile(wordBoundary(p))
		if err != nil {
			return nil, err
		}
		rs.failure = append(rs.failure, re)
	}
	if artifactPattern != "" {
		re, err := regexp.Compile(artifactPattern)
		if err != nil {
			return nil, err
		}
		rs.artifact = re
	}

	return rs, nil
}

// wordBoundary guards a literal marker so it can't match inside a larger
// word (spec.md §4.3: "never raw substrings of common English like
// 'done'"). \b is only meaningful where the adjacent character is a word
// character — a marker like "=== DONE ===" that itself starts and ends on
// punctuation would never satisfy a \b anchored right at its own edge, so
// the boundary is only added on the side that actually borders a \w.
func wordBoundary(p string) string {
	out := `(?:` + p + `)`
	if len(p) > 0 && isWordByte(p[0]) {
		out = `\b` + out
	}
	if len(p) > 0 && isWordByte(p[len(p)-1]) {
		out = out + `\b`
	}
	return out
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}

// DefaultRuleSet mirrors the conventional markers an agent orchestrator
// uses to signal completion without waiting for process exit.
func DefaultRuleSet() *RuleSet {
	rs, _ := NewRuleSet(
		[]string{`RESULT:::OK`, `TASK COMPLETE`, `=== DONE ===`},
		[]string{`RESULT:::FAIL`, `TASK FAILED`},
		`file created at ([^\s]+)`,
	)
	return rs
}

// Detector tracks completion/artifact state for one session's output.
type Detector struct {
	rules *RuleSet

	mu               sync.Mutex
	successSeenAt    time.Time
	successDetected  bool
	failureDetected  bool
	artifacts        []Artifact
}

// New creates a Detector bound to the given rule set.
func New(rules *RuleSet) *Detector {
	if rules == nil {
		rules = DefaultRuleSet()
	}
	return &Detector{rules: rules}
}

// Observe inspects one line of output, returning an EarlyCompletion the
// first time a success marker is seen (nil on every subsequent call or
// when nothing matched).
func (d *Detector) Observe(line string, now time.Time) *EarlyCompletion {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rules.artifact != nil {
		if m := d.rules.artifact.FindStringSubmatch(line); m != nil {
			d.artifacts = append(d.artifacts, Artifact{Path: m[1], SeenAt: now})
		}
	}

	for _, re := range d.rules.failure {
		if re.MatchString(line) {
			d.failureDetected = true
		}
	}

	if d.successDetected {
		return nil
	}

	for _, re := range d.rules.success {
		if re.MatchString(line) {
			d.successDetected = true
			d.successSeenAt = now
			return &EarlyCompletion{MarkerSeenAt: now, TimeSavedMS: 0}
		}
	}
	return nil
}

// TimeSavedMS computes the non-negative saving at the moment the final
// result is assembled, clamped to >= 0 per spec.md §4.3.
func (d *Detector) TimeSavedMS(now time.Time) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.successDetected {
		return 0
	}
	saved := now.Sub(d.successSeenAt).Milliseconds()
	if saved < 0 {
		return 0
	}
	return saved
}

func (d *Detector) SuccessDetected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.successDetected
}

func (d *Detector) FailureAdvised() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failureDetected
}

// Artifacts returns a snapshot of all artifacts observed so far.
func (d *Detector) Artifacts() []Artifact {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Artifact, len(d.artifacts))
	copy(out, d.artifacts)
	return out
}
