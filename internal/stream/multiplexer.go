// Package stream is the Stream Multiplexer (SMX): it concurrently drains a
// child's stdout and stderr, line-by-line, with a per-line cap and a
// per-session total cap, and gathers on (both drains + process exit)
// together rather than waiting on exit alone — the deadlock spec.md §4.2
// exists to prevent.
package stream

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stream identifies which child fd a Chunk came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Chunk is one delivered piece of output (spec.md §3).
type Chunk struct {
	Stream    Stream
	Data      string
	Truncated bool
	Seq       uint64
}

// Sink receives chunks as they are produced. Implementations (Protocol
// Handler, Completion Detector) must not block the multiplexer; slow
// consumers should buffer internally.
type Sink interface {
	Chunk(Chunk)
	StreamClosed(Stream)
}

// Multiplexer drains one process's stdout/stderr concurrently, enforcing
// the per-line and per-session caps, and fans each chunk out to every
// registered sink.
//
// Grounded on the teacher's process.supervise()/handleStdout/handleStderr,
// generalized from a two-pipe ad-hoc race into an errgroup-based
// gather-on-wait that also waits on process exit, since SMX's contract
// requires waiting on all three together (spec.md §4.2).
type Multiplexer struct {
	log *zap.Logger

	maxLineBytes   int
	maxOutputBytes int64

	sinks []Sink

	mu          sync.Mutex
	totalBytes  int64
	overflowed  bool
	seqStdout   atomic.Uint64
	seqStderr   atomic.Uint64
}

// New constructs a Multiplexer. maxLineBytes <= 0 disables the per-line
// cap; maxOutputBytes <= 0 disables the per-session cap.
func New(log *zap.Logger, maxLineBytes int, maxOutputBytes int64, sinks ...Sink) *Multiplexer {
	return &Multiplexer{
		log:            log,
		maxLineBytes:   maxLineBytes,
		maxOutputBytes: maxOutputBytes,
		sinks:          sinks,
	}
}

// Drain concurrently reads stdout and stderr to completion and waits for
// done to close, all within one errgroup — the gather-on-wait barrier
// spec.md §4.2 requires. It returns once all three legs have finished.
func (m *Multiplexer) Drain(ctx context.Context, stdout, stderr io.Reader, done <-chan struct{}) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.drainOne(Stdout, stdout)
		return nil
	})
	g.Go(func() error {
		m.drainOne(Stderr, stderr)
		return nil
	})
	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	return g.Wait()
}

func (m *Multiplexer) drainOne(s Stream, r io.Reader) {
	defer m.notifyClosed(s)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(m.splitCapped)

	for scanner.Scan() {
		m.emit(s, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		m.log.Debug("stream scanner ended with error", zap.String("stream", string(s)), zap.Error(err))
	}
}

// splitCapped is bufio.Scanner's SplitFunc: it behaves like
// bufio.ScanLines but never returns ErrTooLong — once maxLineBytes is hit
// mid-line, it hands back what it has so far as a truncated fragment and
// keeps scanning from there instead of erroring (spec.md: "Lines exceeding
// the cap are split and each fragment is tagged truncated=true; no data is
// silently dropped"). The newline, when present, is always consumed.
func (m *Multiplexer) splitCapped(data []byte, atEOF bool) (advance int, token []byte, err error) {
	cap := m.maxLineBytes
	if cap <= 0 || len(data) < cap {
		return bufio.ScanLines(data, atEOF)
	}

	for i := 0; i < cap && i < len(data); i++ {
		if data[i] == '\n' {
			line := data[0:i]
			if i > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			return i + 1, line, nil
		}
	}

	// No newline within the capped window: emit a truncated fragment and
	// resume scanning right after it.
	return cap, data[0:cap], nil
}

func (m *Multiplexer) emit(s Stream, b []byte) {
	truncated := m.maxLineBytes > 0 && len(b) >= m.maxLineBytes

	m.mu.Lock()
	if m.maxOutputBytes > 0 && m.totalBytes >= m.maxOutputBytes {
		m.totalBytes += int64(len(b))
		if !m.overflowed {
			m.overflowed = true
			m.mu.Unlock()
			m.log.Warn("per-session output cap reached; further chunks counted but not stored")
			return
		}
		m.mu.Unlock()
		return
	}
	m.totalBytes += int64(len(b))
	m.mu.Unlock()

	seq := m.nextSeq(s)
	data := toValidUTF8(b)

	chunk := Chunk{Stream: s, Data: data, Truncated: truncated, Seq: seq}
	for _, sink := range m.sinks {
		sink.Chunk(chunk)
	}
}

func (m *Multiplexer) nextSeq(s Stream) uint64 {
	if s == Stdout {
		return m.seqStdout.Add(1)
	}
	return m.seqStderr.Add(1)
}

func (m *Multiplexer) notifyClosed(s Stream) {
	for _, sink := range m.sinks {
		sink.StreamClosed(s)
	}
}

// Overflowed reports whether the per-session output cap was reached.
func (m *Multiplexer) Overflowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflowed
}

// TotalBytes reports how many output bytes have been counted so far
// (including bytes counted past the cap, once overflowed).
func (m *Multiplexer) TotalBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes
}

// toValidUTF8 decodes bytes as UTF-8, replacing invalid sequences rather
// than rejecting the chunk (spec.md §4.2).
func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string([]rune(string(b)))
}
