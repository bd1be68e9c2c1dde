package completion

import (
	"time"

	"github.com/cmdgate/cmdgate/internal/stream"
)

// StreamSink adapts a Detector to stream.Sink so the Stream Multiplexer
// can feed it chunks directly, in parallel with the Protocol Handler's own
// sink (spec.md §4.2: "emits each chunk to two sinks in parallel").
type StreamSink struct {
	detector *Detector
	onEarly  func(EarlyCompletion)
}

// NewStreamSink wraps d. onEarly, if non-nil, fires the first time a
// success marker matches.
func NewStreamSink(d *Detector, onEarly func(EarlyCompletion)) *StreamSink {
	return &StreamSink{detector: d, onEarly: onEarly}
}

func (s *StreamSink) Chunk(c stream.Chunk) {
	if c.Stream != stream.Stdout {
		return // markers and artifacts are only ever looked for in stdout
	}
	if early := s.detector.Observe(c.Data, time.Now()); early != nil && s.onEarly != nil {
		s.onEarly(*early)
	}
}

func (s *StreamSink) StreamClosed(stream.Stream) {}
