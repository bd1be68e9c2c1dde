package gateway

import (
	"strings"
	"sync"

	"github.com/cmdgate/cmdgate/internal/stream"
)

// outputSink forwards every chunk to the client as a process.output
// notification and, independently, accumulates stdout text so the
// Partial-Result Assembler has something to salvage if the execution
// never reaches a clean exit.
type outputSink struct {
	client *Client

	mu        sync.Mutex
	stdoutBuf strings.Builder
	closed    map[stream.Stream]bool
}

func newOutputSink(client *Client) *outputSink {
	return &outputSink{client: client, closed: make(map[stream.Stream]bool)}
}

func (s *outputSink) Chunk(c stream.Chunk) {
	if c.Stream == stream.Stdout {
		s.mu.Lock()
		s.stdoutBuf.WriteString(c.Data)
		s.stdoutBuf.WriteByte('\n')
		s.mu.Unlock()
	}

	s.client.SendNotification("process.output", OutputNotification{
		Stream:    string(c.Stream),
		Data:      c.Data,
		Seq:       c.Seq,
		Truncated: c.Truncated,
	})
}

func (s *outputSink) StreamClosed(st stream.Stream) {
	s.mu.Lock()
	s.closed[st] = true
	s.mu.Unlock()
}

func (s *outputSink) bothClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed[stream.Stdout] && s.closed[stream.Stderr]
}

func (s *outputSink) accumulated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdoutBuf.String()
}
