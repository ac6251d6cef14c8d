// Package backend defines the contract with the inference backend: running a
// turn against a conversational thread, serializing threads across requests,
// and optionally streaming incremental updates. The shapes of results and
// updates are deliberately loose (any); extraction is the normalizer's job.
package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable reports that no inference backend is configured or reachable.
// Callers surface it as a configuration error, distinct from a turn failure.
var ErrUnavailable = errors.New("inference backend unavailable")

// Thread is the backend's opaque conversational context. Parley only carries
// its serialized form between requests, never inspects it.
type Thread interface {
	Serialize(ctx context.Context) (json.RawMessage, error)
}

// Agent executes conversational turns.
type Agent interface {
	// Run executes one turn and returns the backend's result value. The
	// thread is advanced in place; the result shape is backend-specific.
	Run(ctx context.Context, message string, thread Thread) (any, error)

	NewThread(ctx context.Context) (Thread, error)

	// DeserializeThread rebuilds a thread from a serialized blob. It fails
	// on blobs it does not recognize; callers fall back to a fresh thread.
	DeserializeThread(ctx context.Context, blob json.RawMessage) (Thread, error)
}

// StreamRunner is the optional incremental-update capability. Backends that
// do not implement it are driven through a one-shot Run call instead.
type StreamRunner interface {
	RunStream(ctx context.Context, message string, thread Thread) (*Stream, error)
}

// Factory produces the agent on demand, so a misconfigured backend surfaces
// per request rather than preventing startup.
type Factory func(ctx context.Context) (Agent, error)

// Stream carries incremental updates from one streaming turn. Updates is
// closed when the turn ends; Err reports the terminal failure, if any, once
// Updates is drained.
type Stream struct {
	updates chan any
	err     error
	done    chan struct{}
}

// NewStream creates a stream with the given update buffer.
func NewStream(buffer int) *Stream {
	return &Stream{
		updates: make(chan any, buffer),
		done:    make(chan struct{}),
	}
}

// Updates returns the incremental update channel.
func (s *Stream) Updates() <-chan any { return s.updates }

// Err returns the terminal error of the stream. Valid after Updates closes.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Send delivers one update, dropping it if the consumer is gone.
func (s *Stream) Send(ctx context.Context, update any) {
	select {
	case s.updates <- update:
	case <-ctx.Done():
	}
}

// CloseWith terminates the stream with an optional error.
func (s *Stream) CloseWith(err error) {
	s.err = err
	close(s.updates)
	close(s.done)
}
