// Package broker orchestrates conversational turns: session resolution, agent
// invocation, response normalization, usage accounting and best-effort
// persistence.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/normalize"
	"github.com/parleyhq/parley/internal/sessions"
	"github.com/parleyhq/parley/internal/tokenizer"
)

var (
	// ErrBackendUnavailable signals a configuration problem: no inference
	// backend is configured or reachable. Callers surface it distinctly
	// from generic agent failures.
	ErrBackendUnavailable = errors.New("inference backend unavailable")

	// ErrInvalidRequest signals a malformed turn request.
	ErrInvalidRequest = errors.New("invalid request")
)

// UsageRecorder is the ledger surface the broker needs. Writes are
// best-effort: failures are logged, never surfaced to the caller.
type UsageRecorder interface {
	RecordTurn(ctx context.Context, conversationID string, turnIndex int, usage *sessions.Usage, modelName string) error
}

// RunRequest is one conversational turn.
type RunRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// RunResponse is the blocking-turn result.
type RunResponse struct {
	Output         string         `json:"output"`
	ConversationID string         `json:"conversation_id"`
	Stats          sessions.Stats `json:"stats"`
}

// StreamEvent is one named event on the streaming channel. Data is marshaled
// by the transport.
type StreamEvent struct {
	Name string
	Data any
}

// Stream event payloads.
type (
	MetaPayload struct {
		ConversationID string         `json:"conversation_id"`
		Stats          sessions.Stats `json:"stats"`
	}
	DeltaPayload struct {
		Delta string `json:"delta"`
	}
	DonePayload struct {
		ConversationID string `json:"conversation_id"`
	}
	ErrorPayload struct {
		Message string `json:"message"`
	}
)

// Broker ties the inference backend, the session cache and the usage ledger
// together. The backend is created per turn through the factory so that
// misconfiguration surfaces as a per-request error rather than at startup.
type Broker struct {
	factory      backend.Factory
	sessions     *sessions.Manager
	recorder     UsageRecorder
	defaultModel string
	bus          *events.Bus
	logger       *slog.Logger
}

// Options configures a Broker. Recorder and Bus may be nil.
type Options struct {
	Factory      backend.Factory
	Sessions     *sessions.Manager
	Recorder     UsageRecorder
	DefaultModel string
	Bus          *events.Bus
	Logger       *slog.Logger
}

func New(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		factory:      opts.Factory,
		sessions:     opts.Sessions,
		recorder:     opts.Recorder,
		defaultModel: opts.DefaultModel,
		bus:          opts.Bus,
		logger:       logger,
	}
}

// turnState is the resolved session context for one turn.
type turnState struct {
	conversationID string
	generated      bool
	stats          sessions.Stats
	agent          backend.Agent
	thread         backend.Thread
}

// resolve performs the shared session-resolution steps: conversation id,
// session fetch, agent construction and thread recovery.
func (b *Broker) resolve(ctx context.Context, req RunRequest) (*turnState, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}

	st := &turnState{conversationID: strings.TrimSpace(req.ConversationID)}
	if st.conversationID == "" {
		st.conversationID = uuid.NewString()
		st.generated = true
	}

	var prior []byte
	if sess := b.sessions.Get(st.conversationID); sess != nil {
		st.stats = sess.Stats
		prior = sess.Thread
	}

	agent, err := b.factory(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil, fmt.Errorf("create agent: %w", err)
	}
	st.agent = agent

	if len(prior) > 0 {
		thread, err := agent.DeserializeThread(ctx, prior)
		if err == nil {
			st.thread = thread
		} else {
			// A blob we no longer understand costs the history, not
			// the turn.
			b.logger.Warn("discarding unreadable thread, starting fresh",
				"conversation_id", st.conversationID, "error", err)
		}
	}
	if st.thread == nil {
		thread, err := agent.NewThread(ctx)
		if err != nil {
			return nil, fmt.Errorf("new thread: %w", err)
		}
		st.thread = thread
	}

	if st.generated && b.bus != nil {
		b.bus.Publish(events.NewTypedEventWithConversation(events.SourceBroker,
			events.ConversationCreatedPayload{Generated: true}, st.conversationID))
	}
	return st, nil
}

// Run executes one blocking turn.
func (b *Broker) Run(ctx context.Context, req RunRequest) (*RunResponse, error) {
	st, err := b.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	b.publishStarted(st, events.TurnModeRun, req.Message)

	result, err := st.agent.Run(ctx, req.Message, st.thread)
	if err != nil {
		b.publishFailed(st, err)
		return nil, fmt.Errorf("agent run: %w", err)
	}

	text := normalize.Text(result)
	usage := normalize.Usage(result)
	estimated := usage == nil
	if usage == nil {
		usage = b.estimate(ctx, st.agent, req.Message, text)
	}
	modelName := normalize.ModelName(result)
	if modelName == "" {
		modelName = b.defaultModel
	}

	st.stats.Apply(usage)
	b.record(ctx, st.conversationID, st.stats.Turns, usage, modelName)

	blob, err := st.thread.Serialize(ctx)
	if err != nil {
		b.publishFailed(st, err)
		return nil, fmt.Errorf("serialize thread: %w", err)
	}
	b.sessions.Put(st.conversationID, &sessions.Session{Thread: blob, Stats: st.stats})

	b.publishCompleted(st, modelName, usage, estimated, time.Since(started))

	return &RunResponse{
		Output:         text,
		ConversationID: st.conversationID,
		Stats:          st.stats,
	}, nil
}

// Stream executes one streamed turn, pushing events through emit in strict
// order: meta, zero or more delta, then either (stats, done) or a single
// error. Errors before the first emit are returned directly so the transport
// can still answer with a plain status. Once emit has been called, the event
// channel is the only error surface and the returned error is informational.
//
// Accounting, persistence and the session store run on the completion path
// even when emit starts failing mid-stream (client gone).
func (b *Broker) Stream(ctx context.Context, req RunRequest, emit func(StreamEvent) error) error {
	st, err := b.resolve(ctx, req)
	if err != nil {
		return err
	}

	started := time.Now()
	b.publishStarted(st, events.TurnModeStream, req.Message)

	if err := emit(StreamEvent{Name: "meta", Data: MetaPayload{
		ConversationID: st.conversationID,
		Stats:          st.stats,
	}}); err != nil {
		return fmt.Errorf("emit meta: %w", err)
	}

	var (
		deltas    strings.Builder
		lastUsage *sessions.Usage
		lastModel string
		emitErr   error
		index     int
	)

	observe := func(update any) {
		if u := normalize.Usage(update); u != nil {
			lastUsage = u
		}
		if m := normalize.ModelName(update); m != "" {
			lastModel = m
		}
	}
	push := func(delta string) {
		deltas.WriteString(delta)
		if b.bus != nil {
			b.bus.Publish(events.NewTypedEventWithConversation(events.SourceBroker,
				events.TurnDeltaPayload{Index: index, Content: delta}, st.conversationID))
		}
		index++
		if emitErr == nil {
			emitErr = emit(StreamEvent{Name: "delta", Data: DeltaPayload{Delta: delta}})
		}
	}

	if runner, ok := st.agent.(backend.StreamRunner); ok {
		stream, err := runner.RunStream(ctx, req.Message, st.thread)
		if err != nil {
			return b.failStream(st, emit, emitErr, fmt.Errorf("agent stream: %w", err))
		}
		// Drain to completion even after an emit failure so the thread
		// still advances and the turn is still accounted.
		for update := range stream.Updates() {
			observe(update)
			if d := normalize.Delta(update); d != "" {
				push(d)
			}
		}
		if err := stream.Err(); err != nil {
			return b.failStream(st, emit, emitErr, fmt.Errorf("agent stream: %w", err))
		}
	} else {
		result, err := st.agent.Run(ctx, req.Message, st.thread)
		if err != nil {
			return b.failStream(st, emit, emitErr, fmt.Errorf("agent run: %w", err))
		}
		observe(result)
		if text := normalize.Text(result); text != "" {
			push(text)
		}
	}

	// Completion region: runs regardless of emit failures above.
	usage := lastUsage
	estimated := usage == nil
	if usage == nil {
		usage = b.estimate(ctx, st.agent, req.Message, deltas.String())
	}
	modelName := lastModel
	if modelName == "" {
		modelName = b.defaultModel
	}

	st.stats.Apply(usage)
	b.record(ctx, st.conversationID, st.stats.Turns, usage, modelName)

	blob, err := st.thread.Serialize(ctx)
	if err != nil {
		return b.failStream(st, emit, emitErr, fmt.Errorf("serialize thread: %w", err))
	}
	b.sessions.Put(st.conversationID, &sessions.Session{Thread: blob, Stats: st.stats})

	b.publishCompleted(st, modelName, usage, estimated, time.Since(started))

	if emitErr != nil {
		return fmt.Errorf("emit delta: %w", emitErr)
	}
	if err := emit(StreamEvent{Name: "stats", Data: st.stats}); err != nil {
		return fmt.Errorf("emit stats: %w", err)
	}
	if err := emit(StreamEvent{Name: "done", Data: DonePayload{ConversationID: st.conversationID}}); err != nil {
		return fmt.Errorf("emit done: %w", err)
	}
	return nil
}

// failStream reports a mid-stream failure on the event channel (unless the
// channel is already broken) and returns the cause for the transport's log.
func (b *Broker) failStream(st *turnState, emit func(StreamEvent) error, emitErr, cause error) error {
	b.publishFailed(st, cause)
	if emitErr == nil {
		if err := emit(StreamEvent{Name: "error", Data: ErrorPayload{Message: cause.Error()}}); err != nil {
			b.logger.Debug("stream error event not delivered", "error", err)
		}
	}
	return cause
}

// estimate builds a fallback usage from token estimates over the input
// message and the produced text.
func (b *Broker) estimate(ctx context.Context, agent backend.Agent, message, text string) *sessions.Usage {
	est := tokenizer.ForBackend(agent)
	input := est.Estimate(ctx, message)
	output := est.Estimate(ctx, text)
	return sessions.NewUsage(input, output, input+output)
}

// record persists the turn without coupling the response path to ledger
// latency or failure.
func (b *Broker) record(ctx context.Context, conversationID string, turnIndex int, usage *sessions.Usage, modelName string) {
	if b.recorder == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := b.recorder.RecordTurn(bg, conversationID, turnIndex, usage, modelName); err != nil {
			b.logger.Error("usage record failed",
				"conversation_id", conversationID, "turn", turnIndex, "error", err)
		}
	}()
}

func (b *Broker) publishStarted(st *turnState, mode events.TurnMode, message string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(events.NewTypedEventWithConversation(events.SourceBroker, events.TurnStartedPayload{
		Mode:         mode,
		MessageChars: len(message),
		Model:        b.defaultModel,
	}, st.conversationID))
}

func (b *Broker) publishCompleted(st *turnState, modelName string, usage *sessions.Usage, estimated bool, d time.Duration) {
	if b.bus == nil {
		return
	}
	payload := events.TurnCompletedPayload{Model: modelName, Estimated: estimated, Duration: d}
	if usage != nil {
		if usage.InputTokens != nil {
			payload.InputTokens = *usage.InputTokens
		}
		if usage.OutputTokens != nil {
			payload.OutputTokens = *usage.OutputTokens
		}
		if usage.TotalTokens != nil {
			payload.TotalTokens = *usage.TotalTokens
		}
	}
	b.bus.Publish(events.NewTypedEventWithConversation(events.SourceBroker, payload, st.conversationID))
}

func (b *Broker) publishFailed(st *turnState, cause error) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(events.NewTypedEventWithConversation(events.SourceBroker,
		events.TurnFailedPayload{Error: cause.Error()}, st.conversationID))
}
