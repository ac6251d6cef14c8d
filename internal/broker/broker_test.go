package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/sessions"
)

type fakeThread struct {
	blob json.RawMessage
	err  error
}

func (t *fakeThread) Serialize(context.Context) (json.RawMessage, error) {
	return t.blob, t.err
}

type fakeAgent struct {
	result       any
	runErr       error
	serializeErr error

	deserialized int
}

func (a *fakeAgent) Run(_ context.Context, _ string, _ backend.Thread) (any, error) {
	if a.runErr != nil {
		return nil, a.runErr
	}
	return a.result, nil
}

func (a *fakeAgent) NewThread(context.Context) (backend.Thread, error) {
	return &fakeThread{blob: json.RawMessage(`{"messages":[]}`), err: a.serializeErr}, nil
}

func (a *fakeAgent) DeserializeThread(_ context.Context, blob json.RawMessage) (backend.Thread, error) {
	a.deserialized++
	return &fakeThread{blob: blob, err: a.serializeErr}, nil
}

type fakeStreamAgent struct {
	fakeAgent
	updates   []any
	streamErr error
}

func (a *fakeStreamAgent) RunStream(ctx context.Context, _ string, _ backend.Thread) (*backend.Stream, error) {
	if a.runErr != nil {
		return nil, a.runErr
	}
	s := backend.NewStream(8)
	go func() {
		for _, u := range a.updates {
			s.Send(ctx, u)
		}
		s.CloseWith(a.streamErr)
	}()
	return s, nil
}

type recorded struct {
	conversationID string
	turnIndex      int
	usage          *sessions.Usage
	modelName      string
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recorded
	err     error
	ch      chan recorded
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{ch: make(chan recorded, 8)}
}

func (r *fakeRecorder) RecordTurn(_ context.Context, conversationID string, turnIndex int, usage *sessions.Usage, modelName string) error {
	rec := recorded{conversationID, turnIndex, usage, modelName}
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	r.ch <- rec
	return r.err
}

func (r *fakeRecorder) wait(t *testing.T) recorded {
	t.Helper()
	select {
	case rec := <-r.ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for usage record")
		return recorded{}
	}
}

func newTestBroker(agent backend.Agent, rec UsageRecorder) (*Broker, *sessions.Manager) {
	mgr := sessions.NewManager()
	b := New(Options{
		Factory:      func(context.Context) (backend.Agent, error) { return agent, nil },
		Sessions:     mgr,
		Recorder:     rec,
		DefaultModel: "default-model",
	})
	return b, mgr
}

func resultWithUsage(text string, in, out, total int) map[string]any {
	return map[string]any{
		"output_text": text,
		"response":    responseWithUsage(in, out, total),
	}
}

func responseWithUsage(in, out, total int) map[string]any {
	return map[string]any{
		"model": "gpt-4o",
		"usage": map[string]any{
			"input_tokens":  in,
			"output_tokens": out,
			"total_tokens":  total,
		},
	}
}

// finalStreamUpdate mirrors the metadata-only update a streaming backend
// sends after the last content chunk.
func finalStreamUpdate(in, out, total int) map[string]any {
	return map[string]any{"response": responseWithUsage(in, out, total)}
}

func TestRun_HappyPath(t *testing.T) {
	rec := newFakeRecorder()
	agent := &fakeAgent{result: resultWithUsage("hello there", 4, 5, 9)}
	b, mgr := newTestBroker(agent, rec)

	resp, err := b.Run(context.Background(), RunRequest{Message: "hi", ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if resp.Output != "hello there" {
		t.Errorf("unexpected output %q", resp.Output)
	}
	if resp.ConversationID != "conv-1" {
		t.Errorf("conversation id not preserved: %q", resp.ConversationID)
	}
	if resp.Stats.Turns != 1 || resp.Stats.Total.TotalTokens != 9 {
		t.Errorf("unexpected stats: %+v", resp.Stats)
	}

	if sess := mgr.Get("conv-1"); sess == nil || len(sess.Thread) == 0 {
		t.Error("session not stored")
	}

	got := rec.wait(t)
	if got.conversationID != "conv-1" || got.turnIndex != 1 || got.modelName != "gpt-4o" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.usage == nil || *got.usage.TotalTokens != 9 {
		t.Errorf("unexpected recorded usage: %+v", got.usage)
	}
}

func TestRun_GeneratesConversationID(t *testing.T) {
	agent := &fakeAgent{result: resultWithUsage("ok", 1, 1, 2)}
	b, mgr := newTestBroker(agent, nil)

	resp, err := b.Run(context.Background(), RunRequest{Message: "hi", ConversationID: "   "})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.ConversationID == "" {
		t.Fatal("expected a generated conversation id")
	}
	if mgr.Get(resp.ConversationID) == nil {
		t.Error("session not stored under generated id")
	}
}

func TestRun_EstimatorFallback(t *testing.T) {
	rec := newFakeRecorder()
	agent := &fakeAgent{result: map[string]any{"output_text": "four words of text"}}
	b, _ := newTestBroker(agent, rec)

	resp, err := b.Run(context.Background(), RunRequest{Message: "two words", ConversationID: "c"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// Heuristic: 2 input words, 4 output words.
	if resp.Stats.Total.InputTokens != 2 || resp.Stats.Total.OutputTokens != 4 || resp.Stats.Total.TotalTokens != 6 {
		t.Errorf("unexpected estimated totals: %+v", resp.Stats.Total)
	}
	got := rec.wait(t)
	if got.modelName != "default-model" {
		t.Errorf("expected configured default model, got %q", got.modelName)
	}
}

func TestRun_MultiTurnAccumulates(t *testing.T) {
	agent := &fakeAgent{result: resultWithUsage("ok", 4, 5, 9)}
	b, _ := newTestBroker(agent, nil)

	ctx := context.Background()
	if _, err := b.Run(ctx, RunRequest{Message: "one", ConversationID: "c"}); err != nil {
		t.Fatal(err)
	}
	resp, err := b.Run(ctx, RunRequest{Message: "two", ConversationID: "c"})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Stats.Turns != 2 || resp.Stats.Total.TotalTokens != 18 {
		t.Errorf("unexpected stats after two turns: %+v", resp.Stats)
	}
	if agent.deserialized != 1 {
		t.Errorf("expected prior thread to be deserialized once, got %d", agent.deserialized)
	}
}

func TestRun_EmptyMessage(t *testing.T) {
	b, _ := newTestBroker(&fakeAgent{}, nil)

	_, err := b.Run(context.Background(), RunRequest{Message: "   "})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestRun_BackendUnavailable(t *testing.T) {
	mgr := sessions.NewManager()
	b := New(Options{
		Factory: func(context.Context) (backend.Agent, error) {
			return nil, fmt.Errorf("no provider: %w", backend.ErrUnavailable)
		},
		Sessions: mgr,
	})

	_, err := b.Run(context.Background(), RunRequest{Message: "hi"})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestRun_AgentErrorSurfaced(t *testing.T) {
	agent := &fakeAgent{runErr: errors.New("model exploded")}
	b, mgr := newTestBroker(agent, nil)

	_, err := b.Run(context.Background(), RunRequest{Message: "hi", ConversationID: "c"})
	if err == nil || errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected generic agent error, got %v", err)
	}
	if mgr.Get("c") != nil {
		t.Error("failed turn must not store a session")
	}
}

func TestRun_PersistenceFailureSwallowed(t *testing.T) {
	rec := newFakeRecorder()
	rec.err = errors.New("disk full")
	agent := &fakeAgent{result: resultWithUsage("ok", 1, 1, 2)}
	b, _ := newTestBroker(agent, rec)

	if _, err := b.Run(context.Background(), RunRequest{Message: "hi", ConversationID: "c"}); err != nil {
		t.Fatalf("ledger failure must not fail the turn: %v", err)
	}
	rec.wait(t)
}

type collectedEvents struct {
	names []string
	data  []any
}

func collect(c *collectedEvents) func(StreamEvent) error {
	return func(e StreamEvent) error {
		c.names = append(c.names, e.Name)
		c.data = append(c.data, e.Data)
		return nil
	}
}

func TestStream_Ordering(t *testing.T) {
	agent := &fakeStreamAgent{updates: []any{
		map[string]any{"delta": "Hel"},
		map[string]any{"delta": "lo!"},
		finalStreamUpdate(2, 3, 5),
	}}
	b, mgr := newTestBroker(agent, nil)

	var got collectedEvents
	if err := b.Stream(context.Background(), RunRequest{Message: "hi", ConversationID: "c"}, collect(&got)); err != nil {
		t.Fatalf("stream: %v", err)
	}

	want := []string{"meta", "delta", "delta", "stats", "done"}
	if len(got.names) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got.names)
	}
	for i := range want {
		if got.names[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got.names)
		}
	}

	meta := got.data[0].(MetaPayload)
	if meta.ConversationID != "c" || meta.Stats.Turns != 0 {
		t.Errorf("meta must carry pre-turn stats: %+v", meta)
	}
	if d := got.data[1].(DeltaPayload); d.Delta != "Hel" {
		t.Errorf("unexpected first delta %q", d.Delta)
	}
	stats := got.data[3].(sessions.Stats)
	if stats.Turns != 1 || stats.Total.TotalTokens != 5 {
		t.Errorf("unexpected final stats: %+v", stats)
	}
	if done := got.data[4].(DonePayload); done.ConversationID != "c" {
		t.Errorf("unexpected done payload: %+v", done)
	}

	if mgr.Get("c") == nil {
		t.Error("session not stored after stream")
	}
}

func TestStream_LastUsageWins(t *testing.T) {
	agent := &fakeStreamAgent{updates: []any{
		map[string]any{"delta": "a", "usage": map[string]any{"total_tokens": 1}},
		map[string]any{"delta": "b", "usage": map[string]any{"total_tokens": 7}},
	}}
	b, _ := newTestBroker(agent, nil)

	var got collectedEvents
	if err := b.Stream(context.Background(), RunRequest{Message: "hi", ConversationID: "c"}, collect(&got)); err != nil {
		t.Fatalf("stream: %v", err)
	}

	stats := got.data[len(got.data)-2].(sessions.Stats)
	if stats.Total.TotalTokens != 7 {
		t.Errorf("expected last-seen usage to win, got %+v", stats.Total)
	}
}

func TestStream_OneShotFallback(t *testing.T) {
	agent := &fakeAgent{result: resultWithUsage("whole reply", 2, 3, 5)}
	b, _ := newTestBroker(agent, nil)

	var got collectedEvents
	if err := b.Stream(context.Background(), RunRequest{Message: "hi", ConversationID: "c"}, collect(&got)); err != nil {
		t.Fatalf("stream: %v", err)
	}

	want := []string{"meta", "delta", "stats", "done"}
	if len(got.names) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got.names)
	}
	if d := got.data[1].(DeltaPayload); d.Delta != "whole reply" {
		t.Errorf("expected whole text as the single delta, got %q", d.Delta)
	}
}

func TestStream_AgentErrorEmitsErrorEvent(t *testing.T) {
	agent := &fakeStreamAgent{updates: []any{map[string]any{"delta": "par"}}}
	agent.streamErr = errors.New("connection reset")
	b, _ := newTestBroker(agent, nil)

	var got collectedEvents
	err := b.Stream(context.Background(), RunRequest{Message: "hi", ConversationID: "c"}, collect(&got))
	if err == nil {
		t.Fatal("expected an error return")
	}

	want := []string{"meta", "delta", "error"}
	if len(got.names) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got.names)
	}
	if e := got.data[2].(ErrorPayload); e.Message == "" {
		t.Error("error event must carry a message")
	}
	for _, n := range got.names {
		if n == "stats" || n == "done" {
			t.Fatal("error branch must not emit stats/done")
		}
	}
}

func TestStream_ValidationBeforeFirstEvent(t *testing.T) {
	b, _ := newTestBroker(&fakeAgent{}, nil)

	var got collectedEvents
	err := b.Stream(context.Background(), RunRequest{Message: ""}, collect(&got))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if len(got.names) != 0 {
		t.Fatalf("no events expected before validation, got %v", got.names)
	}
}

type scriptedModel struct {
	chunks []*schema.Message
}

func (m *scriptedModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, errors.New("stream only")
}

func (m *scriptedModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return schema.StreamReaderFromArray(m.chunks), nil
}

func (m *scriptedModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func TestStream_FinalUpdateNotRepeatedAsDelta(t *testing.T) {
	last := schema.AssistantMessage("world!", nil)
	last.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 4, CompletionTokens: 3, TotalTokens: 7}}
	agent := backend.NewEinoAgent(&scriptedModel{chunks: []*schema.Message{
		schema.AssistantMessage("Hello, ", nil),
		last,
	}}, "gpt-4o", "")
	b, _ := newTestBroker(agent, nil)

	var got collectedEvents
	if err := b.Stream(context.Background(), RunRequest{Message: "hi", ConversationID: "c"}, collect(&got)); err != nil {
		t.Fatalf("stream: %v", err)
	}

	var text strings.Builder
	deltaCount := 0
	for i, n := range got.names {
		if n == "delta" {
			deltaCount++
			text.WriteString(got.data[i].(DeltaPayload).Delta)
		}
	}
	// The trailing metadata update must not replay the reply as an
	// extra delta: the client sees the text exactly once.
	if deltaCount != 2 || text.String() != "Hello, world!" {
		t.Fatalf("expected 2 deltas spelling the reply once, got %d: %q", deltaCount, text.String())
	}
	stats := got.data[len(got.data)-2].(sessions.Stats)
	if stats.Total.TotalTokens != 7 {
		t.Errorf("expected reported usage in stats, got %+v", stats.Total)
	}
}

func TestStream_EstimateCountsStreamedTextOnce(t *testing.T) {
	agent := backend.NewEinoAgent(&scriptedModel{chunks: []*schema.Message{
		schema.AssistantMessage("three short", nil),
		schema.AssistantMessage(" words", nil),
	}}, "gpt-4o", "")
	b, _ := newTestBroker(agent, nil)

	var got collectedEvents
	if err := b.Stream(context.Background(), RunRequest{Message: "hi", ConversationID: "c"}, collect(&got)); err != nil {
		t.Fatalf("stream: %v", err)
	}

	// No usage reported; the fallback estimate covers "three short words"
	// once, not the chunks plus a repeated full reply.
	stats := got.data[len(got.data)-2].(sessions.Stats)
	if stats.Total.InputTokens != 1 || stats.Total.OutputTokens != 3 || stats.Total.TotalTokens != 4 {
		t.Errorf("unexpected estimated totals: %+v", stats.Total)
	}
}

func TestStream_ClientGoneStillAccounts(t *testing.T) {
	rec := newFakeRecorder()
	agent := &fakeStreamAgent{updates: []any{
		map[string]any{"delta": "a"},
		map[string]any{"delta": "b"},
		finalStreamUpdate(2, 3, 5),
	}}
	b, mgr := newTestBroker(agent, rec)

	// Client disconnects after the first delta.
	calls := 0
	emit := func(e StreamEvent) error {
		calls++
		if calls > 2 {
			return errors.New("broken pipe")
		}
		return nil
	}

	err := b.Stream(context.Background(), RunRequest{Message: "hi", ConversationID: "c"}, emit)
	if err == nil {
		t.Fatal("expected an error return when the client is gone")
	}

	// Accounting and session store still ran.
	got := rec.wait(t)
	if got.usage == nil || *got.usage.TotalTokens != 5 {
		t.Errorf("unexpected recorded usage: %+v", got.usage)
	}
	sess := mgr.Get("c")
	if sess == nil || sess.Stats.Turns != 1 {
		t.Errorf("expected stored session with one turn, got %+v", sess)
	}
}
