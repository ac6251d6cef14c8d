package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/parleyhq/parley/internal/models"
)

// EinoAgent runs turns through an Eino chat model. Threads are plain message
// histories; results and updates are emitted as loosely shaped maps carrying
// the keys the normalizer probes for.
type EinoAgent struct {
	chatModel    model.ToolCallingChatModel
	modelName    string
	instructions string
}

// NewEinoAgent creates an agent over the given chat model. modelName is the
// provider's configured model identifier, reported with every result.
func NewEinoAgent(chatModel model.ToolCallingChatModel, modelName, instructions string) *EinoAgent {
	return &EinoAgent{
		chatModel:    chatModel,
		modelName:    modelName,
		instructions: instructions,
	}
}

type threadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// einoThread is the message history for one conversation.
type einoThread struct {
	messages []*schema.Message
}

// Serialize encodes the history as {"messages": [...]}. Older caches stored
// the bare message array; DeserializeThread still accepts that layout.
func (t *einoThread) Serialize(_ context.Context) (json.RawMessage, error) {
	out := make([]threadMessage, 0, len(t.messages))
	for _, m := range t.messages {
		out = append(out, threadMessage{Role: string(m.Role), Content: m.Content})
	}
	return json.Marshal(map[string]any{"messages": out})
}

// NewThread starts a fresh history seeded with the system instructions.
func (a *EinoAgent) NewThread(_ context.Context) (Thread, error) {
	t := &einoThread{}
	if a.instructions != "" {
		t.messages = append(t.messages, schema.SystemMessage(a.instructions))
	}
	return t, nil
}

// DeserializeThread rebuilds a thread from its serialized form, accepting the
// current envelope and the legacy bare-array layout.
func (a *EinoAgent) DeserializeThread(_ context.Context, blob json.RawMessage) (Thread, error) {
	var envelope struct {
		Messages []threadMessage `json:"messages"`
	}
	if err := json.Unmarshal(blob, &envelope); err == nil && envelope.Messages != nil {
		return threadFrom(envelope.Messages), nil
	}

	var legacy []threadMessage
	if err := json.Unmarshal(blob, &legacy); err == nil && len(legacy) > 0 {
		return threadFrom(legacy), nil
	}

	return nil, fmt.Errorf("unrecognized thread layout")
}

func threadFrom(msgs []threadMessage) *einoThread {
	t := &einoThread{messages: make([]*schema.Message, 0, len(msgs))}
	for _, m := range msgs {
		t.messages = append(t.messages, &schema.Message{
			Role:    schema.RoleType(m.Role),
			Content: m.Content,
		})
	}
	return t
}

// Run executes one turn and advances the thread with both the user message
// and the assistant reply.
func (a *EinoAgent) Run(ctx context.Context, message string, thread Thread) (any, error) {
	t, err := a.ownThread(thread)
	if err != nil {
		return nil, err
	}

	t.messages = append(t.messages, schema.UserMessage(message))

	out, err := a.chatModel.Generate(ctx, t.messages)
	if err != nil {
		return nil, models.HandleError(err)
	}

	t.messages = append(t.messages, out)
	return a.resultValue(out), nil
}

// RunStream executes one turn through the model's streaming interface,
// emitting a delta update per content chunk and a final response update
// carrying the usage counters and model name.
func (a *EinoAgent) RunStream(ctx context.Context, message string, thread Thread) (*Stream, error) {
	t, err := a.ownThread(thread)
	if err != nil {
		return nil, err
	}

	t.messages = append(t.messages, schema.UserMessage(message))

	sr, err := a.chatModel.Stream(ctx, t.messages)
	if err != nil {
		return nil, models.HandleError(err)
	}

	s := NewStream(16)
	go func() {
		defer sr.Close()

		var chunks []*schema.Message
		for {
			chunk, err := sr.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				s.CloseWith(models.HandleError(err))
				return
			}
			chunks = append(chunks, chunk)
			if chunk.Content != "" {
				s.Send(ctx, map[string]any{"delta": chunk.Content})
			}
		}

		if len(chunks) > 0 {
			if full, err := schema.ConcatMessages(chunks); err == nil {
				t.messages = append(t.messages, full)
				// No output_text here: the content already went out as
				// deltas, so the final update carries metadata only.
				s.Send(ctx, map[string]any{"response": a.responseValue(full)})
			}
		}
		s.CloseWith(nil)
	}()

	return s, nil
}

func (a *EinoAgent) ownThread(thread Thread) (*einoThread, error) {
	t, ok := thread.(*einoThread)
	if !ok {
		return nil, fmt.Errorf("foreign thread type %T", thread)
	}
	return t, nil
}

// resultValue shapes a completed one-shot message the way callers expect to
// probe it: output text at the top level, usage and model under a response
// field.
func (a *EinoAgent) resultValue(msg *schema.Message) map[string]any {
	return map[string]any{
		"output_text": msg.Content,
		"response":    a.responseValue(msg),
	}
}

func (a *EinoAgent) responseValue(msg *schema.Message) map[string]any {
	response := map[string]any{"model": a.modelName}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		u := msg.ResponseMeta.Usage
		response["usage"] = map[string]any{
			"input_tokens":  u.PromptTokens,
			"output_tokens": u.CompletionTokens,
			"total_tokens":  u.TotalTokens,
		}
	}
	return response
}
