package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TURN EVENTS
// =============================================================================

// TurnMode distinguishes blocking runs from streamed ones.
type TurnMode string

const (
	TurnModeRun    TurnMode = "run"
	TurnModeStream TurnMode = "stream"
)

type TurnStartedPayload struct {
	Mode         TurnMode `json:"mode"`
	MessageChars int      `json:"message_chars"`
	Model        string   `json:"model,omitempty"`
}

func (TurnStartedPayload) EventType() EventType { return EventTurnStarted }

type TurnDeltaPayload struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
}

func (TurnDeltaPayload) EventType() EventType { return EventTurnDelta }

type TurnCompletedPayload struct {
	Model        string        `json:"model,omitempty"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	TotalTokens  int           `json:"total_tokens"`
	Estimated    bool          `json:"estimated,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

func (TurnCompletedPayload) EventType() EventType { return EventTurnCompleted }

type TurnFailedPayload struct {
	Error string `json:"error"`
}

func (TurnFailedPayload) EventType() EventType { return EventTurnFailed }

// =============================================================================
// CONVERSATION EVENTS
// =============================================================================

type ConversationCreatedPayload struct {
	Generated bool `json:"generated"`
}

func (ConversationCreatedPayload) EventType() EventType { return EventConversationCreated }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTypedEventWithConversation(source EventSource, payload EventPayload, conversationID string) Event {
	return Event{
		ID:             generateEventID(),
		ConversationID: conversationID,
		Type:           payload.EventType(),
		Timestamp:      time.Now(),
		Source:         source,
		Payload:        toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetTurnStartedPayload(e Event) (TurnStartedPayload, bool) {
	return ExtractPayload[TurnStartedPayload](e)
}

func GetTurnDeltaPayload(e Event) (TurnDeltaPayload, bool) {
	return ExtractPayload[TurnDeltaPayload](e)
}

func GetTurnCompletedPayload(e Event) (TurnCompletedPayload, bool) {
	return ExtractPayload[TurnCompletedPayload](e)
}

func GetTurnFailedPayload(e Event) (TurnFailedPayload, bool) {
	return ExtractPayload[TurnFailedPayload](e)
}
