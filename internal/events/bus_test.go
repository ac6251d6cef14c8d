package events

import (
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventTurnStarted)

	bus.Publish(NewTypedEvent("test", TurnStartedPayload{Mode: TurnModeRun}))
	bus.Publish(NewTypedEvent("test", TurnDeltaPayload{Index: 0, Content: "hi"}))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventTurnStarted {
		t.Errorf("expected turn.started, got %s", received[0].Type)
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(NewTypedEvent("test", TurnStartedPayload{Mode: TurnModeStream}))
	bus.Publish(NewTypedEvent("test", TurnFailedPayload{Error: "boom"}))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 5; i++ {
		rb.Add(NewEvent(EventTurnDelta, "test", map[string]any{"i": i}))
	}

	events := rb.Get(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestSubscribeChan(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan(8, EventTurnCompleted)
	defer unsub()

	bus.Publish(NewTypedEventWithConversation("test", TurnCompletedPayload{TotalTokens: 9}, "conv-1"))

	select {
	case e := <-ch:
		if e.Type != EventTurnCompleted {
			t.Errorf("expected turn.completed, got %s", e.Type)
		}
		if e.ConversationID != "conv-1" {
			t.Errorf("expected conversation id, got %q", e.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}
