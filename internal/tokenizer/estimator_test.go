package tokenizer

import (
	"context"
	"errors"
	"testing"
)

func TestHeuristic_Empty(t *testing.T) {
	ctx := context.Background()
	h := Heuristic{}

	for _, s := range []string{"", "   ", "\n\t  "} {
		if got := h.Estimate(ctx, s); got != 0 {
			t.Fatalf("Estimate(%q) = %d, want 0", s, got)
		}
	}
}

func TestHeuristic_NonEmptyFloor(t *testing.T) {
	ctx := context.Background()
	h := Heuristic{}

	for _, s := range []string{"a", ".", "hello", "你", "—"} {
		if got := h.Estimate(ctx, s); got < 1 {
			t.Fatalf("Estimate(%q) = %d, want >= 1", s, got)
		}
	}
}

func TestHeuristic_Deterministic(t *testing.T) {
	ctx := context.Background()
	h := Heuristic{}

	s := "My name is Bob. 你好世界! foo_bar baz-2"
	first := h.Estimate(ctx, s)
	for i := 0; i < 10; i++ {
		if got := h.Estimate(ctx, s); got != first {
			t.Fatalf("unstable estimate: %d then %d", first, got)
		}
	}
}

func TestHeuristic_MonotonicUnderAppend(t *testing.T) {
	ctx := context.Background()
	h := Heuristic{}

	prev := 0
	text := ""
	for _, chunk := range []string{"hello", " world", ", 你好", " again."} {
		text += chunk
		got := h.Estimate(ctx, text)
		if got < prev {
			t.Fatalf("estimate shrank from %d to %d for %q", prev, got, text)
		}
		prev = got
	}
}

func TestHeuristic_CountsCJKPerRune(t *testing.T) {
	ctx := context.Background()
	h := Heuristic{}

	// Three ideographs must count at least three tokens; a single ASCII word
	// counts one, so the CJK string must estimate strictly higher.
	if cjk, word := h.Estimate(ctx, "你好吗"), h.Estimate(ctx, "hello"); cjk <= word {
		t.Fatalf("expected CJK string (%d) to outweigh a single word (%d)", cjk, word)
	}
}

type fakeCounter struct {
	n   int
	err error
}

func (f fakeCounter) CountTokens(context.Context, string) (int, error) { return f.n, f.err }

func TestForBackend_PrefersCounter(t *testing.T) {
	ctx := context.Background()

	est := ForBackend(fakeCounter{n: 42})
	if got := est.Estimate(ctx, "anything"); got != 42 {
		t.Fatalf("expected counter value 42, got %d", got)
	}
	if got := est.Estimate(ctx, "  "); got != 0 {
		t.Fatalf("whitespace must estimate to 0 even with a counter, got %d", got)
	}
}

func TestForBackend_FallsBackOnError(t *testing.T) {
	ctx := context.Background()

	est := ForBackend(fakeCounter{err: errors.New("tokenizer offline")})
	if got := est.Estimate(ctx, "hello world"); got < 1 {
		t.Fatalf("expected heuristic fallback >= 1, got %d", got)
	}
}

func TestForBackend_NoCapability(t *testing.T) {
	est := ForBackend(struct{}{})
	if _, ok := est.(Heuristic); !ok {
		t.Fatalf("expected heuristic for a backend without a tokenizer, got %T", est)
	}
}
