// Package tokenizer estimates token counts for usage accounting when the
// inference backend does not report them.
package tokenizer

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
)

// Estimator turns text into an approximate token count.
type Estimator interface {
	Estimate(ctx context.Context, text string) int
}

// Counter is the optional capability a backend exposes when it has access to
// the provider's real tokenizer.
type Counter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// ForBackend returns an estimator that prefers the backend's tokenizer when
// the backend implements Counter, and the heuristic otherwise.
func ForBackend(backend any) Estimator {
	if c, ok := backend.(Counter); ok {
		return &counterEstimator{counter: c}
	}
	return Heuristic{}
}

type counterEstimator struct {
	counter Counter
}

func (e *counterEstimator) Estimate(ctx context.Context, text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	n, err := e.counter.CountTokens(ctx, text)
	if err != nil || n < 0 {
		slog.Debug("backend tokenizer failed, using heuristic", "error", err)
		return Heuristic{}.Estimate(ctx, text)
	}
	return n
}

// Heuristic is a deterministic approximation used when no real tokenizer is
// reachable. It counts CJK ideographs individually, runs of ASCII letters,
// digits and underscores as one token each, and every other non-space
// character as one token. Non-empty input never estimates to zero.
type Heuristic struct{}

func (Heuristic) Estimate(_ context.Context, text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	count := 0
	inWord := false
	for _, r := range text {
		switch {
		case isCJK(r):
			count++
			inWord = false
		case isWordRune(r):
			if !inWord {
				count++
				inWord = true
			}
		case unicode.IsSpace(r):
			inWord = false
		default:
			// Punctuation and other scripts count one token per rune.
			count++
			inWord = false
		}
	}

	if count < 1 {
		count = 1
	}
	return count
}

func isCJK(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FFF
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
