// Package ledger persists per-turn token usage in SQLite and serves the
// paginated and aggregate read queries. Records are append-only: they are
// never updated or deleted once written.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parleyhq/parley/internal/sessions"
)

// TurnUsage is one persisted usage record.
type TurnUsage struct {
	ConversationID string `json:"conversation_id"`
	TurnIndex      int    `json:"turn_index"`
	ModelName      string `json:"model_name,omitempty"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	TotalTokens    int    `json:"total_tokens"`
	CreatedAt      string `json:"created_at"`
}

// ConversationSummary aggregates one conversation's ledger rows.
type ConversationSummary struct {
	ConversationID string `json:"conversation_id"`
	Turns          int    `json:"turns"`
	TotalTokens    int    `json:"total_tokens"`
	LastCreatedAt  string `json:"last_created_at"`
}

// UsageSummary sums a single conversation's counters.
type UsageSummary struct {
	Turns        int `json:"turns"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Store wraps the SQLite connection for the usage ledger.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the ledger database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	// WAL keeps readers unblocked while turn records are appended.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversation_turn_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		turn_index INTEGER NOT NULL,
		model_name TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ctu_conversation_turn
		ON conversation_turn_usage(conversation_id, turn_index);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// RecordTurn appends one turn's usage. Counters absent from the usage default
// to zero, except the total which defaults to input+output; a reported total
// is stored as given, never recomputed.
func (s *Store) RecordTurn(ctx context.Context, conversationID string, turnIndex int, usage *sessions.Usage, modelName string) error {
	var input, output int
	if usage != nil && usage.InputTokens != nil {
		input = *usage.InputTokens
	}
	if usage != nil && usage.OutputTokens != nil {
		output = *usage.OutputTokens
	}
	total := input + output
	if usage != nil && usage.TotalTokens != nil {
		total = *usage.TotalTokens
	}

	createdAt := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turn_usage
		(conversation_id, turn_index, model_name, input_tokens, output_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversationID, turnIndex, modelName, input, output, total, createdAt,
	)
	if err != nil {
		return fmt.Errorf("record turn usage: %w", err)
	}
	return nil
}

// ListTurns returns a page of one conversation's records ordered by turn index.
func (s *Store) ListTurns(ctx context.Context, conversationID string, limit, offset int) ([]TurnUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, turn_index, model_name, input_tokens, output_tokens, total_tokens, created_at
		FROM conversation_turn_usage
		WHERE conversation_id = ?
		ORDER BY turn_index ASC, id ASC
		LIMIT ? OFFSET ?`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list turn usage: %w", err)
	}
	defer rows.Close()

	var items []TurnUsage
	for rows.Next() {
		var t TurnUsage
		if err := rows.Scan(&t.ConversationID, &t.TurnIndex, &t.ModelName, &t.InputTokens, &t.OutputTokens, &t.TotalTokens, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn usage: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// CountTurns returns the number of records for one conversation.
func (s *Store) CountTurns(ctx context.Context, conversationID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversation_turn_usage WHERE conversation_id = ?`,
		conversationID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count turn usage: %w", err)
	}
	return total, nil
}

// ListConversations returns a page of per-conversation summaries ordered by
// most recent activity.
func (s *Store) ListConversations(ctx context.Context, limit, offset int) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			conversation_id,
			COUNT(1) AS turns,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			MAX(created_at) AS last_created_at
		FROM conversation_turn_usage
		GROUP BY conversation_id
		ORDER BY last_created_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var items []ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		if err := rows.Scan(&c.ConversationID, &c.Turns, &c.TotalTokens, &c.LastCreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// CountConversations returns the number of distinct conversations on record.
func (s *Store) CountConversations(ctx context.Context) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM (SELECT DISTINCT conversation_id FROM conversation_turn_usage)`,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return total, nil
}

// Summarize sums all counters for one conversation.
func (s *Store) Summarize(ctx context.Context, conversationID string) (UsageSummary, error) {
	var sum UsageSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM conversation_turn_usage
		WHERE conversation_id = ?`,
		conversationID,
	).Scan(&sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.TotalTokens)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("summarize usage: %w", err)
	}
	return sum, nil
}
