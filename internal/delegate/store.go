package delegate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/jarvis/internal/llm"
)

// ErrRecordNotFound is returned by Get for an unknown delegation ID.
var ErrRecordNotFound = errors.New("delegation record not found")

// Record is a persisted delegation run, kept for review of what the
// sub-agent looked at and what it concluded.
type Record struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Task           string         `json:"task"`
	Model          string         `json:"model"`
	Rounds         int            `json:"rounds"`
	MaxRounds      int            `json:"max_rounds"`
	InputTokens    int            `json:"input_tokens"`
	OutputTokens   int            `json:"output_tokens"`
	Exhausted      bool           `json:"exhausted"`
	ExhaustReason  string         `json:"exhaust_reason,omitempty"`
	ToolsCalled    map[string]int `json:"tools_called,omitempty"`
	Messages       []llm.Message  `json:"messages,omitempty"`
	Result         string         `json:"result"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	DurationMs     int64          `json:"duration_ms"`
	Error          string         `json:"error,omitempty"`
}

// Store persists delegation records. It shares the caller's database
// connection and creates its own table.
type Store struct {
	db *sql.DB
}

// NewStore creates a delegation store on db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("delegation store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS delegations (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			task            TEXT NOT NULL,
			model           TEXT NOT NULL,
			rounds          INTEGER NOT NULL,
			max_rounds      INTEGER NOT NULL,
			input_tokens    INTEGER NOT NULL,
			output_tokens   INTEGER NOT NULL,
			exhausted       BOOLEAN NOT NULL DEFAULT 0,
			exhaust_reason  TEXT,
			tools_called    TEXT,
			messages        TEXT,
			result          TEXT,
			started_at      TEXT NOT NULL,
			completed_at    TEXT NOT NULL,
			duration_ms     INTEGER NOT NULL,
			error           TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_delegations_started
			ON delegations(started_at DESC);
	`)
	return err
}

// Record inserts a delegation record.
func (s *Store) Record(rec *Record) error {
	toolsJSON, err := json.Marshal(rec.ToolsCalled)
	if err != nil {
		return fmt.Errorf("marshal tools_called: %w", err)
	}
	msgsJSON, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO delegations (
			id, conversation_id, task, model,
			rounds, max_rounds, input_tokens, output_tokens,
			exhausted, exhaust_reason, tools_called, messages, result,
			started_at, completed_at, duration_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.Task, rec.Model,
		rec.Rounds, rec.MaxRounds, rec.InputTokens, rec.OutputTokens,
		rec.Exhausted, rec.ExhaustReason, string(toolsJSON), string(msgsJSON), rec.Result,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		rec.DurationMs, rec.Error,
	)
	return err
}

const selectRecord = `
	SELECT id, conversation_id, task, model,
		rounds, max_rounds, input_tokens, output_tokens,
		exhausted, exhaust_reason, tools_called, messages, result,
		started_at, completed_at, duration_ms, error
	FROM delegations`

// Get retrieves a delegation record by ID.
func (s *Store) Get(id string) (*Record, error) {
	rec, err := scanInto(s.db.QueryRow(selectRecord+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// List returns records newest first. A limit of 0 returns all.
func (s *Store) List(limit int) ([]*Record, error) {
	query := selectRecord + ` ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(s scanner) (*Record, error) {
	var rec Record
	var exhaustReason, toolsJSON, msgsJSON, result, errStr sql.NullString
	var startedAt, completedAt string

	err := s.Scan(
		&rec.ID, &rec.ConversationID, &rec.Task, &rec.Model,
		&rec.Rounds, &rec.MaxRounds, &rec.InputTokens, &rec.OutputTokens,
		&rec.Exhausted, &exhaustReason, &toolsJSON, &msgsJSON, &result,
		&startedAt, &completedAt, &rec.DurationMs, &errStr,
	)
	if err != nil {
		return nil, err
	}

	rec.ExhaustReason = exhaustReason.String
	rec.Result = result.String
	rec.Error = errStr.String
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)

	if toolsJSON.Valid && toolsJSON.String != "" {
		_ = json.Unmarshal([]byte(toolsJSON.String), &rec.ToolsCalled)
	}
	if msgsJSON.Valid && msgsJSON.String != "" {
		_ = json.Unmarshal([]byte(msgsJSON.String), &rec.Messages)
	}
	return &rec, nil
}

// ExtractToolsCalled counts tool invocations by name in a message
// history. It returns nil when no tools were called.
func ExtractToolsCalled(messages []llm.Message) map[string]int {
	counts := make(map[string]int)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.Name != "" {
				counts[tc.Name]++
			}
		}
	}
	if len(counts) == 0 {
		return nil
	}
	return counts
}
