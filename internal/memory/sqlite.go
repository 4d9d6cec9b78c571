package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/arclabs/arcreactor/pkg/models"
)

// SQLiteStore persists transcripts and summaries in a single SQLite file.
type SQLiteStore struct {
	db          *sql.DB
	maxMessages int
}

// NewSQLiteStore opens (or creates) the database at path. Pass ":memory:"
// for an ephemeral database.
func NewSQLiteStore(path string, maxMessages int) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writes; a second writer conflicts.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, maxMessages: maxMessages}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_id TEXT,
			tool_calls TEXT,
			user_id TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			session_id TEXT PRIMARY KEY,
			narrative TEXT NOT NULL,
			facts TEXT NOT NULL,
			summarized_up_to INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_call_id, tool_calls, user_id, created_at
		FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var toolCallID, toolCalls, userID sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCallID, &toolCalls, &userID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ToolCallID = toolCallID.String
		msg.UserID = userID.String
		if toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID string, msg models.Message) error {
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(data)
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, tool_call_id, tool_calls, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, msg.Role, msg.Content, nullable(msg.ToolCallID), toolCalls, nullable(msg.UserID), createdAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if s.maxMessages > 0 {
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM messages WHERE session_id = ? AND id NOT IN (
				SELECT id FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
			)`, sessionID, sessionID, s.maxMessages)
		if err != nil {
			return fmt.Errorf("trim session: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	return s.querySessions(ctx, `SELECT DISTINCT session_id FROM messages ORDER BY session_id`)
}

// ListSessionsByUser returns only sessions that belong to userID in
// full: at least one message is attributed to them and none to anyone
// else.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string) ([]string, error) {
	return s.querySessions(ctx, `
		SELECT DISTINCT m.session_id FROM messages m
		WHERE m.user_id = ?
		AND NOT EXISTS (
			SELECT 1 FROM messages o
			WHERE o.session_id = m.session_id
			AND o.user_id IS NOT NULL AND o.user_id != ?
		)
		ORDER BY m.session_id`, userID, userID)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM messages
		WHERE session_id = ? AND user_id IS NOT NULL
		ORDER BY id LIMIT 1`, sessionID).Scan(&owner)
	if err == sql.ErrNoRows {
		return AnonymousOwner, nil
	}
	if err != nil {
		return "", fmt.Errorf("query owner: %w", err)
	}
	if owner.String == "" {
		return AnonymousOwner, nil
	}
	return owner.String, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// GetSummary implements SummaryStore.
func (s *SQLiteStore) GetSummary(ctx context.Context, sessionID string) (*models.ConversationSummary, error) {
	var sum models.ConversationSummary
	var facts string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, narrative, facts, summarized_up_to, created_at, updated_at
		FROM summaries WHERE session_id = ?`, sessionID).
		Scan(&sum.SessionID, &sum.Narrative, &facts, &sum.SummarizedUpToIndex, &sum.CreatedAt, &sum.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	if err := json.Unmarshal([]byte(facts), &sum.Facts); err != nil {
		return nil, fmt.Errorf("decode facts: %w", err)
	}
	return &sum, nil
}

// SaveSummary implements SummaryStore.
func (s *SQLiteStore) SaveSummary(ctx context.Context, summary *models.ConversationSummary) error {
	facts, err := json.Marshal(summary.Facts)
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summaries (session_id, narrative, facts, summarized_up_to, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			narrative = excluded.narrative,
			facts = excluded.facts,
			summarized_up_to = excluded.summarized_up_to,
			updated_at = excluded.updated_at`,
		summary.SessionID, summary.Narrative, string(facts),
		summary.SummarizedUpToIndex, summary.CreatedAt, summary.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// RemoveSummary implements SummaryStore.
func (s *SQLiteStore) RemoveSummary(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete summary: %w", err)
	}
	return nil
}

// Summaries adapts the store to the SummaryStore interface.
func (s *SQLiteStore) Summaries() SummaryStore { return sqliteSummaryView{s} }

type sqliteSummaryView struct{ store *SQLiteStore }

func (v sqliteSummaryView) Get(ctx context.Context, sessionID string) (*models.ConversationSummary, error) {
	return v.store.GetSummary(ctx, sessionID)
}

func (v sqliteSummaryView) Save(ctx context.Context, summary *models.ConversationSummary) error {
	return v.store.SaveSummary(ctx, summary)
}

func (v sqliteSummaryView) Remove(ctx context.Context, sessionID string) error {
	return v.store.RemoveSummary(ctx, sessionID)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
