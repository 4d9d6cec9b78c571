package approval

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/arclabs/arcreactor/pkg/models"
)

// SQLiteStore persists approvals in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the approvals table in the database
// at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			tool_name TEXT NOT NULL,
			arguments TEXT,
			user_id TEXT,
			session_id TEXT,
			user_prompt TEXT,
			requested_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			modified_arguments TEXT,
			rejection_reason TEXT,
			resolved_at DATETIME,
			resolved_by TEXT
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Save(ctx context.Context, a *models.PendingApproval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, tool_name, arguments, user_id, session_id, user_prompt, requested_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ToolName, string(a.Arguments), a.UserID, a.SessionID, a.UserPrompt, a.RequestedAt, a.Status)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, a *models.PendingApproval) error {
	var resolvedAt any
	if a.ResolvedAt != nil {
		resolvedAt = *a.ResolvedAt
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, modified_arguments = ?, rejection_reason = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ?`,
		a.Status, string(a.ModifiedArguments), a.RejectionReason, resolvedAt, a.ResolvedBy, a.ID)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.PendingApproval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool_name, arguments, user_id, session_id, user_prompt,
		       requested_at, status, modified_arguments, rejection_reason, resolved_at, resolved_by
		FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]models.PendingApproval, error) {
	return s.queryPending(ctx, `
		SELECT id, tool_name, arguments, user_id, session_id, user_prompt,
		       requested_at, status, modified_arguments, rejection_reason, resolved_at, resolved_by
		FROM approvals WHERE status = ? ORDER BY requested_at`, models.ApprovalPending)
}

func (s *SQLiteStore) ListPendingByUser(ctx context.Context, userID string) ([]models.PendingApproval, error) {
	return s.queryPending(ctx, `
		SELECT id, tool_name, arguments, user_id, session_id, user_prompt,
		       requested_at, status, modified_arguments, rejection_reason, resolved_at, resolved_by
		FROM approvals WHERE status = ? AND user_id = ? ORDER BY requested_at`, models.ApprovalPending, userID)
}

func (s *SQLiteStore) queryPending(ctx context.Context, query string, args ...any) ([]models.PendingApproval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []models.PendingApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(row scanner) (*models.PendingApproval, error) {
	var a models.PendingApproval
	var args, modified, reason, userID, sessionID, prompt, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&a.ID, &a.ToolName, &args, &userID, &sessionID, &prompt,
		&a.RequestedAt, &a.Status, &modified, &reason, &resolvedAt, &resolvedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	if args.String != "" {
		a.Arguments = []byte(args.String)
	}
	if modified.String != "" {
		a.ModifiedArguments = []byte(modified.String)
	}
	a.RejectionReason = reason.String
	a.UserID = userID.String
	a.SessionID = sessionID.String
	a.UserPrompt = prompt.String
	a.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}
