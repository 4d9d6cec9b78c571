// Package memory persists conversation transcripts and their summaries.
package memory

import (
	"context"

	"github.com/arclabs/arcreactor/pkg/models"
)

// AnonymousOwner is reported for sessions with no attributed user.
const AnonymousOwner = "anonymous"

// MessageStore persists per-session transcripts. Implementations trim the
// oldest messages once a session exceeds its configured cap.
type MessageStore interface {
	// Get returns the session transcript in insertion order. A missing
	// session yields an empty slice.
	Get(ctx context.Context, sessionID string) ([]models.Message, error)

	// AddMessage appends one message to the session.
	AddMessage(ctx context.Context, sessionID string, msg models.Message) error

	// ListSessions returns all session IDs.
	ListSessions(ctx context.Context) ([]string, error)

	// ListSessionsByUser returns the sessions owned by userID.
	ListSessionsByUser(ctx context.Context, userID string) ([]string, error)

	// SessionOwner returns the user who opened the session, or
	// AnonymousOwner when no message carries a user ID.
	SessionOwner(ctx context.Context, sessionID string) (string, error)

	// Remove deletes the session transcript. Removing a missing session
	// is not an error.
	Remove(ctx context.Context, sessionID string) error
}

// SummaryStore persists hierarchical conversation summaries.
type SummaryStore interface {
	// Get returns the summary for a session, or nil when none exists.
	Get(ctx context.Context, sessionID string) (*models.ConversationSummary, error)

	// Save inserts or replaces the summary.
	Save(ctx context.Context, summary *models.ConversationSummary) error

	// Remove deletes the summary. Removing a missing summary is not an
	// error.
	Remove(ctx context.Context, sessionID string) error
}
