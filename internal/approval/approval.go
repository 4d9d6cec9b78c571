// Package approval tracks human-in-the-loop decisions for gated tool
// calls. Each pending approval resolves exactly once: approve, reject, or
// timeout, whichever lands first.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arclabs/arcreactor/pkg/models"
)

// ErrAlreadyResolved is returned when a decision arrives after the
// approval has been resolved.
var ErrAlreadyResolved = errors.New("approval already resolved")

// ErrNotFound is returned for unknown approval IDs.
var ErrNotFound = errors.New("approval not found")

// Decision is the resolution delivered to the waiting tool call.
type Decision struct {
	Status models.ApprovalStatus

	// ModifiedArgs optionally replaces the tool arguments on approval.
	ModifiedArgs json.RawMessage

	// Reason carries the rejection reason.
	Reason string
}

type pendingEntry struct {
	approval models.PendingApproval
	ch       chan Decision
	resolved bool
}

// Manager owns in-flight approvals. Waiters receive their decision over a
// buffered single-fire channel, so resolvers never block.
type Manager struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewManager creates a manager persisting approvals to store.
func NewManager(store Store, timeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*pendingEntry),
	}
}

// Request registers a new pending approval for the given tool call.
func (m *Manager) Request(ctx context.Context, toolName string, args json.RawMessage, userID, sessionID, userPrompt string) (*models.PendingApproval, error) {
	approval := models.PendingApproval{
		ID:          uuid.New().String(),
		ToolName:    toolName,
		Arguments:   args,
		UserID:      userID,
		SessionID:   sessionID,
		UserPrompt:  userPrompt,
		RequestedAt: time.Now(),
		Status:      models.ApprovalPending,
	}
	if err := m.store.Save(ctx, &approval); err != nil {
		return nil, fmt.Errorf("save approval: %w", err)
	}

	m.mu.Lock()
	m.pending[approval.ID] = &pendingEntry{
		approval: approval,
		ch:       make(chan Decision, 1),
	}
	m.mu.Unlock()

	m.logger.Info("approval requested",
		"approval_id", approval.ID,
		"tool", toolName,
		"user_id", userID,
	)
	return &approval, nil
}

// Await blocks until the approval resolves, the configured timeout
// expires, or ctx is cancelled. Cancellation discards the pending entry.
func (m *Manager) Await(ctx context.Context, id string) (Decision, error) {
	m.mu.Lock()
	entry, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return Decision{}, ErrNotFound
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case decision := <-entry.ch:
		m.remove(id)
		return decision, nil

	case <-timer.C:
		err := m.resolve(ctx, id, Decision{Status: models.ApprovalTimedOut}, "system")
		if err != nil && !errors.Is(err, ErrAlreadyResolved) {
			return Decision{}, err
		}
		// Either the timeout or a racing human decision is in the
		// channel; whichever resolved first wins.
		decision := <-entry.ch
		m.remove(id)
		return decision, nil

	case <-ctx.Done():
		m.discard(context.WithoutCancel(ctx), id)
		return Decision{}, ctx.Err()
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Approve resolves the approval, optionally rewriting the arguments.
func (m *Manager) Approve(ctx context.Context, id string, modifiedArgs json.RawMessage, resolvedBy string) error {
	return m.resolve(ctx, id, Decision{
		Status:       models.ApprovalApproved,
		ModifiedArgs: modifiedArgs,
	}, resolvedBy)
}

// Reject resolves the approval with a reason.
func (m *Manager) Reject(ctx context.Context, id, reason, resolvedBy string) error {
	return m.resolve(ctx, id, Decision{
		Status: models.ApprovalRejected,
		Reason: reason,
	}, resolvedBy)
}

// ListPending returns all unresolved approvals from the store.
func (m *Manager) ListPending(ctx context.Context) ([]models.PendingApproval, error) {
	return m.store.ListPending(ctx)
}

// ListPendingByUser returns unresolved approvals requested by one user.
func (m *Manager) ListPendingByUser(ctx context.Context, userID string) ([]models.PendingApproval, error) {
	return m.store.ListPendingByUser(ctx, userID)
}

func (m *Manager) resolve(ctx context.Context, id string, decision Decision, resolvedBy string) error {
	m.mu.Lock()
	entry, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if entry.resolved {
		m.mu.Unlock()
		return ErrAlreadyResolved
	}
	entry.resolved = true
	m.mu.Unlock()

	now := time.Now()
	entry.approval.Status = decision.Status
	entry.approval.ModifiedArguments = decision.ModifiedArgs
	entry.approval.RejectionReason = decision.Reason
	entry.approval.ResolvedAt = &now
	entry.approval.ResolvedBy = resolvedBy
	if err := m.store.Update(ctx, &entry.approval); err != nil {
		m.logger.Warn("approval store update failed", "approval_id", id, "error", err)
	}

	entry.ch <- decision

	m.logger.Info("approval resolved",
		"approval_id", id,
		"status", decision.Status,
		"resolved_by", resolvedBy,
	)
	return nil
}

// discard removes a pending entry whose waiter went away. An entry that
// already resolved is simply dropped; an unresolved one is recorded as
// timed out.
func (m *Manager) discard(ctx context.Context, id string) {
	m.mu.Lock()
	entry, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	unresolved := ok && !entry.resolved
	if unresolved {
		entry.resolved = true
	}
	m.mu.Unlock()
	if !unresolved {
		return
	}

	now := time.Now()
	entry.approval.Status = models.ApprovalTimedOut
	entry.approval.ResolvedAt = &now
	entry.approval.ResolvedBy = "system"
	if err := m.store.Update(ctx, &entry.approval); err != nil {
		m.logger.Warn("approval store update failed", "approval_id", id, "error", err)
	}
}
