package approval

import (
	"context"
	"sort"
	"sync"

	"github.com/arclabs/arcreactor/pkg/models"
)

// Store persists approval records for audit and recovery.
type Store interface {
	Save(ctx context.Context, approval *models.PendingApproval) error
	Update(ctx context.Context, approval *models.PendingApproval) error
	Get(ctx context.Context, id string) (*models.PendingApproval, error)
	ListPending(ctx context.Context) ([]models.PendingApproval, error)
	ListPendingByUser(ctx context.Context, userID string) ([]models.PendingApproval, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	approvals map[string]models.PendingApproval
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{approvals: make(map[string]models.PendingApproval)}
}

func (s *MemoryStore) Save(_ context.Context, approval *models.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[approval.ID] = *approval
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, approval *models.PendingApproval) error {
	return s.Save(ctx, approval)
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.approvals[id]; ok {
		return &a, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListPending(_ context.Context) ([]models.PendingApproval, error) {
	return s.listPending(func(models.PendingApproval) bool { return true })
}

func (s *MemoryStore) ListPendingByUser(_ context.Context, userID string) ([]models.PendingApproval, error) {
	return s.listPending(func(a models.PendingApproval) bool { return a.UserID == userID })
}

func (s *MemoryStore) listPending(keep func(models.PendingApproval) bool) ([]models.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PendingApproval
	for _, a := range s.approvals {
		if a.Status == models.ApprovalPending && keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}
