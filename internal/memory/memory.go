package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/arclabs/arcreactor/pkg/models"
)

type session struct {
	messages []models.Message
	owner    string
}

// InMemoryStore keeps transcripts and summaries in process memory. It is
// the default backend and the one used by tests.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*session
	summaries   map[string]*models.ConversationSummary
	maxMessages int
}

// NewInMemoryStore creates a store trimming each session to maxMessages.
// A non-positive cap disables trimming.
func NewInMemoryStore(maxMessages int) *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]*session),
		summaries:   make(map[string]*models.ConversationSummary),
		maxMessages: maxMessages,
	}
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]models.Message, len(sess.messages))
	copy(out, sess.messages)
	return out, nil
}

func (s *InMemoryStore) AddMessage(_ context.Context, sessionID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{owner: AnonymousOwner}
		s.sessions[sessionID] = sess
	}
	if sess.owner == AnonymousOwner && msg.UserID != "" {
		sess.owner = msg.UserID
	}

	sess.messages = append(sess.messages, msg)
	if s.maxMessages > 0 && len(sess.messages) > s.maxMessages {
		overflow := len(sess.messages) - s.maxMessages
		sess.messages = append([]models.Message(nil), sess.messages[overflow:]...)
	}
	return nil
}

func (s *InMemoryStore) ListSessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ListSessionsByUser returns only sessions that belong to userID in
// full: the owner matches and no message is attributed to anyone else.
func (s *InMemoryStore) ListSessionsByUser(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, sess := range s.sessions {
		if sess.owner == userID && ownedExclusively(sess.messages, userID) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ownedExclusively reports whether every attributed message belongs to
// userID. Unattributed messages (tool replies, system turns) do not
// break ownership.
func ownedExclusively(msgs []models.Message, userID string) bool {
	for _, m := range msgs {
		if m.UserID != "" && m.UserID != userID {
			return false
		}
	}
	return true
}

func (s *InMemoryStore) SessionOwner(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.owner, nil
	}
	return AnonymousOwner, nil
}

func (s *InMemoryStore) Remove(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// GetSummary implements SummaryStore.
func (s *InMemoryStore) GetSummary(_ context.Context, sessionID string) (*models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sum, ok := s.summaries[sessionID]; ok {
		copied := *sum
		return &copied, nil
	}
	return nil, nil
}

// SaveSummary implements SummaryStore.
func (s *InMemoryStore) SaveSummary(_ context.Context, summary *models.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *summary
	s.summaries[summary.SessionID] = &copied
	return nil
}

// RemoveSummary implements SummaryStore.
func (s *InMemoryStore) RemoveSummary(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.summaries, sessionID)
	return nil
}

// Summaries adapts the store to the SummaryStore interface.
func (s *InMemoryStore) Summaries() SummaryStore { return summaryView{s} }

type summaryView struct{ store *InMemoryStore }

func (v summaryView) Get(ctx context.Context, sessionID string) (*models.ConversationSummary, error) {
	return v.store.GetSummary(ctx, sessionID)
}

func (v summaryView) Save(ctx context.Context, summary *models.ConversationSummary) error {
	return v.store.SaveSummary(ctx, summary)
}

func (v summaryView) Remove(ctx context.Context, sessionID string) error {
	return v.store.RemoveSummary(ctx, sessionID)
}
