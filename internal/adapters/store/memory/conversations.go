// Package memory holds in-process store implementations. They back the
// "memory" store driver and the tests.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
)

type convEntry struct {
	mu   sync.Mutex
	conv domain.Conversation
}

// Conversations serializes every mutation per conversation.
type Conversations struct {
	mu     sync.RWMutex
	byID   map[string]*convEntry
	direct map[string]string

	now func() time.Time
}

func NewConversations() *Conversations {
	return &Conversations{
		byID:   make(map[string]*convEntry),
		direct: make(map[string]string),
		now:    time.Now,
	}
}

func participantKey(ids []domain.UserID) string {
	sorted := domain.SortedParticipants(ids)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func (s *Conversations) entry(chatID string) (*convEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[chatID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return e, nil
}

func (s *Conversations) snapshot(e *convEntry) *domain.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := cloneConversation(e.conv)
	return &c
}

// FindByParticipants looks up the direct conversation of exactly ids.
func (s *Conversations) FindByParticipants(_ context.Context, ids []domain.UserID) (*domain.Conversation, error) {
	s.mu.RLock()
	id, ok := s.direct[participantKey(ids)]
	s.mu.RUnlock()
	if !ok {
		return nil, core.ErrNotFound
	}
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return s.snapshot(e), nil
}

// Create stores a new conversation. Creating a direct conversation that
// already exists returns the existing one.
func (s *Conversations) Create(_ context.Context, participants []domain.UserID, group *domain.GroupInfo) (*domain.Conversation, error) {
	now := s.now().UTC()
	conv := domain.Conversation{
		ID:           domain.NewObjectID(now),
		Participants: domain.SortedParticipants(participants),
		Messages:     []domain.Message{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if group != nil {
		conv.IsGroup = true
		conv.Name = group.Name
		conv.Photo = group.Photo
		conv.Admins = slices.Clone(group.Admins)
	}

	s.mu.Lock()
	if !conv.IsGroup {
		key := participantKey(participants)
		if id, ok := s.direct[key]; ok {
			e := s.byID[id]
			s.mu.Unlock()
			return s.snapshot(e), nil
		}
		s.direct[key] = conv.ID
	}
	s.byID[conv.ID] = &convEntry{conv: conv}
	s.mu.Unlock()

	out := cloneConversation(conv)
	return &out, nil
}

func (s *Conversations) Get(_ context.Context, chatID string) (*domain.Conversation, error) {
	e, err := s.entry(chatID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(e), nil
}

func (s *Conversations) AppendMessage(_ context.Context, chatID string, msg domain.Message) error {
	e, err := s.entry(chatID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conv.Messages = append(e.conv.Messages, cloneMessage(msg))
	e.conv.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Conversations) UpdateMessage(_ context.Context, chatID, msgID string, fn func(*domain.Message) error) (*domain.Message, error) {
	e, err := s.entry(chatID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.conv.Message(msgID)
	if !ok {
		return nil, core.ErrNotFound
	}
	next := cloneMessage(*cur)
	if err := fn(&next); err != nil {
		return nil, err
	}
	*cur = next
	e.conv.UpdatedAt = s.now().UTC()
	out := cloneMessage(next)
	return &out, nil
}

func (s *Conversations) UpdateConversation(_ context.Context, chatID string, fn func(*domain.Conversation) error) (*domain.Conversation, error) {
	e, err := s.entry(chatID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := cloneConversation(e.conv)
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.ID = e.conv.ID
	next.UpdatedAt = s.now().UTC()
	e.conv = next
	out := cloneConversation(next)
	return &out, nil
}

func cloneMessage(m domain.Message) domain.Message {
	m.DeletedFor = slices.Clone(m.DeletedFor)
	m.Reactions = slices.Clone(m.Reactions)
	if m.Reactions == nil {
		m.Reactions = []domain.Reaction{}
	}
	return m
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	c.Participants = slices.Clone(c.Participants)
	c.Admins = slices.Clone(c.Admins)
	msgs := make([]domain.Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = cloneMessage(m)
	}
	c.Messages = msgs
	return c
}
