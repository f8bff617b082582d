package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process. Used in tests and local runs without Postgres.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*Conversation
	active        map[string]uuid.UUID
	messages      map[uuid.UUID][]Message
	now           func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[uuid.UUID]*Conversation),
		active:        make(map[string]uuid.UUID),
		messages:      make(map[uuid.UUID][]Message),
		now:           time.Now,
	}
}

func (s *MemoryStore) GetOrCreateActive(_ context.Context, phone string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.active[phone]; ok {
		c := *s.conversations[id]
		return &c, nil
	}
	now := s.now().UTC()
	c := &Conversation{ID: uuid.New(), PhoneNumber: phone, Status: StatusActive, CreatedAt: now, UpdatedAt: now}
	s.conversations[c.ID] = c
	s.active[phone] = c.ID
	out := *c
	return &out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID uuid.UUID, role Role, content string) (*Message, error) {
	if !validRole(role) {
		return nil, ErrInvalidRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	now := s.now().UTC()
	msg := Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Seq:            len(s.messages[conversationID]) + 1,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	c.UpdatedAt = now
	return &msg, nil
}

func (s *MemoryStore) UpdateContext(_ context.Context, conversationID uuid.UUID, partial Context) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return Context{}, ErrConversationNotFound
	}
	c.Context = c.Context.Merge(partial)
	c.UpdatedAt = s.now().UTC()
	return c.Context, nil
}

func (s *MemoryStore) History(_ context.Context, conversationID uuid.UUID) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	return append([]Message(nil), s.messages[conversationID]...), nil
}

func (s *MemoryStore) Get(_ context.Context, conversationID uuid.UUID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) Close(_ context.Context, conversationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if c.Status == StatusClosed {
		return nil
	}
	c.Status = StatusClosed
	c.UpdatedAt = s.now().UTC()
	delete(s.active, c.PhoneNumber)
	return nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Summary
	for _, c := range s.conversations {
		if f.Phone != "" && c.PhoneNumber != f.Phone {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, c.Status) {
			continue
		}
		out = append(out, Summary{Conversation: *c, MessageCount: len(s.messages[c.ID])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
