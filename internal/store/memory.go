package store

import (
	"context"
	"sync"

	"github.com/eldtechnologies/chatline/internal/ids"
	"github.com/eldtechnologies/chatline/internal/models"
)

// MemoryStore is a process-local MessageStore. Messages are lost on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	messages []*models.Message
	byConv   map[string][]*models.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byConv: make(map[string][]*models.Message)}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Append stores a new unread message.
func (s *MemoryStore) Append(ctx context.Context, from, to, content string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	msg := &models.Message{
		ID:        ids.NewMessageID(),
		From:      from,
		To:        to,
		Content:   content,
		CreatedAt: now(),
		Seq:       s.seq,
	}
	s.messages = append(s.messages, msg)
	key := conversationKey(from, to)
	s.byConv[key] = append(s.byConv[key], msg)

	out := *msg
	return &out, nil
}

// History returns copies of the conversation between a and b.
func (s *MemoryStore) History(ctx context.Context, a, b string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := s.byConv[conversationKey(a, b)]
	messages := make([]models.Message, len(conv))
	for i, msg := range conv {
		messages[i] = *msg
	}
	sortConversation(messages)
	return messages, nil
}

// MarkRead sets read on every unread message from -> to.
func (s *MemoryStore) MarkRead(ctx context.Context, from, to string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, msg := range s.byConv[conversationKey(from, to)] {
		if msg.From == from && msg.To == to && !msg.Read {
			msg.Read = true
			n++
		}
	}
	return n, nil
}

// CountMessages returns the total number of stored messages.
func (s *MemoryStore) CountMessages(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.messages)), nil
}

// UnreadCount returns how many messages from -> to are still unread.
func (s *MemoryStore) UnreadCount(ctx context.Context, from, to string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, msg := range s.byConv[conversationKey(from, to)] {
		if msg.From == from && msg.To == to && !msg.Read {
			n++
		}
	}
	return n, nil
}
