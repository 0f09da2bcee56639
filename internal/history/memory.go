package history

import (
	"context"
	"sync"

	"github.com/avetra/sessionlink/internal/domain"
)

// MemoryStore keeps the last limit messages per session in process memory.
type MemoryStore struct {
	limit int
	mu    sync.RWMutex
	data  map[domain.SessionID][]domain.Message
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 500
	}
	return &MemoryStore{limit: limit, data: make(map[domain.SessionID][]domain.Message)}
}

func (s *MemoryStore) Append(_ context.Context, session domain.SessionID, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.data[session], msg)
	if len(msgs) > s.limit {
		msgs = msgs[len(msgs)-s.limit:]
	}
	s.data[session] = msgs
	return nil
}

func (s *MemoryStore) List(_ context.Context, session domain.SessionID) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.data[session]))
	copy(out, s.data[session])
	return out, nil
}
