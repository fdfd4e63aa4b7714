package diagnostics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultInMemoryCapacity = 256

// InMemoryStore keeps the most recent records in a fixed-size ring.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
	next    int
	filled  bool
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = defaultInMemoryCapacity
	}
	return &InMemoryStore{records: make([]Record, capacity)}
}

func (s *InMemoryStore) Save(_ context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.next] = record
	s.next++
	if s.next == len(s.records) {
		s.next = 0
		s.filled = true
	}
	return nil
}

// Recent returns up to limit records, oldest first.
func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	size := s.next
	if s.filled {
		size = len(s.records)
	}
	if size == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Record, 0, limit)
	start := s.next - limit
	for i := 0; i < limit; i++ {
		idx := (start + i + len(s.records)) % len(s.records)
		out = append(out, s.records[idx])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
