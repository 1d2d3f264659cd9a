package contextstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process focus store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	records map[string]FocusRecord
	now     func() time.Time
}

func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &InMemoryStore{
		ttl:     ttl,
		records: make(map[string]FocusRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) SaveFocus(_ context.Context, visitorID, focus string) (FocusRecord, error) {
	visitorID, focus, err := normalize(visitorID, focus)
	if err != nil {
		return FocusRecord{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.records {
		if !now.Before(r.ExpiresAt) {
			delete(s.records, id)
		}
	}
	rec := FocusRecord{
		ID:        uuid.NewString(),
		VisitorID: visitorID,
		Focus:     focus,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.records[visitorID] = rec
	return rec, nil
}

func (s *InMemoryStore) Focus(_ context.Context, visitorID string) (FocusRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[visitorID]
	if !ok || !s.now().Before(rec.ExpiresAt) {
		return FocusRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }
