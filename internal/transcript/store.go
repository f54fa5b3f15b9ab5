package transcript

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Record is one persisted user or assistant turn of a call.
type Record struct {
	ID        string    `json:"id"`
	CallSID   string    `json:"call_sid"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists call transcripts. Writes are best-effort from the turn
// path and must never block it.
type Store interface {
	SaveTurn(ctx context.Context, rec Record) error
	RecentTurns(ctx context.Context, callSID string, limit int) ([]Record, error)
	Close() error
}

// NewStore returns a Postgres-backed store when databaseURL is set and an
// in-memory store otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// InMemoryStore keeps transcripts for the process lifetime; used for local
// runs and tests.
type InMemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, callSID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(matched) < limit; i-- {
		if s.records[i].CallSID == callSID {
			matched = append(matched, s.records[i])
		}
	}

	// Chronological order for readers.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched, nil
}

func (s *InMemoryStore) Close() error { return nil }
