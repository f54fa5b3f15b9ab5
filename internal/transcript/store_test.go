package transcript

import (
	"context"
	"testing"
)

func TestInMemoryStoreSaveAndRecent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	turns := []Record{
		{CallSID: "CA1", Role: "user", Content: "hi"},
		{CallSID: "CA1", Role: "assistant", Content: "hello"},
		{CallSID: "CA2", Role: "user", Content: "other call"},
		{CallSID: "CA1", Role: "user", Content: "bye"},
	}
	for _, rec := range turns {
		if err := s.SaveTurn(ctx, rec); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.RecentTurns(ctx, "CA1", 10)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("RecentTurns() returned %d records, want 3", len(got))
	}
	if got[0].Content != "hi" || got[2].Content != "bye" {
		t.Fatalf("records not in chronological order: %+v", got)
	}
	for _, rec := range got {
		if rec.CreatedAt.IsZero() {
			t.Fatalf("CreatedAt not stamped: %+v", rec)
		}
	}
}

func TestInMemoryStoreLimit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.SaveTurn(ctx, Record{CallSID: "CA1", Role: "user", Content: string(rune('a' + i))})
	}

	got, err := s.RecentTurns(ctx, "CA1", 2)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentTurns() returned %d records, want 2", len(got))
	}
	// Most recent two, chronological.
	if got[0].Content != "d" || got[1].Content != "e" {
		t.Fatalf("unexpected records: %+v", got)
	}
}

func TestNewStoreDefaultsToInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore(\"\") = %T, want *InMemoryStore", s)
	}
}
