package call

import (
	"sync"
	"testing"
)

func TestSessionTransitionSequence(t *testing.T) {
	s := NewSession("CA1")
	if s.State() != StateIdle {
		t.Fatalf("initial state = %q, want %q", s.State(), StateIdle)
	}

	steps := []State{StateListening, StateThinking, StateSpeaking, StateListening}
	for _, next := range steps {
		s.TransitionTo(next)
		if s.State() != next {
			t.Fatalf("state = %q, want %q", s.State(), next)
		}
	}
}

func TestHandleStartOfTurnFromIdle(t *testing.T) {
	s := NewSession("CA1")
	s.HandleStartOfTurn()
	if s.State() != StateListening {
		t.Fatalf("state = %q, want %q", s.State(), StateListening)
	}
}

func TestHandleStartOfTurnBargeIn(t *testing.T) {
	s := NewSession("CA1")
	fired := 0
	s.SetBargeInHook(func() { fired++ })

	s.TransitionTo(StateListening)
	s.TransitionTo(StateThinking)
	s.TransitionTo(StateSpeaking)

	s.HandleStartOfTurn()
	if fired != 1 {
		t.Fatalf("barge-in hook fired %d times, want 1", fired)
	}
	if s.State() != StateListening {
		t.Fatalf("state after barge-in = %q, want %q", s.State(), StateListening)
	}
}

func TestHandleStartOfTurnNoOpWhileThinking(t *testing.T) {
	s := NewSession("CA1")
	fired := 0
	s.SetBargeInHook(func() { fired++ })

	s.TransitionTo(StateListening)
	s.TransitionTo(StateThinking)

	s.HandleStartOfTurn()
	if fired != 0 {
		t.Fatalf("barge-in hook fired %d times, want 0", fired)
	}
	if s.State() != StateThinking {
		t.Fatalf("state = %q, want %q", s.State(), StateThinking)
	}
}

func TestHandleEndOfTurn(t *testing.T) {
	s := NewSession("CA1")
	s.TransitionTo(StateListening)

	s.HandleEndOfTurn("what's the weather")
	if s.State() != StateThinking {
		t.Fatalf("state = %q, want %q", s.State(), StateThinking)
	}
	if s.Transcript() != "what's the weather" {
		t.Fatalf("transcript = %q", s.Transcript())
	}
	if s.Metrics().EndOfTurnAt.IsZero() {
		t.Fatalf("end-of-turn timestamp not recorded")
	}
}

func TestConversationHistoryOrder(t *testing.T) {
	s := NewSession("CA1")
	s.AddUserMessage("hi")
	s.AddAssistantMessage("hello")
	s.AddUserMessage("bye")

	h := s.History()
	want := []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "bye"},
	}
	if len(h) != len(want) {
		t.Fatalf("history length = %d, want %d", len(h), len(want))
	}
	for i := range want {
		if h[i] != want[i] {
			t.Fatalf("history[%d] = %+v, want %+v", i, h[i], want[i])
		}
	}

	// History returns a copy.
	h[0].Content = "mutated"
	if s.History()[0].Content != "hi" {
		t.Fatalf("history copy leaked internal state")
	}
}

func TestResetMetrics(t *testing.T) {
	s := NewSession("CA1")
	s.HandleEndOfTurn("x")
	s.MarkResponseReady()
	s.MarkFirstAudio()

	m := s.Metrics()
	if m.EndOfTurnAt.IsZero() || m.ResponseAt.IsZero() || m.FirstAudioAt.IsZero() {
		t.Fatalf("expected all timestamps set: %+v", m)
	}

	s.ResetMetrics()
	m = s.Metrics()
	if !m.EndOfTurnAt.IsZero() || !m.ResponseAt.IsZero() || !m.FirstAudioAt.IsZero() {
		t.Fatalf("expected cleared metrics: %+v", m)
	}
}

func TestConcurrentTransitionsDoNotRace(t *testing.T) {
	s := NewSession("CA1")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.TransitionTo(StateListening)
				s.TransitionTo(StateThinking)
				_ = s.State()
			}
		}()
	}
	wg.Wait()

	got := s.State()
	if got != StateListening && got != StateThinking {
		t.Fatalf("state = %q, want listening or thinking", got)
	}
}
