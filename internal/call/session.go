package call

import (
	"log"
	"sync"
	"time"
)

// State is the conversational state of one phone call.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
)

// Message is one conversation history entry. Order is meaningful.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Metrics tracks per-turn latency timestamps.
type Metrics struct {
	EndOfTurnAt  time.Time
	ResponseAt   time.Time
	FirstAudioAt time.Time
}

// LogSummary prints turn latencies once all three stamps are present.
func (m Metrics) LogSummary(callSID string) {
	if m.EndOfTurnAt.IsZero() || m.ResponseAt.IsZero() || m.FirstAudioAt.IsZero() {
		return
	}
	thinking := m.ResponseAt.Sub(m.EndOfTurnAt)
	ttfb := m.FirstAudioAt.Sub(m.ResponseAt)
	total := m.FirstAudioAt.Sub(m.EndOfTurnAt)
	log.Printf("[%s] latencies - response: %dms, tts ttfb: %dms, total: %dms",
		callSID, thinking.Milliseconds(), ttfb.Milliseconds(), total.Milliseconds())
}

// Session tracks the state of a single phone call.
//
// State transitions are serialized by the session mutex. The barge-in hook
// is set once at call start and invoked under that same mutex, so it cannot
// race with a concurrent transition.
type Session struct {
	CallSID string

	mu         sync.Mutex
	state      State
	transcript string
	history    []Message
	metrics    Metrics
	onBargeIn  func()
}

func NewSession(callSID string) *Session {
	return &Session{
		CallSID: callSID,
		state:   StateIdle,
	}
}

// SetBargeInHook registers the callback fired when the caller interrupts
// active playback. Must be set before the first upstream event is handled.
func (s *Session) SetBargeInHook(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBargeIn = hook
}

// State returns the current conversational state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TransitionTo moves the session to newState. Edge legality is the caller's
// responsibility.
func (s *Session) TransitionTo(newState State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(newState)
}

func (s *Session) transitionLocked(newState State) {
	old := s.state
	s.state = newState
	log.Printf("[%s] %s -> %s", s.CallSID, old, newState)
}

// HandleStartOfTurn reacts to the upstream start-of-turn signal. When the
// agent is mid-playback this is a barge-in: the hook runs to completion
// before the state flips to listening.
func (s *Session) HandleStartOfTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateSpeaking:
		log.Printf("[%s] barge-in detected, stopping playback", s.CallSID)
		if s.onBargeIn != nil {
			s.onBargeIn()
		}
		s.transitionLocked(StateListening)
	case StateIdle:
		s.transitionLocked(StateListening)
	}
}

// HandleEndOfTurn stores the final transcript, stamps the turn metric and
// moves the session to thinking.
func (s *Session) HandleEndOfTurn(transcript string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = transcript
	s.metrics.EndOfTurnAt = time.Now()
	s.transitionLocked(StateThinking)
}

// SetPartialTranscript records the latest interim transcript.
func (s *Session) SetPartialTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = text
}

// Transcript returns the most recent partial or final transcript.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

func (s *Session) AddUserMessage(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Message{Role: RoleUser, Content: content})
}

func (s *Session) AddAssistantMessage(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Message{Role: RoleAssistant, Content: content})
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// MarkResponseReady stamps the response-generation completion time.
func (s *Session) MarkResponseReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.ResponseAt = time.Now()
}

// MarkFirstAudio stamps first synthesized audio byte time and logs the
// turn latency summary.
func (s *Session) MarkFirstAudio() {
	s.mu.Lock()
	m := &s.metrics
	m.FirstAudioAt = time.Now()
	snapshot := *m
	s.mu.Unlock()
	snapshot.LogSummary(s.CallSID)
}

// Metrics returns a copy of the current turn metrics.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// ResetMetrics clears turn timestamps for the next turn.
func (s *Session) ResetMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = Metrics{}
}
