package filler

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	// DefaultThreshold is the silence gap before filler audio starts.
	// Empirically tuned; configurable, not an invariant.
	DefaultThreshold = 1500 * time.Millisecond

	// DefaultChunkSize/DefaultChunkInterval pace filler at the real playback
	// rate of 8 kHz mu-law: 320 bytes every 40 ms.
	DefaultChunkSize     = 320
	DefaultChunkInterval = 40 * time.Millisecond
)

// AudioSink delivers one filler chunk to the telephony leg.
type AudioSink func(chunk []byte) error

// Scheduler injects looped filler audio into calls that have been silent
// longer than the threshold, and cancels it the moment the agent speaks.
//
// The filler buffer is loaded once and shared read-only across all calls.
// Per-call scheduling state lives in a side table whose entries must be
// fully torn down on stream stop; a leaked timer is a correctness bug.
type Scheduler struct {
	buffer        []byte
	threshold     time.Duration
	chunkSize     int
	chunkInterval time.Duration

	mu      sync.Mutex
	calls   map[string]*callState
	onStart func(callID string)
}

type callState struct {
	sink          AudioSink
	lastSilenceAt time.Time
	agentSpeaking bool
	armTimer      *time.Timer
	cancelFiller  context.CancelFunc
	fillerDone    chan struct{}
}

func NewScheduler(buffer []byte, threshold time.Duration) *Scheduler {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Scheduler{
		buffer:        buffer,
		threshold:     threshold,
		chunkSize:     DefaultChunkSize,
		chunkInterval: DefaultChunkInterval,
		calls:         make(map[string]*callState),
	}
}

// OnStart registers a callback invoked each time filler playback begins.
func (s *Scheduler) OnStart(fn func(callID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStart = fn
}

// SetPacing overrides chunking for tests or non-default encodings.
func (s *Scheduler) SetPacing(chunkSize int, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chunkSize > 0 {
		s.chunkSize = chunkSize
	}
	if interval > 0 {
		s.chunkInterval = interval
	}
}

// Track creates the side-table entry for callID. sink receives filler chunks.
func (s *Scheduler) Track(callID string, sink AudioSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[callID]; ok {
		return
	}
	s.calls[callID] = &callState{sink: sink}
}

// UserStoppedSpeaking re-arms the silence timer for callID.
func (s *Scheduler) UserStoppedSpeaking(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.calls[callID]
	if !ok {
		return
	}

	if st.armTimer != nil {
		st.armTimer.Stop()
	}
	st.lastSilenceAt = time.Now()
	st.agentSpeaking = false
	st.armTimer = time.AfterFunc(s.threshold, func() { s.fire(callID) })
}

// UserStartedSpeaking disarms the pending silence timer and stops any
// running filler so it never plays over the caller.
func (s *Scheduler) UserStartedSpeaking(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.calls[callID]
	if !ok {
		return
	}
	st.agentSpeaking = false
	if st.armTimer != nil {
		st.armTimer.Stop()
		st.armTimer = nil
	}
	if st.cancelFiller != nil {
		st.cancelFiller()
		st.cancelFiller = nil
	}
}

// AgentStartedSpeaking discards any pending timer and stops a running filler
// task immediately; no further chunks are sent after cancellation.
func (s *Scheduler) AgentStartedSpeaking(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.calls[callID]
	if !ok {
		return
	}
	st.agentSpeaking = true
	if st.armTimer != nil {
		st.armTimer.Stop()
		st.armTimer = nil
	}
	if st.cancelFiller != nil {
		st.cancelFiller()
		st.cancelFiller = nil
	}
}

// fire runs when the silence timer expires. A timer that raced with
// AgentStartedSpeaking finds the flag set and discards its result.
func (s *Scheduler) fire(callID string) {
	s.mu.Lock()
	st, ok := s.calls[callID]
	if !ok || st.agentSpeaking || st.cancelFiller != nil || len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	st.cancelFiller = cancel
	st.fillerDone = done
	sink := st.sink
	chunkSize := s.chunkSize
	interval := s.chunkInterval
	started := s.onStart
	s.mu.Unlock()

	log.Printf("[%s] silence threshold reached, starting filler audio", callID)
	if started != nil {
		started(callID)
	}
	go s.loop(ctx, callID, sink, chunkSize, interval, done)
}

// loop streams the filler buffer in paced chunks, wrapping around until
// cancelled.
func (s *Scheduler) loop(ctx context.Context, callID string, sink AudioSink, chunkSize int, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	offset := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] filler audio cancelled", callID)
			return
		case <-ticker.C:
			end := offset + chunkSize
			if end > len(s.buffer) {
				end = len(s.buffer)
			}
			chunk := s.buffer[offset:end]
			offset = end
			if offset >= len(s.buffer) {
				offset = 0
			}
			if err := sink(chunk); err != nil {
				log.Printf("[%s] filler send failed, stopping: %v", callID, err)
				return
			}
		}
	}
}

// Stop tears down the side-table entry for callID, cancelling any pending
// timer and awaiting the filler task's termination.
func (s *Scheduler) Stop(callID string) {
	s.mu.Lock()
	st, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.calls, callID)
	if st.armTimer != nil {
		st.armTimer.Stop()
		st.armTimer = nil
	}
	if st.cancelFiller != nil {
		st.cancelFiller()
		st.cancelFiller = nil
	}
	done := st.fillerDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Tracked reports whether a side-table entry exists for callID.
func (s *Scheduler) Tracked(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.calls[callID]
	return ok
}
