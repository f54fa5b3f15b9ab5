package bridge

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/switchboard/internal/brain"
	"github.com/antoniostano/switchboard/internal/call"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/transcript"
)

// respond runs one thinking+speaking cycle for a completed caller turn.
// It must always leave the session out of the thinking state: a stuck call
// hears silence forever.
func (r *Runner) respond(ctx context.Context, userText string) {
	sess := r.sess
	sid := sess.CallSID

	sess.AddUserMessage(userText)
	r.saveTurn(ctx, call.RoleUser, userText)

	reply, err := r.bridge.responder.Complete(ctx, sess.History())
	if err != nil {
		log.Printf("[%s] response generation failed: %v", sid, err)
		r.bridge.metrics.ProviderErrors.WithLabelValues("brain", "complete").Inc()
		r.speakFallback(ctx)
		return
	}

	reply = strings.TrimSpace(brain.StripMarkdown(reply))
	if reply == "" {
		reply = brain.EmptyResponseFallback
	}

	sess.MarkResponseReady()
	sess.AddAssistantMessage(reply)
	r.saveTurn(ctx, call.RoleAssistant, reply)

	r.speak(ctx, reply)
}

// speak streams synthesized audio to the caller, re-checking the session
// state at every chunk boundary so a barge-in stops playback within one
// chunk.
func (r *Runner) speak(ctx context.Context, text string) {
	sess := r.sess
	sid := sess.CallSID

	sess.TransitionTo(call.StateSpeaking)
	r.bridge.filler.AgentStartedSpeaking(sid)

	st, err := r.engine.Synthesize(ctx, text)
	if err != nil {
		log.Printf("[%s] synthesis failed: %v", sid, err)
		r.bridge.metrics.ProviderErrors.WithLabelValues("speak", "synthesize").Inc()
		r.speakFallback(ctx)
		return
	}

	r.streamMu.Lock()
	r.activeStream = st
	r.streamMu.Unlock()

	first := true
	for chunk := range st.Chunks() {
		if sess.State() != call.StateSpeaking {
			st.Cancel()
			break
		}
		if err := r.leg.SendMedia(chunk); err != nil {
			log.Printf("[%s] playback send failed: %v", sid, err)
			st.Cancel()
			break
		}
		if first {
			first = false
			sess.MarkFirstAudio()
			r.observeTurnLatency()
		}
	}

	r.streamMu.Lock()
	if r.activeStream == st {
		r.activeStream = nil
	}
	r.streamMu.Unlock()

	if sess.State() == call.StateSpeaking {
		sess.TransitionTo(call.StateListening)
	}
	sess.ResetMetrics()
}

// speakFallback plays the cached apology clip. Best effort: if even the
// cache is unavailable the call just returns to listening.
func (r *Runner) speakFallback(ctx context.Context) {
	sess := r.sess
	sid := sess.CallSID

	defer func() {
		if sess.State() != call.StateListening && sess.State() != call.StateIdle {
			sess.TransitionTo(call.StateListening)
		}
		sess.ResetMetrics()
	}()

	if r.bridge.fallback == nil {
		return
	}
	chunks, err := r.bridge.fallback.Chunks(ctx)
	if err != nil {
		log.Printf("[%s] fallback audio unavailable: %v", sid, err)
		return
	}

	sess.TransitionTo(call.StateSpeaking)
	r.bridge.filler.AgentStartedSpeaking(sid)
	for _, chunk := range chunks {
		if sess.State() != call.StateSpeaking {
			return
		}
		if err := r.leg.SendMedia(chunk); err != nil {
			log.Printf("[%s] fallback send failed: %v", sid, err)
			return
		}
	}
}

func (r *Runner) observeTurnLatency() {
	m := r.sess.Metrics()
	if m.EndOfTurnAt.IsZero() || m.FirstAudioAt.IsZero() {
		return
	}
	total := m.FirstAudioAt.Sub(m.EndOfTurnAt)
	r.bridge.metrics.ObserveFirstAudioLatency(total)
	if !m.ResponseAt.IsZero() {
		r.bridge.metrics.Stages.Observe(observability.StageEOTToResponse,
			float64(m.ResponseAt.Sub(m.EndOfTurnAt).Milliseconds()))
		r.bridge.metrics.Stages.Observe(observability.StageResponseToAudio,
			float64(m.FirstAudioAt.Sub(m.ResponseAt).Milliseconds()))
	}
}

// saveTurn persists one conversation turn. Storage failures never affect
// the live call.
func (r *Runner) saveTurn(ctx context.Context, role, content string) {
	if r.bridge.transcripts == nil {
		return
	}
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancelSave()
	rec := transcript.Record{
		ID:        uuid.NewString(),
		CallSID:   r.sess.CallSID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.bridge.transcripts.SaveTurn(saveCtx, rec); err != nil {
		log.Printf("[%s] transcript save failed: %v", r.sess.CallSID, err)
	}
}
