package bridge

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/antoniostano/switchboard/internal/call"
	"github.com/antoniostano/switchboard/internal/reliability"
	"github.com/antoniostano/switchboard/internal/upstream"
)

// Runner is the goroutine group for one active call: the inbound relay fed
// by the telephony read loop, and the upstream consumer it spawns.
type Runner struct {
	bridge *Bridge
	sess   *call.Session
	leg    Telephony
	sup    *upstream.Supervisor
	engine SpeechEngine

	upMu sync.Mutex
	up   UpstreamConn

	inbound *inboundBuffer

	streamMu     sync.Mutex
	activeStream SpeechStream

	stopOnce sync.Once
	stopped  chan struct{}
	cancel   context.CancelFunc

	consumerWG sync.WaitGroup
	respondWG  sync.WaitGroup
}

// connect dials the provider through the backoff supervisor and, in agent
// mode, pushes the settings message before any audio.
func (r *Runner) connect(ctx context.Context) error {
	var conn UpstreamConn
	err := r.sup.Connect(ctx, func(ctx context.Context) error {
		c, err := r.bridge.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return err
	}

	if settings := r.bridge.cfg.AgentSettings; settings != nil {
		if err := conn.SendJSON(settings); err != nil {
			conn.Close()
			return err
		}
	}

	r.upMu.Lock()
	r.up = conn
	r.upMu.Unlock()
	return nil
}

func (r *Runner) upstream() UpstreamConn {
	r.upMu.Lock()
	defer r.upMu.Unlock()
	return r.up
}

// HandleMedia accumulates one caller audio chunk and forwards a batch
// upstream once enough is buffered. A send failure drops the batch; the
// consumer's reconnect path restores the channel.
func (r *Runner) HandleMedia(audio []byte) {
	batch := r.inbound.push(audio)
	if batch == nil {
		return
	}
	if err := r.upstream().SendAudio(batch); err != nil {
		log.Printf("[%s] upstream audio send failed: %v", r.sess.CallSID, err)
	}
	r.bridge.metrics.WSMessages.WithLabelValues("inbound", "media_batch").Inc()
}

// consume drains upstream messages. When the channel closes mid-call it
// redials with backoff and keeps going; it returns only on teardown or when
// reconnection is abandoned.
func (r *Runner) consume(ctx context.Context) {
	defer r.consumerWG.Done()

	for {
		conn := r.upstream()
		if conn == nil {
			return
		}

	drain:
		for {
			select {
			case <-r.stopped:
				return
			case msg, ok := <-conn.Messages():
				if !ok {
					break drain
				}
				r.dispatch(ctx, msg)
			}
		}

		select {
		case <-r.stopped:
			return
		default:
		}

		log.Printf("[%s] upstream connection lost, reconnecting", r.sess.CallSID)
		r.bridge.metrics.Reconnects.Inc()
		if err := r.connect(ctx); err != nil {
			log.Printf("[%s] upstream reconnect abandoned: %v", r.sess.CallSID, err)
			return
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, msg upstream.Message) {
	switch msg.Kind {
	case upstream.KindAudio:
		// Agent-mode synthesized audio goes straight back to the caller.
		if err := r.leg.SendMedia(msg.Audio); err != nil {
			log.Printf("[%s] outbound media send failed: %v", r.sess.CallSID, err)
		}
	case upstream.KindTurn:
		r.handleTurn(ctx, msg.Turn)
	case upstream.KindAgent:
		r.handleAgent(ctx, msg.Agent)
	}
}

func (r *Runner) handleTurn(ctx context.Context, ev upstream.TurnEvent) {
	sid := r.sess.CallSID
	r.bridge.metrics.TurnEvents.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case upstream.TurnStartOfTurn:
		r.bridge.filler.UserStartedSpeaking(sid)
		r.sess.HandleStartOfTurn()

	case upstream.TurnTranscript:
		r.sess.SetPartialTranscript(ev.Transcript)

	case upstream.TurnEndOfTurn:
		transcript := strings.TrimSpace(ev.Transcript)
		if transcript == "" {
			// UtteranceEnd carries no text; use the last partial.
			transcript = strings.TrimSpace(r.sess.Transcript())
		}
		if transcript == "" {
			return
		}
		if r.sess.State() == call.StateThinking || r.sess.State() == call.StateSpeaking {
			// A response for this turn is already in flight.
			return
		}
		r.sess.HandleEndOfTurn(transcript)
		r.bridge.filler.UserStoppedSpeaking(sid)
		r.respondWG.Add(1)
		go func() {
			defer r.respondWG.Done()
			r.respond(ctx, transcript)
		}()

	case upstream.TurnError:
		log.Printf("[%s] upstream error: %s (code=%s)", sid, ev.Err, ev.ErrCode)
		r.bridge.metrics.ProviderErrors.WithLabelValues("listen", "stream").Inc()
		if reliability.IsRetryableUpstreamCode(ev.ErrCode) {
			// Force a redial; the consumer's reconnect path picks it up when
			// the read loop unwinds.
			if conn := r.upstream(); conn != nil {
				conn.Close()
			}
		}
	}
}

// handleAgent maps voice-agent control events onto the same session state
// machine the self-driven path uses.
func (r *Runner) handleAgent(ctx context.Context, ev upstream.AgentEvent) {
	sid := r.sess.CallSID

	switch ev.Type {
	case upstream.AgentWelcome, upstream.AgentSettingsApplied:
		log.Printf("[%s] agent %s", sid, ev.Type)

	case upstream.AgentUserStartedSpeaking:
		r.bridge.filler.UserStartedSpeaking(sid)
		r.sess.HandleStartOfTurn()

	case upstream.AgentStartedSpeaking:
		r.bridge.filler.AgentStartedSpeaking(sid)
		r.sess.TransitionTo(call.StateSpeaking)

	case upstream.AgentAudioDone:
		if r.sess.State() == call.StateSpeaking {
			r.sess.TransitionTo(call.StateListening)
		}

	case upstream.AgentConversationText:
		r.recordAgentText(ctx, ev)

	case upstream.AgentError:
		log.Printf("[%s] agent error: %s", sid, ev.Detail)
		r.bridge.metrics.ProviderErrors.WithLabelValues("agent", "converse").Inc()
	}
}

func (r *Runner) recordAgentText(ctx context.Context, ev upstream.AgentEvent) {
	switch ev.Role {
	case call.RoleUser:
		r.sess.AddUserMessage(ev.Content)
	case call.RoleAssistant:
		r.sess.AddAssistantMessage(ev.Content)
	default:
		return
	}
	r.saveTurn(ctx, ev.Role, ev.Content)
}

// Teardown stops the call: cancel every task, await termination, release
// the registry and filler entries, and close the upstream socket last.
// Idempotent.
func (r *Runner) Teardown() {
	r.stopOnce.Do(func() {
		sid := r.sess.CallSID
		close(r.stopped)
		r.cancel()

		r.bridge.filler.Stop(sid)

		r.streamMu.Lock()
		if r.activeStream != nil {
			r.activeStream.Cancel()
			r.activeStream = nil
		}
		r.streamMu.Unlock()

		r.respondWG.Wait()
		r.consumerWG.Wait()

		r.bridge.registry.Remove(sid)
		r.bridge.metrics.ActiveCalls.Dec()
		r.bridge.metrics.CallEvents.WithLabelValues("stop").Inc()

		if conn := r.upstream(); conn != nil {
			conn.Close()
		}
		log.Printf("[%s] call ended", sid)
	})
}
