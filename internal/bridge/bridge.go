// Package bridge relays audio between a telephony media stream and the
// cloud speech provider, and drives the per-call turn loop.
package bridge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/antoniostano/switchboard/internal/brain"
	"github.com/antoniostano/switchboard/internal/call"
	"github.com/antoniostano/switchboard/internal/filler"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/speech"
	"github.com/antoniostano/switchboard/internal/transcript"
	"github.com/antoniostano/switchboard/internal/upstream"
)

// Telephony is the outbound side of the phone leg.
type Telephony interface {
	SendMedia(audio []byte) error
	SendClear() error
}

// UpstreamConn is the duplex channel to the speech provider for one call.
// *upstream.Client satisfies it.
type UpstreamConn interface {
	SendAudio(data []byte) error
	SendJSON(v any) error
	Messages() <-chan upstream.Message
	Close() error
}

// UpstreamDialer opens a fresh provider connection. Called once at call
// start and again on every mid-call reconnect.
type UpstreamDialer func(ctx context.Context) (UpstreamConn, error)

// SpeechStream is one in-flight synthesis playback.
type SpeechStream interface {
	Chunks() <-chan []byte
	Cancel()
	Cancelled() bool
}

// SpeechEngine starts synthesis streams.
type SpeechEngine interface {
	Synthesize(ctx context.Context, text string) (SpeechStream, error)
}

// EngineFactory creates the synthesis engine for one call. Every call gets
// its own engine so one call's active stream never rejects another's.
type EngineFactory func() SpeechEngine

// FallbackAudio provides pre-synthesized apology audio for provider outages.
type FallbackAudio interface {
	Chunks(ctx context.Context) ([][]byte, error)
}

type synthEngine struct {
	synth *speech.Synthesizer
}

func (e synthEngine) Synthesize(ctx context.Context, text string) (SpeechStream, error) {
	return e.synth.Synthesize(ctx, text)
}

// NewSpeechEngine adapts a speech.Synthesizer to the engine interface.
func NewSpeechEngine(s *speech.Synthesizer) SpeechEngine {
	return synthEngine{synth: s}
}

// Config carries the per-deployment bridge settings.
type Config struct {
	// InboundChunkBytes batches caller audio before each upstream send.
	InboundChunkBytes int

	// AgentSettings, when set, switches the call to voice-agent mode: the
	// provider runs the full listen/think/speak loop and this bridge only
	// relays audio and control events.
	AgentSettings *upstream.AgentSettings

	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Bridge owns the shared per-process collaborators and runs one goroutine
// group per active call.
type Bridge struct {
	cfg         Config
	dial        UpstreamDialer
	registry    *call.Registry
	filler      *filler.Scheduler
	responder   brain.Responder
	newEngine   EngineFactory
	fallback    FallbackAudio
	transcripts transcript.Store
	metrics     *observability.Metrics
}

func New(
	cfg Config,
	dial UpstreamDialer,
	registry *call.Registry,
	fillerSched *filler.Scheduler,
	responder brain.Responder,
	newEngine EngineFactory,
	fallback FallbackAudio,
	transcripts transcript.Store,
	metrics *observability.Metrics,
) *Bridge {
	if cfg.InboundChunkBytes <= 0 {
		cfg.InboundChunkBytes = DefaultInboundChunkBytes
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = upstream.DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = upstream.DefaultBackoffCap
	}
	return &Bridge{
		cfg:         cfg,
		dial:        dial,
		registry:    registry,
		filler:      fillerSched,
		responder:   responder,
		newEngine:   newEngine,
		fallback:    fallback,
		transcripts: transcripts,
		metrics:     metrics,
	}
}

// StartCall registers the call, dials the provider and returns the runner
// that consumes both legs. The caller feeds telephony frames in via the
// runner and must call Teardown exactly once.
func (b *Bridge) StartCall(ctx context.Context, callSID string, leg Telephony) (*Runner, error) {
	sess, err := b.registry.Create(callSID)
	if err != nil {
		return nil, err
	}

	// The media stream is up, so the call listens from the first frame;
	// a speech-final result may arrive before any SpeechStarted.
	sess.TransitionTo(call.StateListening)

	sup := upstream.NewSupervisor(b.cfg.BackoffBase, b.cfg.BackoffCap)
	callCtx, cancel := context.WithCancel(ctx)
	r := &Runner{
		bridge:  b,
		sess:    sess,
		leg:     leg,
		sup:     sup,
		engine:  b.newEngine(),
		inbound: newInboundBuffer(b.cfg.InboundChunkBytes),
		stopped: make(chan struct{}),
		cancel:  cancel,
	}

	if err := r.connect(callCtx); err != nil {
		cancel()
		b.registry.Remove(callSID)
		return nil, fmt.Errorf("connect upstream for %s: %w", callSID, err)
	}

	sess.SetBargeInHook(func() {
		r.interruptPlayback()
	})

	b.filler.Track(callSID, leg.SendMedia)
	b.metrics.ActiveCalls.Inc()
	b.metrics.CallEvents.WithLabelValues("start").Inc()
	log.Printf("[%s] call started", callSID)

	r.consumerWG.Add(1)
	go r.consume(callCtx)
	return r, nil
}

// interruptPlayback runs inside the barge-in hook: cancel the active
// synthesis stream and flush the telephony playback queue.
func (r *Runner) interruptPlayback() {
	r.streamMu.Lock()
	st := r.activeStream
	r.streamMu.Unlock()
	if st != nil {
		st.Cancel()
	}
	if err := r.leg.SendClear(); err != nil {
		log.Printf("[%s] clear frame send failed: %v", r.sess.CallSID, err)
	}
	r.bridge.metrics.BargeIns.Inc()
}
