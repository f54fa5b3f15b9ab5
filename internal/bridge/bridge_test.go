package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/switchboard/internal/call"
	"github.com/antoniostano/switchboard/internal/filler"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/transcript"
	"github.com/antoniostano/switchboard/internal/upstream"
)

type fakeLeg struct {
	mu      sync.Mutex
	media   [][]byte
	clears  int
	onMedia func(total int)
}

func (l *fakeLeg) SendMedia(audio []byte) error {
	l.mu.Lock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	l.media = append(l.media, cp)
	total := len(l.media)
	cb := l.onMedia
	l.mu.Unlock()
	if cb != nil {
		cb(total)
	}
	return nil
}

func (l *fakeLeg) SendClear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clears++
	return nil
}

func (l *fakeLeg) mediaCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.media)
}

func (l *fakeLeg) clearCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clears
}

type fakeUpstream struct {
	mu        sync.Mutex
	sent      [][]byte
	json      []any
	msgs      chan upstream.Message
	closeOnce sync.Once
	onClose   func()
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{msgs: make(chan upstream.Message, 64)}
}

func (u *fakeUpstream) SendAudio(data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	u.sent = append(u.sent, cp)
	return nil
}

func (u *fakeUpstream) SendJSON(v any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.json = append(u.json, v)
	return nil
}

func (u *fakeUpstream) Messages() <-chan upstream.Message { return u.msgs }

func (u *fakeUpstream) Close() error {
	u.closeOnce.Do(func() {
		if u.onClose != nil {
			u.onClose()
		}
		close(u.msgs)
	})
	return nil
}

func (u *fakeUpstream) sentCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sent)
}

type fakeStream struct {
	cancelled  sync.Mutex
	isCanceled bool
	chunks     chan []byte
}

func newFakeStream(chunks ...[]byte) *fakeStream {
	st := &fakeStream{chunks: make(chan []byte, len(chunks))}
	for _, c := range chunks {
		st.chunks <- c
	}
	close(st.chunks)
	return st
}

func (st *fakeStream) Chunks() <-chan []byte { return st.chunks }

func (st *fakeStream) Cancel() {
	st.cancelled.Lock()
	st.isCanceled = true
	st.cancelled.Unlock()
}

func (st *fakeStream) Cancelled() bool {
	st.cancelled.Lock()
	defer st.cancelled.Unlock()
	return st.isCanceled
}

type fakeEngine struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
}

func (e *fakeEngine) Synthesize(_ context.Context, _ string) (SpeechStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if len(e.streams) == 0 {
		return newFakeStream(), nil
	}
	st := e.streams[0]
	e.streams = e.streams[1:]
	return st, nil
}

type fakeResponder struct {
	reply string
	err   error
}

func (r *fakeResponder) Complete(_ context.Context, _ []call.Message) (string, error) {
	return r.reply, r.err
}

type fakeFallback struct {
	chunks [][]byte
}

func (f *fakeFallback) Chunks(_ context.Context) ([][]byte, error) {
	return f.chunks, nil
}

type fixture struct {
	bridge     *Bridge
	leg        *fakeLeg
	up         *fakeUpstream
	engine     *fakeEngine
	responder  *fakeResponder
	store      *transcript.InMemoryStore
	registry   *call.Registry
	dialCount  int
	dialMu     sync.Mutex
	nextUp     *fakeUpstream
	makeEngine func() SpeechEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		leg:       &fakeLeg{},
		up:        newFakeUpstream(),
		engine:    &fakeEngine{},
		responder: &fakeResponder{reply: "It is sunny in Rome today."},
		store:     transcript.NewInMemoryStore(),
		registry:  call.NewRegistry(),
	}
	f.makeEngine = func() SpeechEngine { return f.engine }
	dial := func(_ context.Context) (UpstreamConn, error) {
		f.dialMu.Lock()
		defer f.dialMu.Unlock()
		f.dialCount++
		if f.nextUp != nil {
			up := f.nextUp
			f.nextUp = nil
			return up, nil
		}
		return f.up, nil
	}
	f.bridge = New(
		Config{InboundChunkBytes: 8, BackoffBase: time.Millisecond, BackoffCap: 4 * time.Millisecond},
		dial,
		f.registry,
		filler.NewScheduler(nil, time.Hour),
		f.responder,
		func() SpeechEngine { return f.makeEngine() },
		&fakeFallback{chunks: [][]byte{{0xFF, 0xFF}}},
		f.store,
		observability.NewTestMetrics(),
	)
	return f
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestFullTurnDeliversResponseAudio(t *testing.T) {
	f := newFixture(t)
	f.engine.streams = []*fakeStream{newFakeStream([]byte("aa"), []byte("bb"), []byte("cc"))}

	r, err := f.bridge.StartCall(context.Background(), "CA100", f.leg)
	if err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	defer r.Teardown()

	f.up.msgs <- upstream.Message{Kind: upstream.KindTurn, Turn: upstream.TurnEvent{Type: upstream.TurnStartOfTurn}}
	f.up.msgs <- upstream.Message{Kind: upstream.KindTurn, Turn: upstream.TurnEvent{
		Type: upstream.TurnTranscript, Transcript: "what's the weather"}}
	f.up.msgs <- upstream.Message{Kind: upstream.KindTurn, Turn: upstream.TurnEvent{
		Type: upstream.TurnEndOfTurn, Transcript: "what's the weather today"}}

	waitFor(t, func() bool { return f.leg.mediaCount() == 3 }, "response audio")
	waitFor(t, func() bool { return r.sess.State() == call.StateListening }, "return to listening")

	history := r.sess.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != call.RoleUser || history[0].Content != "what's the weather today" {
		t.Fatalf("user turn = %+v", history[0])
	}
	if history[1].Role != call.RoleAssistant || history[1].Content != "It is sunny in Rome today." {
		t.Fatalf("assistant turn = %+v", history[1])
	}

	recs, err := f.store.RecentTurns(context.Background(), "CA100", 10)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("stored turns = %d, want 2", len(recs))
	}
}

func TestBargeInStopsPlaybackWithinOneChunk(t *testing.T) {
	f := newFixture(t)
	st := newFakeStream([]byte("c1"), []byte("c2"), []byte("c3"), []byte("c4"), []byte("c5"))
	f.engine.streams = []*fakeStream{st}

	r, err := f.bridge.StartCall(context.Background(), "CA200", f.leg)
	if err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	defer r.Teardown()

	// Interrupt right after the second chunk lands, from the playback
	// goroutine itself so the cut point is deterministic.
	f.leg.mu.Lock()
	f.leg.onMedia = func(total int) {
		if total == 2 {
			r.sess.HandleStartOfTurn()
		}
	}
	f.leg.mu.Unlock()

	f.up.msgs <- upstream.Message{Kind: upstream.KindTurn, Turn: upstream.TurnEvent{
		Type: upstream.TurnEndOfTurn, Transcript: "tell me a story"}}

	waitFor(t, func() bool { return st.Cancelled() }, "stream cancellation")
	waitFor(t, func() bool { return r.sess.State() == call.StateListening }, "listening after barge-in")

	if got := f.leg.mediaCount(); got != 2 {
		t.Fatalf("media chunks after barge-in = %d, want 2", got)
	}
	if got := f.leg.clearCount(); got != 1 {
		t.Fatalf("clear frames = %d, want 1", got)
	}
}

func TestInboundAudioBatchesBeforeUpstreamSend(t *testing.T) {
	f := newFixture(t)

	r, err := f.bridge.StartCall(context.Background(), "CA300", f.leg)
	if err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	defer r.Teardown()

	r.HandleMedia([]byte{1, 2, 3})
	r.HandleMedia([]byte{4, 5, 6})
	if got := f.up.sentCount(); got != 0 {
		t.Fatalf("upstream sends before batch full = %d, want 0", got)
	}

	r.HandleMedia([]byte{7, 8, 9})
	waitFor(t, func() bool { return f.up.sentCount() == 1 }, "batched upstream send")

	f.up.mu.Lock()
	batch := f.up.sent[0]
	f.up.mu.Unlock()
	if len(batch) != 9 {
		t.Fatalf("batch size = %d, want 9", len(batch))
	}
}

func TestUpstreamDropTriggersReconnect(t *testing.T) {
	f := newFixture(t)

	r, err := f.bridge.StartCall(context.Background(), "CA400", f.leg)
	if err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	defer r.Teardown()

	second := newFakeUpstream()
	f.dialMu.Lock()
	f.nextUp = second
	f.dialMu.Unlock()

	f.up.Close()

	waitFor(t, func() bool {
		f.dialMu.Lock()
		defer f.dialMu.Unlock()
		return f.dialCount == 2
	}, "redial after upstream drop")

	// Audio flows over the replacement connection.
	waitFor(t, func() bool { return r.upstream() == UpstreamConn(second) }, "swap to new connection")
	r.HandleMedia([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	waitFor(t, func() bool { return second.sentCount() == 1 }, "send on new connection")
}

func TestBrainFailureSpeaksFallback(t *testing.T) {
	f := newFixture(t)
	f.responder.err = errors.New("gateway unavailable")

	r, err := f.bridge.StartCall(context.Background(), "CA500", f.leg)
	if err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	defer r.Teardown()

	f.up.msgs <- upstream.Message{Kind: upstream.KindTurn, Turn: upstream.TurnEvent{
		Type: upstream.TurnEndOfTurn, Transcript: "hello"}}

	waitFor(t, func() bool { return f.leg.mediaCount() == 1 }, "fallback audio")
	waitFor(t, func() bool { return r.sess.State() == call.StateListening }, "listening after fallback")
}

func TestEmptyEndOfTurnFallsBackToLastPartial(t *testing.T) {
	f := newFixture(t)
	f.engine.streams = []*fakeStream{newFakeStream([]byte("aa"))}

	r, err := f.bridge.StartCall(context.Background(), "CA600", f.leg)
	if err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	defer r.Teardown()

	f.up.msgs <- upstream.Message{Kind: upstream.KindTurn, Turn: upstream.TurnEvent{
		Type: upstream.TurnTranscript, Transcript: "set a timer"}}
	f.up.msgs <- upstream.Message{Kind: upstream.KindTurn, Turn: upstream.TurnEvent{Type: upstream.TurnEndOfTurn}}

	waitFor(t, func() bool { return len(r.sess.History()) == 2 }, "turn handled from partial")
	if got := r.sess.History()[0].Content; got != "set a timer" {
		t.Fatalf("user turn = %q, want last partial", got)
	}
}

func TestAgentModeRelaysAudioAndSettings(t *testing.T) {
	f := newFixture(t)
	settings := upstream.NewAgentSettings(upstream.AgentSettingsConfig{Greeting: "Hello!"})
	f.bridge.cfg.AgentSettings = &settings

	r, err := f.bridge.StartCall(context.Background(), "CA700", f.leg)
	if err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	defer r.Teardown()

	f.up.mu.Lock()
	sentSettings := len(f.up.json)
	f.up.mu.Unlock()
	if sentSettings != 1 {
		t.Fatalf("settings messages sent = %d, want 1", sentSettings)
	}

	f.up.msgs <- upstream.Message{Kind: upstream.KindAudio, Audio: []byte("agent-audio")}
	waitFor(t, func() bool { return f.leg.mediaCount() == 1 }, "agent audio relayed")

	f.up.msgs <- upstream.Message{Kind: upstream.KindAgent, Agent: upstream.AgentEvent{
		Type: upstream.AgentConversationText, Role: call.RoleAssistant, Content: "Hello!"}}
	waitFor(t, func() bool { return len(r.sess.History()) == 1 }, "agent text recorded")
}

func TestTeardownIsIdempotentAndRemovesCall(t *testing.T) {
	f := newFixture(t)

	// The socket closes last: by the time it does, the registry entry is
	// already released.
	removedBeforeClose := make(chan bool, 1)
	f.up.onClose = func() {
		_, err := f.registry.Get("CA800")
		removedBeforeClose <- errors.Is(err, call.ErrNotFound)
	}

	r, err := f.bridge.StartCall(context.Background(), "CA800", f.leg)
	if err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	if f.registry.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", f.registry.ActiveCount())
	}

	r.Teardown()
	r.Teardown()

	if f.registry.ActiveCount() != 0 {
		t.Fatalf("ActiveCount after teardown = %d, want 0", f.registry.ActiveCount())
	}
	if _, err := f.registry.Get("CA800"); err == nil {
		t.Fatal("session still registered after teardown")
	}

	select {
	case ok := <-removedBeforeClose:
		if !ok {
			t.Fatal("upstream socket closed before registry release")
		}
	default:
		t.Fatal("upstream socket never closed")
	}
}

func TestCallListensFromStreamStart(t *testing.T) {
	f := newFixture(t)
	f.engine.streams = []*fakeStream{newFakeStream([]byte("aa"))}

	r, err := f.bridge.StartCall(context.Background(), "CA910", f.leg)
	if err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	defer r.Teardown()

	if got := r.sess.State(); got != call.StateListening {
		t.Fatalf("state after stream start = %q, want %q", got, call.StateListening)
	}

	// A speech-final result can be the very first upstream event, before
	// any SpeechStarted; it still gets answered.
	f.up.msgs <- upstream.Message{Kind: upstream.KindTurn, Turn: upstream.TurnEvent{
		Type: upstream.TurnEndOfTurn, Transcript: "hello there"}}

	waitFor(t, func() bool { return f.leg.mediaCount() == 1 }, "response audio")
	waitFor(t, func() bool { return r.sess.State() == call.StateListening }, "return to listening")
	if got := r.sess.History()[0].Content; got != "hello there" {
		t.Fatalf("user turn = %q, want %q", got, "hello there")
	}
}

func TestConcurrentCallsSynthesizeIndependently(t *testing.T) {
	f := newFixture(t)

	// The factory hands each call its own engine, so one call's in-flight
	// stream never rejects another call's synthesis.
	first := &fakeStream{chunks: make(chan []byte, 4)}
	first.chunks <- []byte("a1")
	engines := []*fakeEngine{
		{streams: []*fakeStream{first}},
		{streams: []*fakeStream{newFakeStream([]byte("b1"), []byte("b2"))}},
	}
	var engineMu sync.Mutex
	f.makeEngine = func() SpeechEngine {
		engineMu.Lock()
		defer engineMu.Unlock()
		e := engines[0]
		engines = engines[1:]
		return e
	}

	r1, err := f.bridge.StartCall(context.Background(), "CA1", f.leg)
	if err != nil {
		t.Fatalf("StartCall(CA1) error = %v", err)
	}
	defer r1.Teardown()
	closeFirst := sync.OnceFunc(func() { close(first.chunks) })
	defer closeFirst()

	leg2 := &fakeLeg{}
	up2 := newFakeUpstream()
	f.dialMu.Lock()
	f.nextUp = up2
	f.dialMu.Unlock()
	r2, err := f.bridge.StartCall(context.Background(), "CA2", leg2)
	if err != nil {
		t.Fatalf("StartCall(CA2) error = %v", err)
	}
	defer r2.Teardown()

	f.up.msgs <- upstream.Message{Kind: upstream.KindTurn, Turn: upstream.TurnEvent{
		Type: upstream.TurnEndOfTurn, Transcript: "first question"}}
	waitFor(t, func() bool { return f.leg.mediaCount() == 1 }, "first call mid-playback")

	// While the first call is still speaking, the second call completes a
	// full turn with its own reply audio, not the fallback clip.
	up2.msgs <- upstream.Message{Kind: upstream.KindTurn, Turn: upstream.TurnEvent{
		Type: upstream.TurnEndOfTurn, Transcript: "second question"}}
	waitFor(t, func() bool { return leg2.mediaCount() == 2 }, "second call reply audio")
	waitFor(t, func() bool { return r2.sess.State() == call.StateListening }, "second call back to listening")

	leg2.mu.Lock()
	got := string(leg2.media[0]) + string(leg2.media[1])
	leg2.mu.Unlock()
	if got != "b1b2" {
		t.Fatalf("second call audio = %q, want its own synthesized reply", got)
	}

	closeFirst()
	waitFor(t, func() bool { return r1.sess.State() == call.StateListening }, "first call back to listening")
}

func TestDuplicateCallRejected(t *testing.T) {
	f := newFixture(t)

	r, err := f.bridge.StartCall(context.Background(), "CA900", f.leg)
	if err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	defer r.Teardown()

	if _, err := f.bridge.StartCall(context.Background(), "CA900", f.leg); err == nil {
		t.Fatal("second StartCall with same SID succeeded, want error")
	}
}
