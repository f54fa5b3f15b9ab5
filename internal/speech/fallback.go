package speech

import (
	"context"
	"sync"
)

// FallbackText is spoken when response generation fails; the session must
// never be left stuck mid-turn.
const FallbackText = "Sorry, I couldn't process that. Please try again."

// Fallback caches the synthesized fallback utterance so repeated failures
// do not re-hit the synthesis provider.
type Fallback struct {
	synth *Synthesizer

	mu     sync.Mutex
	cached []byte
}

func NewFallback(synth *Synthesizer) *Fallback {
	return &Fallback{synth: synth}
}

// Chunks returns the fallback audio split into synthesis-sized chunks,
// synthesizing and caching it on first use. The lock is held across the
// synthesis so concurrent calls racing the cold cache wait for one fill
// instead of colliding on the synthesizer's active-stream gate.
func (f *Fallback) Chunks(ctx context.Context) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached == nil {
		st, err := f.synth.Synthesize(ctx, FallbackText)
		if err != nil {
			return nil, err
		}
		var buf []byte
		for chunk := range st.Chunks() {
			buf = append(buf, chunk...)
		}
		f.cached = buf
	}
	cached := f.cached

	size := f.synth.cfg.ChunkSize
	chunks := make([][]byte, 0, len(cached)/size+1)
	for off := 0; off < len(cached); off += size {
		end := off + size
		if end > len(cached) {
			end = len(cached)
		}
		chunks = append(chunks, cached[off:end])
	}
	return chunks, nil
}
