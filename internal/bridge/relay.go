package bridge

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/switchboard/internal/protocol"
)

// DefaultInboundChunkBytes is 0.4 s of 8 kHz mu-law. Batching at this size
// keeps upstream send rate low without adding perceptible latency.
const DefaultInboundChunkBytes = 3200

// inboundBuffer batches caller audio until a full upstream chunk is ready.
type inboundBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newInboundBuffer(limit int) *inboundBuffer {
	return &inboundBuffer{limit: limit}
}

// push appends audio and returns a full batch when one is ready, nil
// otherwise. The returned slice is owned by the caller.
func (b *inboundBuffer) push(audio []byte) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, audio...)
	if len(b.buf) < b.limit {
		return nil
	}
	batch := b.buf
	b.buf = nil
	return batch
}

// flush returns whatever is buffered, or nil.
func (b *inboundBuffer) flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.buf
	b.buf = nil
	return batch
}

// wsLeg wraps the telephony websocket for concurrent writers. The media
// pump, the filler scheduler and the barge-in hook all write to it.
type wsLeg struct {
	conn      *websocket.Conn
	streamSID string
	writeMu   sync.Mutex
}

func newWSLeg(conn *websocket.Conn, streamSID string) *wsLeg {
	return &wsLeg{conn: conn, streamSID: streamSID}
}

func (l *wsLeg) SendMedia(audio []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(protocol.NewMediaFrame(l.streamSID, audio))
}

func (l *wsLeg) SendClear() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(protocol.NewClearFrame(l.streamSID))
}
