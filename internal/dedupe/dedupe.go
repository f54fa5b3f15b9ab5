package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultWindow masks the upstream agent's duplicate LLM request delivery.
// Empirically tuned; keep configurable, do not treat as a protocol constant.
const DefaultWindow = 800 * time.Millisecond

// Deduplicator rejects requests whose content hash was seen within the
// window. Entry lifetime is bounded by the window, not by any call.
type Deduplicator struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func New(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (d *Deduplicator) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// IsDuplicate reports whether body was already seen within the window, and
// records it otherwise. Expired entries are purged on every lookup.
func (d *Deduplicator) IsDuplicate(body []byte) bool {
	hash := ContentHash(body)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for h, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, h)
		}
	}

	if _, ok := d.seen[hash]; ok {
		return true
	}
	d.seen[hash] = now
	return false
}

// ContentHash computes the stable content hash used for deduplication.
func ContentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
