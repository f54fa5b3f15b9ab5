package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamActive rejects starting a second synthesis stream while one is
// open; each call owns at most one.
var ErrStreamActive = errors.New("speech stream already active")

const (
	// DefaultChunkSize is 80 ms of 8 kHz mu-law audio.
	DefaultChunkSize = 640
	defaultTimeout   = 30 * time.Second
)

// Config carries fixed synthesis parameters.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Encoding   string
	SampleRate int
	Container  string
	ChunkSize  int
	Timeout    time.Duration
}

// Synthesizer streams synthesized speech as fixed-size audio chunks with
// cooperative cancellation for barge-in.
type Synthesizer struct {
	cfg    Config
	client *http.Client
	active atomic.Bool
}

func NewSynthesizer(cfg Config) *Synthesizer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.deepgram.com/v1/speak"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Container == "" {
		cfg.Container = "none"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Synthesizer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// IsActive reports whether a stream is currently open and not cancelled.
func (s *Synthesizer) IsActive() bool {
	return s.active.Load()
}

func (s *Synthesizer) buildURL() (string, error) {
	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse synthesis url: %w", err)
	}
	q := u.Query()
	if s.cfg.Model != "" {
		q.Set("model", s.cfg.Model)
	}
	q.Set("encoding", s.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	q.Set("container", s.cfg.Container)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Synthesize starts streaming audio for text. The returned stream is finite
// and not restartable after cancellation.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (*Stream, error) {
	if !s.active.CompareAndSwap(false, true) {
		return nil, ErrStreamActive
	}

	addr, err := s.buildURL()
	if err != nil {
		s.active.Store(false)
		return nil, err
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		s.active.Store(false)
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr, bytes.NewReader(body))
	if err != nil {
		s.active.Store(false)
		return nil, fmt.Errorf("create synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Token "+s.cfg.APIKey)
	}

	res, err := s.client.Do(req)
	if err != nil {
		s.active.Store(false)
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		s.active.Store(false)
		return nil, fmt.Errorf("synthesis status %d: %s", res.StatusCode, string(msg))
	}

	st := &Stream{
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go s.pump(st, res.Body)
	return st, nil
}

// pump reads the response body in fixed-size chunks, re-checking the cancel
// flag at every chunk boundary.
func (s *Synthesizer) pump(st *Stream, body io.ReadCloser) {
	defer func() {
		body.Close()
		close(st.chunks)
		s.active.Store(false)
	}()

	buf := make([]byte, s.cfg.ChunkSize)
	for {
		if st.Cancelled() {
			return
		}
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case st.chunks <- chunk:
			case <-st.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Printf("speech: stream read error: %v", err)
			}
			return
		}
	}
}

// Stream is one in-flight synthesis playback.
type Stream struct {
	cancelled  atomic.Bool
	cancelOnce sync.Once
	chunks     chan []byte
	done       chan struct{}
}

// Chunks yields audio chunks until the stream ends or is cancelled. The
// channel is closed either way.
func (st *Stream) Chunks() <-chan []byte { return st.chunks }

// Cancel stops the stream at the next chunk boundary. Idempotent and safe
// to call concurrently with consumption; it never blocks.
func (st *Stream) Cancel() {
	st.cancelOnce.Do(func() {
		st.cancelled.Store(true)
		close(st.done)
	})
}

// Cancelled reports whether Cancel has been called.
func (st *Stream) Cancelled() bool {
	return st.cancelled.Load()
}
