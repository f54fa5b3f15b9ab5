// callprobe replays a recorded utterance against a running switchboard as a
// synthetic telephony caller and reports end-of-turn to first-audio latency.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/switchboard/internal/audio"
	"github.com/antoniostano/switchboard/internal/protocol"
)

type options struct {
	baseURL     string
	wavPath     string
	outPath     string
	callSID     string
	turns       int
	chunkMS     int
	turnTimeout time.Duration
	verbose     bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "switchboard base URL")
	flag.StringVar(&cfg.wavPath, "wav", "", "utterance WAV file (PCM16 mono 8kHz)")
	flag.StringVar(&cfg.outPath, "out", "", "optional path to save received audio as WAV")
	flag.StringVar(&cfg.callSID, "call-sid", fmt.Sprintf("CAPROBE%d", time.Now().Unix()), "synthetic call SID")
	flag.IntVar(&cfg.turns, "turns", 1, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 20, "media frame size in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for response audio per turn")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.wavPath == "" {
		return options{}, fmt.Errorf("wav is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 1000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,1000]")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	pcm, sampleRate, err := audio.ReadWAVPCM16LE(cfg.wavPath)
	if err != nil {
		return fmt.Errorf("read utterance wav: %w", err)
	}
	if sampleRate != 8000 {
		return fmt.Errorf("utterance sample rate %d, want 8000", sampleRate)
	}
	mulaw := audio.MulawEncodePCM16LE(pcm)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	wsURL, err := mediaStreamURL(cfg.baseURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open media stream: %w", err)
	}
	defer conn.Close()

	streamSID := "MZ" + cfg.callSID
	start := protocol.StartFrame{
		Event:     protocol.EventStart,
		StreamSID: streamSID,
		Start: protocol.StartInfo{
			CallSID:   cfg.callSID,
			StreamSID: streamSID,
			MediaFormat: protocol.MediaFormat{
				Encoding:   "audio/x-mulaw",
				SampleRate: 8000,
				Channels:   1,
			},
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("send start frame: %w", err)
	}

	rec := &recorder{firstAudio: make(chan time.Time, 1)}
	go rec.readLoop(conn)

	chunkBytes := 8000 * cfg.chunkMS / 1000
	for i := 0; i < cfg.turns; i++ {
		if cfg.verbose {
			fmt.Printf("callprobe: turn %d/%d sending %d bytes mu-law\n", i+1, cfg.turns, len(mulaw))
		}
		rec.resetTurn()

		for _, chunk := range chunkAudio(mulaw, chunkBytes) {
			if err := conn.WriteJSON(protocol.NewMediaFrame(streamSID, chunk)); err != nil {
				return fmt.Errorf("send media frame: %w", err)
			}
			time.Sleep(time.Duration(cfg.chunkMS) * time.Millisecond)
		}
		sentAt := time.Now()

		select {
		case at := <-rec.firstAudio:
			if cfg.verbose {
				fmt.Printf("callprobe: first audio after %dms\n", at.Sub(sentAt).Milliseconds())
			}
		case <-time.After(cfg.turnTimeout):
			return fmt.Errorf("turn %d: no response audio within %s", i+1, cfg.turnTimeout)
		}

		// Let the response play out before the next turn.
		rec.awaitQuiet(1500 * time.Millisecond)
	}

	stop := protocol.StopFrame{Event: protocol.EventStop, StreamSID: streamSID}
	_ = conn.WriteJSON(stop)

	if cfg.outPath != "" {
		received := rec.audio()
		if len(received) == 0 {
			return fmt.Errorf("no audio received, nothing to save")
		}
		decoded := audio.MulawDecodeToPCM16LE(received)
		if err := audio.WriteWAVPCM16LEFile(cfg.outPath, decoded, 8000); err != nil {
			return fmt.Errorf("save received audio: %w", err)
		}
		if cfg.verbose {
			fmt.Printf("callprobe: saved %d bytes PCM to %s\n", len(decoded), cfg.outPath)
		}
	}

	if cfg.verbose {
		fmt.Println("callprobe: replay completed")
	}
	return nil
}

func mediaStreamURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/twilio/media"
	return u.String(), nil
}

// chunkAudio splits buf into frames of at most chunkBytes.
func chunkAudio(buf []byte, chunkBytes int) [][]byte {
	if chunkBytes <= 0 || len(buf) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(buf)+chunkBytes-1)/chunkBytes)
	for off := 0; off < len(buf); off += chunkBytes {
		end := off + chunkBytes
		if end > len(buf) {
			end = len(buf)
		}
		out = append(out, buf[off:end])
	}
	return out
}

// recorder collects response audio frames from the media stream.
type recorder struct {
	mu         sync.Mutex
	received   []byte
	lastAt     time.Time
	turnOpen   bool
	firstAudio chan time.Time
}

func (r *recorder) resetTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnOpen = true
	for {
		select {
		case <-r.firstAudio:
		default:
			return
		}
	}
}

func (r *recorder) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			continue
		}
		media, ok := frame.(protocol.MediaFrame)
		if !ok {
			continue
		}
		payload, err := protocol.DecodeMediaPayload(media)
		if err != nil {
			continue
		}

		r.mu.Lock()
		r.received = append(r.received, payload...)
		r.lastAt = time.Now()
		if r.turnOpen {
			r.turnOpen = false
			select {
			case r.firstAudio <- time.Now():
			default:
			}
		}
		r.mu.Unlock()
	}
}

// awaitQuiet blocks until no audio has arrived for the given gap.
func (r *recorder) awaitQuiet(gap time.Duration) {
	for {
		r.mu.Lock()
		last := r.lastAt
		r.mu.Unlock()
		if !last.IsZero() && time.Since(last) >= gap {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (r *recorder) audio() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.received))
	copy(out, r.received)
	return out
}
