package upstream

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// MessageKind distinguishes frames on the upstream duplex channel.
type MessageKind int

const (
	// KindAudio is a binary frame of raw synthesized audio.
	KindAudio MessageKind = iota
	// KindTurn is a recognizer turn event.
	KindTurn
	// KindAgent is a voice-agent control event.
	KindAgent
)

// Message is one frame received from the upstream channel.
type Message struct {
	Kind  MessageKind
	Audio []byte
	Turn  TurnEvent
	Agent AgentEvent
}

// Config carries the fixed connection parameters for the upstream channel.
type Config struct {
	URL        string
	APIKey     string
	SampleRate int
	Encoding   string
	Channels   int
	Model      string

	// EndpointingMS tunes the provider's own utterance-end detection.
	EndpointingMS int

	// Agent selects the voice-agent protocol for text frames. The two
	// protocols share message type names ("Error"), so frames are parsed
	// by connection mode rather than by trial.
	Agent bool
}

// Client is the websocket connection to the speech/agent provider for one
// call. Binary frames carry audio; text frames carry JSON events.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	closeOnce sync.Once
	messages  chan Message
	done      chan struct{}
}

func NewClient(cfg Config) *Client {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &Client{
		cfg:      cfg,
		messages: make(chan Message, 256),
		done:     make(chan struct{}),
	}
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	q.Set("encoding", c.cfg.Encoding)
	q.Set("channels", strconv.Itoa(c.cfg.Channels))
	if strings.TrimSpace(c.cfg.Model) != "" {
		q.Set("model", c.cfg.Model)
	}
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	if c.cfg.EndpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(c.cfg.EndpointingMS))
		q.Set("utterance_end_ms", strconv.Itoa(c.cfg.EndpointingMS))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial establishes the websocket connection and starts the read loop. The
// read loop terminates (and closes Messages) on the first read error.
func (c *Client) Dial(ctx context.Context) error {
	addr, err := c.buildURL()
	if err != nil {
		return err
	}

	headers := http.Header{}
	if c.cfg.APIKey != "" {
		headers.Set("Authorization", "Token "+c.cfg.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, headers)
	if err != nil {
		return fmt.Errorf("dial upstream websocket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Connected reports whether the channel is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Messages returns the inbound frame channel. Closed when the connection
// drops or Close is called.
func (c *Client) Messages() <-chan Message { return c.messages }

// SendAudio forwards one chunk of caller audio as a binary frame.
func (c *Client) SendAudio(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return fmt.Errorf("upstream not connected")
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// SendJSON writes one JSON control message (agent settings, keepalive).
func (c *Client) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return fmt.Errorf("upstream not connected")
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	// The read loop is the only sender, so it owns closing the channel.
	defer close(c.messages)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.deliver(Message{Kind: KindAudio, Audio: data})
		case websocket.TextMessage:
			if msg, ok := classifyText(c.cfg.Agent, data); ok {
				c.deliver(msg)
			}
		}
	}
}

// classifyText parses one JSON text frame according to the connection mode.
func classifyText(agent bool, data []byte) (Message, bool) {
	if agent {
		ev, ok, err := ParseAgentEvent(data)
		if err != nil {
			// Malformed messages are dropped, never fatal.
			log.Printf("upstream: dropping malformed message: %v", err)
			return Message{}, false
		}
		if !ok {
			return Message{}, false
		}
		return Message{Kind: KindAgent, Agent: ev}, true
	}

	turn, ok, err := ParseTurnEvent(data)
	if err != nil {
		log.Printf("upstream: dropping malformed message: %v", err)
		return Message{}, false
	}
	if !ok {
		return Message{}, false
	}
	return Message{Kind: KindTurn, Turn: turn}, true
}

func (c *Client) deliver(msg Message) {
	select {
	case c.messages <- msg:
	case <-c.done:
	}
}

// Close shuts the connection; the read loop then drains out and closes the
// message channel. Idempotent.
func (c *Client) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			retErr = conn.Close()
		}
		close(c.done)
	})
	return retErr
}
