package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/switchboard/internal/call"
	"github.com/antoniostano/switchboard/internal/reliability"
)

const defaultTimeout = 30 * time.Second

// EmptyResponseFallback is spoken when the gateway returns no content.
const EmptyResponseFallback = "I didn't catch that. Could you say it again?"

// Responder produces an assistant response from ordered conversation
// history. Treated as an opaque, possibly slow, possibly failing remote.
type Responder interface {
	Complete(ctx context.Context, history []call.Message) (string, error)
}

// Client talks to an OpenAI-compatible chat/completions gateway.
type Client struct {
	gatewayURL string
	token      string
	model      string
	client     *http.Client
}

type Config struct {
	GatewayURL string
	Token      string
	Model      string
	Timeout    time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		token:      cfg.Token,
		model:      cfg.Model,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model    string         `json:"model,omitempty"`
	Messages []call.Message `json:"messages"`
	Stream   bool           `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the conversation and returns the assistant's reply text.
// A transient gateway failure gets exactly one retry; the caller's fallback
// handles everything beyond that.
func (c *Client) Complete(ctx context.Context, history []call.Message) (string, error) {
	payload, err := json.Marshal(chatRequest{Model: c.model, Messages: history})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	reply, retryable, err := c.complete(ctx, payload)
	if err != nil && retryable {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		reply, _, err = c.complete(ctx, payload)
	}
	return reply, err
}

func (c *Client) complete(ctx context.Context, payload []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("chat request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", reliability.IsRetryableHTTPStatus(res.StatusCode),
			fmt.Errorf("gateway status %d: %s", res.StatusCode, string(msg))
	}

	var parsed chatResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", false, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", false, nil
	}
	return parsed.Choices[0].Message.Content, false, nil
}
