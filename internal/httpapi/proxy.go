package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/switchboard/internal/brain"
)

// completionProxy forwards OpenAI-style chat completion requests to the
// response gateway. The voice agent's think stage points here, which lets
// the bridge dedupe retried requests and scrub markdown from replies before
// they reach synthesis.
type completionProxy struct {
	baseURL string
	token   string
	client  *http.Client
}

func newCompletionProxy(baseURL, token string, timeout time.Duration) *completionProxy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &completionProxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatCompletionRequest struct {
	Model    string            `json:"model"`
	Messages []json.RawMessage `json:"messages"`
	Stream   bool              `json:"stream"`
}

type chatDelta struct {
	Content string `json:"content"`
}

type chatChoice struct {
	Delta   *chatDelta      `json:"delta,omitempty"`
	Message *chatDelta      `json:"message,omitempty"`
	Index   int             `json:"index"`
	Finish  json.RawMessage `json:"finish_reason,omitempty"`
}

type chatCompletionChunk struct {
	ID      string       `json:"id,omitempty"`
	Object  string       `json:"object,omitempty"`
	Model   string       `json:"model,omitempty"`
	Choices []chatChoice `json:"choices"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body.Close()
	if err != nil {
		respondError(w, http.StatusBadRequest, "read_failed", err.Error())
		return
	}

	var req chatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// Agent reconnects replay the identical request within a short window;
	// answering them from the LLM again would double-bill and double-speak.
	if s.dedup != nil && s.dedup.IsDuplicate(dedupeKey(req)) {
		s.metrics.DedupHits.Inc()
		log.Printf("duplicate completion request masked")
		if req.Stream {
			writeEmptySSE(w)
		} else {
			respondJSON(w, http.StatusOK, chatCompletionChunk{
				Object:  "chat.completion",
				Choices: []chatChoice{{Message: &chatDelta{Content: ""}}},
			})
		}
		return
	}

	if req.Stream {
		s.proxy.stream(w, body)
		return
	}
	s.proxy.forward(w, body)
}

// dedupeKey hashes only the conversation content so retries with a fresh
// request ID still collapse.
func dedupeKey(req chatCompletionRequest) []byte {
	var b bytes.Buffer
	for _, m := range req.Messages {
		b.Write(m)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func (p *completionProxy) newRequest(body []byte) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	return req, nil
}

// forward proxies a non-streaming completion, stripping markdown from the
// reply content.
func (p *completionProxy) forward(w http.ResponseWriter, body []byte) {
	req, err := p.newRequest(body)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "proxy_failed", err.Error())
		return
	}
	res, err := p.client.Do(req)
	if err != nil {
		respondError(w, http.StatusBadGateway, "gateway_unreachable", err.Error())
		return
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		respondError(w, http.StatusBadGateway, "gateway_read_failed", err.Error())
		return
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.StatusCode)
		w.Write(raw)
		return
	}

	var chunk chatCompletionChunk
	if err := json.Unmarshal(raw, &chunk); err == nil {
		for i := range chunk.Choices {
			if chunk.Choices[i].Message != nil {
				chunk.Choices[i].Message.Content = brain.StripMarkdown(chunk.Choices[i].Message.Content)
			}
		}
		respondJSON(w, http.StatusOK, chunk)
		return
	}
	// Unrecognized shape passes through untouched.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// stream proxies an SSE completion, scrubbing markdown from each delta as
// it passes.
func (p *completionProxy) stream(w http.ResponseWriter, body []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}

	req, err := p.newRequest(body)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "proxy_failed", err.Error())
		return
	}
	res, err := p.client.Do(req)
	if err != nil {
		respondError(w, http.StatusBadGateway, "gateway_unreachable", err.Error())
		return
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.StatusCode)
		w.Write(raw)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			fmt.Fprintln(w, line)
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			fmt.Fprintln(w, line)
			continue
		}
		for i := range chunk.Choices {
			if chunk.Choices[i].Delta != nil {
				chunk.Choices[i].Delta.Content = brain.StripMarkdown(chunk.Choices[i].Delta.Content)
			}
		}
		out, err := json.Marshal(chunk)
		if err != nil {
			fmt.Fprintln(w, line)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", out)
		flusher.Flush()
	}
	if err := scanner.Err(); err != nil {
		log.Printf("completion stream aborted: %v", err)
	}
}

func writeEmptySSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	empty := chatCompletionChunk{
		Object:  "chat.completion.chunk",
		Choices: []chatChoice{{Delta: &chatDelta{Content: ""}}},
	}
	out, _ := json.Marshal(empty)
	fmt.Fprintf(w, "data: %s\n\n", out)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
