// Package httpapi exposes the telephony webhook, the media-stream
// websocket and the operational endpoints.
package httpapi

import (
	"encoding/json"
	"encoding/xml"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/switchboard/internal/bridge"
	"github.com/antoniostano/switchboard/internal/call"
	"github.com/antoniostano/switchboard/internal/config"
	"github.com/antoniostano/switchboard/internal/dedupe"
	"github.com/antoniostano/switchboard/internal/observability"
)

type Server struct {
	cfg      config.Config
	bridge   *bridge.Bridge
	registry *call.Registry
	dedup    *dedupe.Deduplicator
	proxy    *completionProxy
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, b *bridge.Bridge, registry *call.Registry, dedup *dedupe.Deduplicator, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		bridge:   b,
		registry: registry,
		dedup:    dedup,
		proxy:    newCompletionProxy(cfg.GatewayURL, cfg.GatewayToken, cfg.GatewayTimeout),
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Telephony providers connect server-to-server without an
			// Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/twilio/incoming", s.handleIncomingCall)
	r.Get("/twilio/media", s.handleMediaStream)

	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"agent_mode": s.cfg.AgentMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_calls": s.registry.ActiveCount(),
	})
}

// twiml is the voice webhook response instructing the telephony provider
// to open a bidirectional media stream back to this host.
type twiml struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// handleIncomingCall answers the provider's voice webhook with TwiML that
// points the media stream at our websocket endpoint.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	streamURL := "wss://" + host + "/twilio/media"

	doc := twiml{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}}
	out, err := xml.Marshal(doc)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_encode_failed", err.Error())
		return
	}

	s.metrics.CallEvents.WithLabelValues("incoming_webhook").Inc()
	log.Printf("incoming call webhook, streaming to %s", streamURL)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	w.Write(out)
}

// handleMediaStream upgrades to websocket and hands the connection to the
// bridge for the whole call lifetime.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("media stream upgrade failed: %v", err)
		return
	}
	s.metrics.WSMessages.WithLabelValues("inbound", "connect").Inc()
	s.bridge.ServeConn(r.Context(), conn)
}

// handleListCalls reports active call SIDs with their conversational state.
func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.registry.Snapshot()
	calls := make([]map[string]string, 0, len(snapshot))
	for sid, state := range snapshot {
		calls = append(calls, map[string]string{"call_sid": sid, "state": string(state)})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active": len(calls),
		"calls":  calls,
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.Stages.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
