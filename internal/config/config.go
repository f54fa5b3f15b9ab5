package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice bridge.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// Upstream speech/agent provider.
	DeepgramAPIKey string
	ListenURL      string
	AgentURL       string
	SpeakURL       string
	ListenModel    string
	SpeakModel     string
	ThinkModel     string
	AgentMode      bool
	AgentPrompt    string
	AgentGreeting  string
	EndpointingMS  int

	// Telephony audio format. Fixed parameters, not discovered at runtime.
	SampleRate int
	Encoding   string
	Channels   int

	// Relay pacing: inbound audio is batched to this many bytes before each
	// upstream send (0.4 s of 8 kHz mu-law by default).
	InboundChunkBytes int

	// Response generation gateway.
	GatewayURL     string
	GatewayToken   string
	GatewayTimeout time.Duration

	// Turn orchestration tuning.
	SilenceThreshold time.Duration
	DedupWindow      time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration

	FillerAudioPath string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults. A missing
// DEEPGRAM_API_KEY is the only startup-fatal condition; everything else is
// tunable with sane fallbacks.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "switchboard"),
		DeepgramAPIKey:    trimEnv("DEEPGRAM_API_KEY"),
		ListenURL:         envOrDefault("DEEPGRAM_LISTEN_URL", "wss://api.deepgram.com/v1/listen"),
		AgentURL:          envOrDefault("DEEPGRAM_AGENT_URL", "wss://agent.deepgram.com/v1/agent/converse"),
		SpeakURL:          envOrDefault("DEEPGRAM_SPEAK_URL", "https://api.deepgram.com/v1/speak"),
		ListenModel:       envOrDefault("DEEPGRAM_LISTEN_MODEL", "flux-general-en"),
		SpeakModel:        envOrDefault("DEEPGRAM_SPEAK_MODEL", "aura-2-thalia-en"),
		ThinkModel:        envOrDefault("AGENT_THINK_MODEL", "gpt-4o-mini"),
		AgentPrompt:       envOrDefault("AGENT_PROMPT", defaultAgentPrompt),
		AgentGreeting:     envOrDefault("AGENT_GREETING", "Hello! How can I help you?"),
		GatewayURL:        envOrDefault("GATEWAY_URL", "http://127.0.0.1:18789"),
		GatewayToken:      trimEnv("GATEWAY_TOKEN"),
		FillerAudioPath:   trimEnv("FILLER_AUDIO_PATH"),
		DatabaseURL:       trimEnv("DATABASE_URL"),
		SampleRate:        8000,
		Channels:          1,
		Encoding:          envOrDefault("AUDIO_ENCODING", "mulaw"),
		EndpointingMS:     5000,
		InboundChunkBytes: 3200,
		ShutdownTimeout:   15 * time.Second,
		GatewayTimeout:    30 * time.Second,
		SilenceThreshold:  1500 * time.Millisecond,
		DedupWindow:       800 * time.Millisecond,
		BackoffBase:       1 * time.Second,
		BackoffCap:        30 * time.Second,
	}

	var err error
	cfg.AgentMode, err = boolFromEnv("AGENT_MODE", false)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.EndpointingMS, err = intFromEnv("DEEPGRAM_ENDPOINTING_MS", cfg.EndpointingMS)
	if err != nil {
		return Config{}, err
	}
	cfg.InboundChunkBytes, err = intFromEnv("INBOUND_CHUNK_BYTES", cfg.InboundChunkBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GatewayTimeout, err = durationFromEnv("GATEWAY_TIMEOUT", cfg.GatewayTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceThreshold, err = durationFromEnv("SILENCE_FILLER_THRESHOLD", cfg.SilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.DedupWindow, err = durationFromEnv("DEDUP_WINDOW", cfg.DedupWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.BackoffBase, err = durationFromEnv("RECONNECT_BACKOFF_BASE", cfg.BackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.BackoffCap, err = durationFromEnv("RECONNECT_BACKOFF_CAP", cfg.BackoffCap)
	if err != nil {
		return Config{}, err
	}

	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if cfg.InboundChunkBytes <= 0 {
		return Config{}, fmt.Errorf("INBOUND_CHUNK_BYTES must be positive")
	}
	if cfg.SilenceThreshold <= 0 {
		return Config{}, fmt.Errorf("SILENCE_FILLER_THRESHOLD must be positive")
	}
	if cfg.DedupWindow <= 0 {
		return Config{}, fmt.Errorf("DEDUP_WINDOW must be positive")
	}
	if cfg.BackoffBase <= 0 || cfg.BackoffCap < cfg.BackoffBase {
		return Config{}, fmt.Errorf("reconnect backoff bounds invalid: base=%s cap=%s", cfg.BackoffBase, cfg.BackoffCap)
	}

	return cfg, nil
}

// Validate checks the call-accepting path's hard requirements. Called from
// main so tests can Load without credentials.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DeepgramAPIKey) == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	return nil
}

const defaultAgentPrompt = "You are a helpful voice assistant on a phone call. " +
	"Keep responses concise and conversational (1-3 sentences). " +
	"Never use markdown, bullet points, numbered lists, or emojis - your responses will be spoken aloud."

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
