package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.SampleRate != 8000 {
		t.Fatalf("SampleRate = %d, want 8000", cfg.SampleRate)
	}
	if cfg.Encoding != "mulaw" {
		t.Fatalf("Encoding = %q, want mulaw", cfg.Encoding)
	}
	if cfg.InboundChunkBytes != 3200 {
		t.Fatalf("InboundChunkBytes = %d, want 3200", cfg.InboundChunkBytes)
	}
	if cfg.SilenceThreshold != 1500*time.Millisecond {
		t.Fatalf("SilenceThreshold = %s, want 1.5s", cfg.SilenceThreshold)
	}
	if cfg.DedupWindow != 800*time.Millisecond {
		t.Fatalf("DedupWindow = %s, want 800ms", cfg.DedupWindow)
	}
	if cfg.BackoffBase != time.Second || cfg.BackoffCap != 30*time.Second {
		t.Fatalf("backoff = %s/%s, want 1s/30s", cfg.BackoffBase, cfg.BackoffCap)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("SILENCE_FILLER_THRESHOLD", "2s")
	t.Setenv("INBOUND_CHUNK_BYTES", "1600")
	t.Setenv("AGENT_MODE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Fatalf("BindAddr = %q, want :9999", cfg.BindAddr)
	}
	if cfg.SilenceThreshold != 2*time.Second {
		t.Fatalf("SilenceThreshold = %s, want 2s", cfg.SilenceThreshold)
	}
	if cfg.InboundChunkBytes != 1600 {
		t.Fatalf("InboundChunkBytes = %d, want 1600", cfg.InboundChunkBytes)
	}
	if !cfg.AgentMode {
		t.Fatal("AgentMode = false, want true")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"SILENCE_FILLER_THRESHOLD", "not-a-duration"},
		{"INBOUND_CHUNK_BYTES", "abc"},
		{"AGENT_MODE", "maybe"},
		{"INBOUND_CHUNK_BYTES", "-1"},
		{"RECONNECT_BACKOFF_CAP", "500ms"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", tc.key, tc.value)
			}
		})
	}
}

func TestValidateRequiresAPIKey(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with empty key succeeded, want error")
	}
	cfg.DeepgramAPIKey = "token"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
