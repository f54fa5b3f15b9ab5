package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/switchboard/internal/audio"
	"github.com/antoniostano/switchboard/internal/brain"
	"github.com/antoniostano/switchboard/internal/bridge"
	"github.com/antoniostano/switchboard/internal/call"
	"github.com/antoniostano/switchboard/internal/config"
	"github.com/antoniostano/switchboard/internal/dedupe"
	"github.com/antoniostano/switchboard/internal/filler"
	"github.com/antoniostano/switchboard/internal/httpapi"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/speech"
	"github.com/antoniostano/switchboard/internal/transcript"
	"github.com/antoniostano/switchboard/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	transcripts, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer transcripts.Close()

	registry := call.NewRegistry()

	fillerSched := filler.NewScheduler(loadFillerAudio(cfg.FillerAudioPath), cfg.SilenceThreshold)
	fillerSched.OnStart(func(string) { metrics.FillerStarts.Inc() })

	responder := brain.NewClient(brain.Config{
		GatewayURL: cfg.GatewayURL,
		Token:      cfg.GatewayToken,
		Model:      cfg.ThinkModel,
		Timeout:    cfg.GatewayTimeout,
	})

	speakCfg := speech.Config{
		BaseURL:    cfg.SpeakURL,
		APIKey:     cfg.DeepgramAPIKey,
		Model:      cfg.SpeakModel,
		Encoding:   cfg.Encoding,
		SampleRate: cfg.SampleRate,
	}
	// One synthesizer per call: the active-stream gate is per session, so
	// concurrent calls must not share one.
	newEngine := func() bridge.SpeechEngine {
		return bridge.NewSpeechEngine(speech.NewSynthesizer(speakCfg))
	}
	fallback := speech.NewFallback(speech.NewSynthesizer(speakCfg))

	bridgeCfg := bridge.Config{
		InboundChunkBytes: cfg.InboundChunkBytes,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
	}

	upstreamURL := cfg.ListenURL
	if cfg.AgentMode {
		upstreamURL = cfg.AgentURL
		settings := upstream.NewAgentSettings(upstream.AgentSettingsConfig{
			SampleRate:  cfg.SampleRate,
			Encoding:    cfg.Encoding,
			ListenModel: cfg.ListenModel,
			ThinkModel:  cfg.ThinkModel,
			SpeakModel:  cfg.SpeakModel,
			LLMProxyURL: cfg.GatewayURL + "/v1/chat/completions",
			Prompt:      cfg.AgentPrompt,
			Greeting:    cfg.AgentGreeting,
		})
		bridgeCfg.AgentSettings = &settings
		log.Printf("running in voice-agent mode via %s", upstreamURL)
	} else {
		log.Printf("running in self-driven mode via %s", upstreamURL)
	}

	dial := func(ctx context.Context) (bridge.UpstreamConn, error) {
		client := upstream.NewClient(upstream.Config{
			URL:           upstreamURL,
			APIKey:        cfg.DeepgramAPIKey,
			SampleRate:    cfg.SampleRate,
			Encoding:      cfg.Encoding,
			Channels:      cfg.Channels,
			Model:         cfg.ListenModel,
			EndpointingMS: cfg.EndpointingMS,
			Agent:         cfg.AgentMode,
		})
		if err := client.Dial(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}

	b := bridge.New(
		bridgeCfg,
		dial,
		registry,
		fillerSched,
		responder,
		newEngine,
		fallback,
		transcripts,
		metrics,
	)

	api := httpapi.New(cfg, b, registry, dedupe.New(cfg.DedupWindow), metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// loadFillerAudio reads the hold-music WAV and transcodes it to the
// telephony mu-law format. Missing or unreadable files just disable filler.
func loadFillerAudio(path string) []byte {
	if path == "" {
		return nil
	}
	pcm, sampleRate, err := audio.ReadWAVPCM16LE(path)
	if err != nil {
		log.Printf("filler audio unavailable: %v", err)
		return nil
	}
	if sampleRate != 8000 {
		log.Printf("filler audio sample rate %d unsupported, expected 8000; filler disabled", sampleRate)
		return nil
	}
	buf := audio.MulawEncodePCM16LE(pcm)
	log.Printf("filler audio loaded: %d bytes mu-law", len(buf))
	return buf
}
