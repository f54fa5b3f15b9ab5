package upstream

// Voice-agent settings handshake, sent as the first text frame after
// connecting to the agent channel.

type AgentSettings struct {
	Type  string        `json:"type"`
	Audio AgentAudio    `json:"audio"`
	Agent AgentBehavior `json:"agent"`
}

type AgentAudio struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentBehavior struct {
	Language string      `json:"language,omitempty"`
	Listen   AgentListen `json:"listen"`
	Think    AgentThink  `json:"think"`
	Speak    AgentSpeak  `json:"speak"`
	Greeting string      `json:"greeting,omitempty"`
}

type AgentListen struct {
	Provider AgentProvider `json:"provider"`
}

type AgentThink struct {
	Provider AgentProvider  `json:"provider"`
	Endpoint *AgentEndpoint `json:"endpoint,omitempty"`
	Prompt   string         `json:"prompt,omitempty"`
}

type AgentSpeak struct {
	Provider AgentProvider `json:"provider"`
}

type AgentProvider struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}

type AgentEndpoint struct {
	URL string `json:"url"`
}

// AgentSettingsConfig is the handful of knobs the bridge configures.
type AgentSettingsConfig struct {
	SampleRate  int
	Encoding    string
	ListenModel string
	ThinkModel  string
	SpeakModel  string
	LLMProxyURL string
	Prompt      string
	Greeting    string
}

// NewAgentSettings builds the settings message pointing the agent's think
// stage at our own LLM proxy endpoint.
func NewAgentSettings(cfg AgentSettingsConfig) AgentSettings {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}

	think := AgentThink{
		Provider: AgentProvider{Type: "open_ai", Model: cfg.ThinkModel},
		Prompt:   cfg.Prompt,
	}
	if cfg.LLMProxyURL != "" {
		think.Endpoint = &AgentEndpoint{URL: cfg.LLMProxyURL}
	}

	return AgentSettings{
		Type: "Settings",
		Audio: AgentAudio{
			Input: AudioFormat{
				Encoding:   cfg.Encoding,
				SampleRate: cfg.SampleRate,
			},
			Output: AudioFormat{
				Encoding:   cfg.Encoding,
				SampleRate: cfg.SampleRate,
				Container:  "none",
			},
		},
		Agent: AgentBehavior{
			Language: "en",
			Listen:   AgentListen{Provider: AgentProvider{Type: "deepgram", Model: cfg.ListenModel}},
			Think:    think,
			Speak:    AgentSpeak{Provider: AgentProvider{Type: "deepgram", Model: cfg.SpeakModel}},
			Greeting: cfg.Greeting,
		},
	}
}
