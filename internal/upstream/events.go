package upstream

import (
	"encoding/json"
	"fmt"
)

// TurnEventType identifies turn-taking signals from the recognizer.
type TurnEventType string

const (
	TurnStartOfTurn TurnEventType = "start_of_turn"
	TurnEndOfTurn   TurnEventType = "end_of_turn"
	TurnTranscript  TurnEventType = "transcript"
	TurnError       TurnEventType = "error"
)

// TurnEvent is one typed turn-taking signal decoded from an upstream JSON
// message. Never mutated after creation.
type TurnEvent struct {
	Type       TurnEventType
	Transcript string
	IsFinal    bool
	Err        string
	ErrCode    string
}

type rawMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Message     string `json:"message"`
	Code        string `json:"code"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// ParseTurnEvent classifies one upstream message into a turn event.
// The second return is false when the message carries no turn signal.
// A decode failure is non-fatal: the caller drops the message and logs.
//
// Turn boundaries here are semantic, not silence-timeout based: the provider
// signals end-of-turn either with an explicit UtteranceEnd message or with a
// speech_final flag on a transcript, and both must be treated the same.
func ParseTurnEvent(raw []byte) (TurnEvent, bool, error) {
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return TurnEvent{}, false, fmt.Errorf("decode upstream message: %w", err)
	}

	switch msg.Type {
	case "SpeechStarted":
		return TurnEvent{Type: TurnStartOfTurn}, true, nil

	case "UtteranceEnd":
		// Empty transcript: the consumer falls back to the last partial.
		return TurnEvent{Type: TurnEndOfTurn}, true, nil

	case "Results":
		var transcript string
		if len(msg.Channel.Alternatives) > 0 {
			transcript = msg.Channel.Alternatives[0].Transcript
		}
		if msg.SpeechFinal {
			// Semantic end-of-turn supersedes a plain transcript.
			return TurnEvent{Type: TurnEndOfTurn, Transcript: transcript}, true, nil
		}
		if transcript != "" {
			return TurnEvent{Type: TurnTranscript, Transcript: transcript, IsFinal: msg.IsFinal}, true, nil
		}
		return TurnEvent{}, false, nil

	case "Error":
		errMsg := msg.Message
		if errMsg == "" {
			errMsg = "unknown upstream error"
		}
		return TurnEvent{Type: TurnError, Err: errMsg, ErrCode: msg.Code}, true, nil

	default:
		return TurnEvent{}, false, nil
	}
}

// AgentEventType identifies conversational-agent control events.
type AgentEventType string

const (
	AgentWelcome             AgentEventType = "welcome"
	AgentSettingsApplied     AgentEventType = "settings_applied"
	AgentUserStartedSpeaking AgentEventType = "user_started_speaking"
	AgentStartedSpeaking     AgentEventType = "agent_started_speaking"
	AgentAudioDone           AgentEventType = "agent_audio_done"
	AgentConversationText    AgentEventType = "conversation_text"
	AgentError               AgentEventType = "agent_error"
)

// AgentEvent is one agent control event from the voice-agent channel.
type AgentEvent struct {
	Type    AgentEventType
	Role    string
	Content string
	Detail  string
}

type rawAgentMessage struct {
	Type        string `json:"type"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// ParseAgentEvent classifies one voice-agent JSON message.
func ParseAgentEvent(raw []byte) (AgentEvent, bool, error) {
	var msg rawAgentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return AgentEvent{}, false, fmt.Errorf("decode agent message: %w", err)
	}

	switch msg.Type {
	case "Welcome":
		return AgentEvent{Type: AgentWelcome}, true, nil
	case "SettingsApplied":
		return AgentEvent{Type: AgentSettingsApplied}, true, nil
	case "UserStartedSpeaking":
		return AgentEvent{Type: AgentUserStartedSpeaking}, true, nil
	case "AgentStartedSpeaking":
		return AgentEvent{Type: AgentStartedSpeaking}, true, nil
	case "AgentAudioDone":
		return AgentEvent{Type: AgentAudioDone}, true, nil
	case "ConversationText":
		return AgentEvent{Type: AgentConversationText, Role: msg.Role, Content: msg.Content}, true, nil
	case "Error":
		detail := msg.Description
		if detail == "" {
			detail = msg.Message
		}
		return AgentEvent{Type: AgentError, Detail: detail}, true, nil
	default:
		return AgentEvent{}, false, nil
	}
}
