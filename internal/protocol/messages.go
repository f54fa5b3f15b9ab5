package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies telephony media-stream frame variants.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventClear     EventType = "clear"
	EventMark      EventType = "mark"
)

var ErrUnsupportedEvent = errors.New("unsupported media stream event")

type Envelope struct {
	Event EventType `json:"event"`
}

// StartFrame carries call identity when the media stream opens.
type StartFrame struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
	Start     StartInfo `json:"start"`
}

type StartInfo struct {
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// MediaFrame carries one base64 audio payload in either direction.
type MediaFrame struct {
	Event     EventType    `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopFrame signals the peer closed the stream.
type StopFrame struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
}

// ClearFrame asks the peer to flush its queued playback audio.
type ClearFrame struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
}

// MarkFrame is a playback checkpoint echoed back by the peer.
type MarkFrame struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
	Mark      MarkName  `json:"mark"`
}

type MarkName struct {
	Name string `json:"name"`
}

// ParseFrame decodes one inbound media-stream frame.
func ParseFrame(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case EventConnected:
		return Envelope{Event: EventConnected}, nil
	case EventStart:
		var msg StartFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamSID == "" {
			msg.StreamSID = msg.Start.StreamSID
		}
		if msg.StreamSID == "" {
			return nil, errors.New("start frame missing streamSid")
		}
		return msg, nil
	case EventMedia:
		var msg MediaFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media.Payload == "" {
			return nil, errors.New("media frame missing payload")
		}
		return msg, nil
	case EventStop:
		var msg StopFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventMark:
		var msg MarkFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedEvent
	}
}

// DecodeMediaPayload returns the raw audio bytes of a media frame.
func DecodeMediaPayload(m MediaFrame) ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return audio, nil
}

// NewMediaFrame wraps raw audio bytes in an outbound media envelope.
func NewMediaFrame(streamSID string, audio []byte) MediaFrame {
	return MediaFrame{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media: MediaPayload{
			Payload: base64.StdEncoding.EncodeToString(audio),
		},
	}
}

// NewClearFrame builds the barge-in flush request for streamSID.
func NewClearFrame(streamSID string) ClearFrame {
	return ClearFrame{Event: EventClear, StreamSID: streamSID}
}
