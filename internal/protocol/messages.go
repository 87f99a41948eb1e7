package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/glasslive/internal/audio"
	"github.com/ent0n29/glasslive/internal/provider"
	"github.com/ent0n29/glasslive/internal/realtime"
	"github.com/ent0n29/glasslive/internal/wire"
)

// MessageType identifies event stream payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientFrame      MessageType = "client_frame"
	TypeClientControl    MessageType = "client_control"

	TypeStateChanged    MessageType = "state_changed"
	TypeSpeechStarted   MessageType = "speech_started"
	TypeSpeechStopped   MessageType = "speech_stopped"
	TypeTranscriptDelta MessageType = "transcript_delta"
	TypeTranscriptDone  MessageType = "transcript_done"
	TypeUserTranscript  MessageType = "user_transcript"
	TypeSpeaking        MessageType = "speaking"
	TypeAssistantAudio  MessageType = "assistant_audio"
	TypeErrorEvent      MessageType = "error_event"
)

// Control actions accepted in client_control.
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionVision     = "vision"
	ActionRespond    = "respond"
	ActionDisconnect = "disconnect"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioChunk carries microphone PCM16LE mono at 24 kHz.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

// PCM decodes the chunk payload.
func (c ClientAudioChunk) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.PCM16Base64)
}

// ClientFrame carries one JPEG or PNG camera frame.
type ClientFrame struct {
	Type        MessageType `json:"type"`
	ImageBase64 string      `json:"image_base64"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	Reason string      `json:"reason,omitempty"`
	TSMs   int64       `json:"ts_ms"`
}

type StateChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	TSMs      int64       `json:"ts_ms"`
}

// SpeechEvent is speech_started or speech_stopped.
type SpeechEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TSMs      int64       `json:"ts_ms"`
}

// TranscriptEvent is transcript_delta, transcript_done or user_transcript.
type TranscriptEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type SpeakingEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Speaking  bool        `json:"speaking"`
	TSMs      int64       `json:"ts_ms"`
}

// AssistantAudio carries reply PCM16LE mono at 24 kHz, paced at playback
// speed.
type AssistantAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
	TSMs      int64       `json:"ts_ms"`
}

func nowMs() int64 { return time.Now().UnixMilli() }

func NewStateChanged(sessionID string, s realtime.State) StateChanged {
	return StateChanged{Type: TypeStateChanged, SessionID: sessionID, State: s.String(), TSMs: nowMs()}
}

func NewSpeechEvent(sessionID string, started bool) SpeechEvent {
	t := TypeSpeechStopped
	if started {
		t = TypeSpeechStarted
	}
	return SpeechEvent{Type: t, SessionID: sessionID, TSMs: nowMs()}
}

func NewTranscriptEvent(t MessageType, sessionID, text string) TranscriptEvent {
	return TranscriptEvent{Type: t, SessionID: sessionID, Text: text, TSMs: nowMs()}
}

func NewSpeakingEvent(sessionID string, speaking bool) SpeakingEvent {
	return SpeakingEvent{Type: TypeSpeaking, SessionID: sessionID, Speaking: speaking, TSMs: nowMs()}
}

func NewAssistantAudio(sessionID string, pcm []byte) AssistantAudio {
	return AssistantAudio{
		Type:        TypeAssistantAudio,
		SessionID:   sessionID,
		PCM16Base64: base64.StdEncoding.EncodeToString(pcm),
		SampleRate:  audio.SampleRate,
		TSMs:        nowMs(),
	}
}

// NewErrorEvent classifies err by the session error categories.
func NewErrorEvent(sessionID string, err error) ErrorEvent {
	ev := ErrorEvent{Type: TypeErrorEvent, SessionID: sessionID, Code: "internal", Source: "session", TSMs: nowMs()}
	if err == nil {
		return ev
	}
	ev.Detail = err.Error()

	var (
		cfgErr  *provider.ConfigurationError
		connErr *realtime.ConnectionError
		upErr   *realtime.UpstreamError
		devErr  *audio.DeviceError
	)
	switch {
	case errors.As(err, &cfgErr):
		ev.Code, ev.Source = "configuration", "config"
	case errors.As(err, &upErr):
		ev.Code, ev.Source = "upstream", "provider"
		if upErr.Code != "" {
			ev.Code = "upstream_" + upErr.Code
		}
		ev.Retryable = upErr.Retryable()
	case errors.As(err, &connErr):
		ev.Code, ev.Source, ev.Retryable = "connection", "provider", true
	case errors.As(err, &devErr):
		ev.Code, ev.Source = "device", devErr.Device
	case errors.Is(err, wire.ErrMalformedEvent):
		ev.Code, ev.Source = "protocol", "provider"
	}
	return ev
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" {
			return nil, errors.New("invalid client_audio_chunk")
		}
		if msg.SampleRate != 0 && msg.SampleRate != audio.SampleRate {
			return nil, fmt.Errorf("invalid client_audio_chunk: sample_rate %d, want %d", msg.SampleRate, audio.SampleRate)
		}
		return msg, nil
	case TypeClientFrame:
		var msg ClientFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ImageBase64 == "" {
			return nil, errors.New("invalid client_frame")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionStart, ActionStop, ActionVision, ActionRespond, ActionDisconnect:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
