// Package wire translates between the session's normalized command and event
// vocabulary and the JSON message formats of the supported realtime
// providers.
package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol names a realtime wire dialect.
type Protocol string

const (
	ProtocolAlibaba Protocol = "alibaba"
	ProtocolOpenAI  Protocol = "openai"
)

var (
	// ErrMalformedEvent marks inbound messages that could not be decoded.
	ErrMalformedEvent = errors.New("malformed realtime event")
	// ErrImagesUnsupported is returned by codecs whose protocol cannot carry
	// image frames inline.
	ErrImagesUnsupported = errors.New("protocol does not accept image frames")
)

// Codec is the only place that knows a provider's message shapes.
type Codec interface {
	Protocol() Protocol
	// SupportsImages reports whether EncodeImageAppend is available. When it
	// is not, frames go through the vision fallback and EncodeContextText.
	SupportsImages() bool
	EncodeSessionConfig(cfg SessionConfig) ([]byte, error)
	EncodeAudioAppend(pcm []byte) ([]byte, error)
	EncodeImageAppend(jpeg []byte) ([]byte, error)
	EncodeContextText(description string) ([]byte, error)
	EncodeResponseCreate() ([]byte, error)
	Decode(raw []byte) (Event, error)
}

// ForProtocol returns the codec for p.
func ForProtocol(p Protocol) (Codec, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(string(p)))) {
	case ProtocolAlibaba:
		return AlibabaCodec{}, nil
	case ProtocolOpenAI:
		return OpenAICodec{}, nil
	default:
		return nil, fmt.Errorf("unknown realtime protocol %q", p)
	}
}

// SessionConfig is the provider-neutral session negotiation payload.
type SessionConfig struct {
	Model              string
	Voice              string
	Instructions       string
	TranscriptionModel string
	// TurnDetection nil disables server VAD; the caller then drives turns with
	// EncodeResponseCreate.
	TurnDetection *TurnDetection
}

// TurnDetection configures server-side voice activity detection. Zero fields
// take the codec's defaults.
type TurnDetection struct {
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// ServerVAD returns a TurnDetection that uses the codec defaults.
func ServerVAD() *TurnDetection { return &TurnDetection{} }

type turnDetectionJSON struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

func (td *TurnDetection) withDefaults(def TurnDetection) *turnDetectionJSON {
	if td == nil {
		return nil
	}
	out := &turnDetectionJSON{
		Type:              "server_vad",
		Threshold:         td.Threshold,
		PrefixPaddingMs:   td.PrefixPaddingMs,
		SilenceDurationMs: td.SilenceDurationMs,
	}
	if out.Threshold <= 0 {
		out.Threshold = def.Threshold
	}
	if out.PrefixPaddingMs <= 0 {
		out.PrefixPaddingMs = def.PrefixPaddingMs
	}
	if out.SilenceDurationMs <= 0 {
		out.SilenceDurationMs = def.SilenceDurationMs
	}
	return out
}

type typedMessage struct {
	Type string `json:"type"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type imageAppend struct {
	Type  string `json:"type"`
	Image string `json:"image"`
}

type itemCreate struct {
	Type string      `json:"type"`
	Item messageItem `json:"item"`
}

type messageItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
