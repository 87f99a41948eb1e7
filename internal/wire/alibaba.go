package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

var alibabaTurnDefaults = TurnDetection{Threshold: 0.5, SilenceDurationMs: 800}

// AlibabaCodec speaks the DashScope Omni realtime dialect. It accepts image
// frames inline on the input buffer.
type AlibabaCodec struct{}

func (AlibabaCodec) Protocol() Protocol   { return ProtocolAlibaba }
func (AlibabaCodec) SupportsImages() bool { return true }

type alibabaSession struct {
	Modalities        []string           `json:"modalities"`
	Voice             string             `json:"voice,omitempty"`
	Instructions      string             `json:"instructions,omitempty"`
	InputAudioFormat  string             `json:"input_audio_format"`
	OutputAudioFormat string             `json:"output_audio_format"`
	SmoothOutput      bool               `json:"smooth_output"`
	TurnDetection     *turnDetectionJSON `json:"turn_detection"`
}

func (AlibabaCodec) EncodeSessionConfig(cfg SessionConfig) ([]byte, error) {
	td := cfg.TurnDetection.withDefaults(alibabaTurnDefaults)
	if td != nil {
		// DashScope rejects prefix padding on server_vad.
		td.PrefixPaddingMs = 0
	}
	return marshal(struct {
		Type    string         `json:"type"`
		Session alibabaSession `json:"session"`
	}{
		Type: "session.update",
		Session: alibabaSession{
			Modalities:        []string{"text", "audio"},
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			SmoothOutput:      true,
			TurnDetection:     td,
		},
	})
}

func (AlibabaCodec) EncodeAudioAppend(pcm []byte) ([]byte, error) {
	return marshal(audioAppend{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)})
}

func (AlibabaCodec) EncodeImageAppend(jpeg []byte) ([]byte, error) {
	return marshal(imageAppend{Type: "input_image_buffer.append", Image: base64.StdEncoding.EncodeToString(jpeg)})
}

func (AlibabaCodec) EncodeContextText(description string) ([]byte, error) {
	return marshal(itemCreate{
		Type: "conversation.item.create",
		Item: messageItem{
			Type:    "message",
			Role:    "system",
			Content: []contentPart{{Type: "input_text", Text: "Context: User's current view shows: " + description}},
		},
	})
}

func (AlibabaCodec) EncodeResponseCreate() ([]byte, error) {
	return marshal(typedMessage{Type: "response.create"})
}

func (AlibabaCodec) Decode(raw []byte) (Event, error) { return decode(raw) }

func marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode realtime message: %w", err)
	}
	return b, nil
}
