package wire

import "encoding/base64"

var openAITurnDefaults = TurnDetection{Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500}

const (
	openAIAudioFormat         = "audio/pcm"
	openAIAudioRate           = 24000
	defaultTranscriptionModel = "whisper-1"
)

// OpenAICodec speaks the OpenAI Realtime GA dialect. Images are not sent over
// the socket; callers describe frames out of band and inject the text.
type OpenAICodec struct{}

func (OpenAICodec) Protocol() Protocol   { return ProtocolOpenAI }
func (OpenAICodec) SupportsImages() bool { return false }

type openAIFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

type openAISession struct {
	Type             string   `json:"type"`
	Model            string   `json:"model,omitempty"`
	OutputModalities []string `json:"output_modalities"`
	Instructions     string   `json:"instructions,omitempty"`
	Audio            struct {
		Input struct {
			Format        openAIFormat       `json:"format"`
			TurnDetection *turnDetectionJSON `json:"turn_detection"`
			Transcription struct {
				Model string `json:"model"`
			} `json:"transcription"`
		} `json:"input"`
		Output struct {
			Format openAIFormat `json:"format"`
			Voice  string       `json:"voice,omitempty"`
		} `json:"output"`
	} `json:"audio"`
}

func (OpenAICodec) EncodeSessionConfig(cfg SessionConfig) ([]byte, error) {
	s := openAISession{
		Type:             "realtime",
		Model:            cfg.Model,
		OutputModalities: []string{"audio"},
		Instructions:     cfg.Instructions,
	}
	format := openAIFormat{Type: openAIAudioFormat, Rate: openAIAudioRate}
	s.Audio.Input.Format = format
	s.Audio.Input.TurnDetection = cfg.TurnDetection.withDefaults(openAITurnDefaults)
	s.Audio.Input.Transcription.Model = cfg.TranscriptionModel
	if s.Audio.Input.Transcription.Model == "" {
		s.Audio.Input.Transcription.Model = defaultTranscriptionModel
	}
	s.Audio.Output.Format = format
	s.Audio.Output.Voice = cfg.Voice

	return marshal(struct {
		Type    string        `json:"type"`
		Session openAISession `json:"session"`
	}{Type: "session.update", Session: s})
}

func (OpenAICodec) EncodeAudioAppend(pcm []byte) ([]byte, error) {
	return marshal(audioAppend{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)})
}

func (OpenAICodec) EncodeImageAppend([]byte) ([]byte, error) {
	return nil, ErrImagesUnsupported
}

func (OpenAICodec) EncodeContextText(description string) ([]byte, error) {
	return marshal(itemCreate{
		Type: "conversation.item.create",
		Item: messageItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: "[Visual context: " + description + "]"}},
		},
	})
}

func (OpenAICodec) EncodeResponseCreate() ([]byte, error) {
	return marshal(typedMessage{Type: "response.create"})
}

func (OpenAICodec) Decode(raw []byte) (Event, error) { return decode(raw) }
