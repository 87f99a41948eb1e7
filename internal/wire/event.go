package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates a decoded inbound Event.
type Kind int

const (
	KindUnhandled Kind = iota
	KindSessionReady
	KindResponseStarted
	KindSpeechStarted
	KindSpeechStopped
	KindTranscriptDelta
	KindTranscriptDone
	KindUserTranscript
	KindAudioChunk
	KindAudioDone
	KindResponseFailed
	KindServerError
)

var kindNames = map[Kind]string{
	KindUnhandled:       "unhandled",
	KindSessionReady:    "session_ready",
	KindResponseStarted: "response_started",
	KindSpeechStarted:   "speech_started",
	KindSpeechStopped:   "speech_stopped",
	KindTranscriptDelta: "transcript_delta",
	KindTranscriptDone:  "transcript_done",
	KindUserTranscript:  "user_transcript",
	KindAudioChunk:      "audio_chunk",
	KindAudioDone:       "audio_done",
	KindResponseFailed:  "response_failed",
	KindServerError:     "server_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one normalized inbound server message.
type Event struct {
	Kind Kind
	// RawType is the provider discriminator the event was decoded from.
	RawType string
	// Text carries transcript deltas, final transcripts and user transcripts.
	Text string
	// Audio is decoded PCM16 for KindAudioChunk.
	Audio []byte
	// Code, Message and Detail describe failures.
	Code    string
	Message string
	Detail  string
}

// Discriminators shared by both dialects plus the audio and transcript names
// of each. A custom endpoint may mix names, so every codec accepts all of
// them.
var eventKinds = map[string]Kind{
	"session.created":                   KindSessionReady,
	"session.updated":                   KindSessionReady,
	"response.created":                  KindResponseStarted,
	"input_audio_buffer.speech_started": KindSpeechStarted,
	"input_audio_buffer.speech_stopped": KindSpeechStopped,
	"conversation.item.input_audio_transcription.completed": KindUserTranscript,
	"error": KindServerError,

	// Alibaba Omni naming.
	"response.audio_transcript.delta": KindTranscriptDelta,
	"response.audio_transcript.done":  KindTranscriptDone,
	"response.audio.delta":            KindAudioChunk,
	"response.audio.done":             KindAudioDone,

	// OpenAI Realtime naming.
	"response.output_audio_transcript.delta": KindTranscriptDelta,
	"response.output_audio_transcript.done":  KindTranscriptDone,
	"response.output_audio.delta":            KindAudioChunk,
	"response.output_audio.done":             KindAudioDone,
}

type inboundMessage struct {
	Type       string           `json:"type"`
	Delta      string           `json:"delta"`
	Transcript string           `json:"transcript"`
	Response   *inboundResponse `json:"response"`
	Error      *inboundError    `json:"error"`
}

type inboundResponse struct {
	Status        string `json:"status"`
	StatusDetails *struct {
		Type  string        `json:"type"`
		Error *inboundError `json:"error"`
	} `json:"status_details"`
}

type inboundError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decode(raw []byte) (Event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	ev := Event{RawType: msg.Type, Kind: eventKinds[msg.Type]}
	switch ev.Kind {
	case KindTranscriptDelta:
		ev.Text = msg.Delta
	case KindTranscriptDone, KindUserTranscript:
		ev.Text = msg.Transcript
	case KindAudioChunk:
		if msg.Delta == "" {
			return Event{}, fmt.Errorf("%w: %s without audio", ErrMalformedEvent, msg.Type)
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %s audio: %v", ErrMalformedEvent, msg.Type, err)
		}
		ev.Audio = pcm
	case KindServerError:
		ev.Message = "Unknown error"
		if msg.Error != nil {
			ev.Code = msg.Error.Code
			ev.Detail = msg.Error.Type
			if msg.Error.Message != "" {
				ev.Message = msg.Error.Message
			}
		}
	case KindUnhandled:
		if msg.Type == "response.done" && msg.Response != nil && msg.Response.Status == "failed" {
			ev.Kind = KindResponseFailed
			ev.Message = "response failed"
			if d := msg.Response.StatusDetails; d != nil {
				ev.Detail = d.Type
				if d.Error != nil {
					ev.Code = d.Error.Code
					if d.Error.Message != "" {
						ev.Message = d.Error.Message
					}
				}
			}
		}
	}
	return ev, nil
}
