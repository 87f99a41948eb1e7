package realtime

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ent0n29/glasslive/internal/audio"
	"github.com/ent0n29/glasslive/internal/observability"
	"github.com/ent0n29/glasslive/internal/wire"
)

// dispatch applies one inbound message. It runs only on the read goroutine.
func (s *Session) dispatch(raw []byte) {
	ev, err := s.codec.Decode(raw)
	if err != nil {
		s.logger.Warn("dropping undecodable realtime message", zap.Error(err), zap.Int("bytes", len(raw)))
		s.metrics.DecodeDrop(s.provider, "malformed")
		return
	}
	s.metrics.Message("inbound", ev.RawType)

	switch ev.Kind {
	case wire.KindSessionReady, wire.KindResponseStarted:
		s.logger.Debug("realtime event", zap.String("type", ev.RawType))

	case wire.KindSpeechStarted:
		// Barge-in: drop whatever the assistant was still saying.
		start := s.now()
		if s.player.Speaking() || s.player.Len() > 0 {
			s.metrics.ObserveIndicator(observability.IndicatorBargeIn)
		}
		s.player.Stop()
		s.setSpeaking(false)
		s.metrics.ObserveStage(observability.StageBargeInToPlaybackCut, s.now().Sub(start))
		s.setState(StateRecording)
		s.handler.OnSpeechStarted()

	case wire.KindSpeechStopped:
		s.mu.Lock()
		s.speechEnd = s.now()
		s.awaitAudio = true
		s.mu.Unlock()
		s.setState(StateProcessing)
		s.handler.OnSpeechStopped()

	case wire.KindTranscriptDelta:
		s.mu.Lock()
		s.transcript.WriteString(ev.Text)
		s.mu.Unlock()
		s.handler.OnTranscriptDelta(ev.Text)

	case wire.KindTranscriptDone:
		s.mu.Lock()
		final := ev.Text
		if final == "" {
			final = s.transcript.String()
		}
		s.transcript.Reset()
		speechEnd := s.speechEnd
		s.mu.Unlock()
		if !speechEnd.IsZero() {
			s.metrics.ObserveStage(observability.StageSpeechToTranscript, s.now().Sub(speechEnd))
		}
		s.handler.OnTranscriptDone(final)
		s.setState(StateConnected)

	case wire.KindUserTranscript:
		s.handler.OnUserTranscript(ev.Text)
		if !s.codec.SupportsImages() && IsVisionQuestion(ev.Text) {
			s.logger.Debug("vision question detected")
			if err := s.RequestVisionAnalysis(); err != nil && !errors.Is(err, ErrVisionBusy) {
				s.logger.Debug("vision request skipped", zap.Error(err))
			}
		}

	case wire.KindAudioChunk:
		s.mu.Lock()
		first := s.awaitAudio
		s.awaitAudio = false
		speechEnd := s.speechEnd
		s.mu.Unlock()
		if first && !speechEnd.IsZero() {
			s.metrics.ObserveFirstAudioLatency(s.now().Sub(speechEnd))
		}
		if err := s.player.Enqueue(ev.Audio); err != nil {
			var devErr *audio.DeviceError
			if errors.As(err, &devErr) && s.reportDeviceError(devErr) {
				s.handler.OnError(err)
			}
			return
		}
		// The player may still be draining the previous response after
		// AudioDone cleared the flag, in which case it reports nothing new.
		s.setSpeaking(true)
		s.setState(StateSpeaking)

	case wire.KindAudioDone:
		s.setSpeaking(false)

	case wire.KindResponseFailed, wire.KindServerError:
		upErr := &UpstreamError{Code: ev.Code, Message: ev.Message, Detail: ev.Detail}
		s.logger.Warn("realtime upstream error",
			zap.String("type", ev.RawType),
			zap.String("code", ev.Code),
			zap.String("message", ev.Message),
			zap.Bool("retryable", upErr.Retryable()))
		s.metrics.ProviderError(s.provider, ev.Code)
		s.setError(ev.Message)
		s.handler.OnError(upErr)

	default:
		s.logger.Debug("unhandled realtime event", zap.String("type", ev.RawType))
	}
}

// reportDeviceError reports each sticky speaker failure once.
func (s *Session) reportDeviceError(err *audio.DeviceError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceErr == err {
		return false
	}
	s.deviceErr = err
	return true
}
