package realtime

import (
	"context"
	"errors"
	"image"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/glasslive/internal/audio"
	"github.com/ent0n29/glasslive/internal/observability"
	"github.com/ent0n29/glasslive/internal/video"
)

// StartRecording starts the capture loop. Every captured frame is forwarded
// with SendAudioData. It is a no-op when already recording or not connected.
func (s *Session) StartRecording(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.recording || s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	src := s.opts.Capture
	if src == nil {
		s.mu.Unlock()
		err := &audio.DeviceError{Device: "microphone", Err: errors.New("no capture source configured")}
		s.handler.OnError(err)
		return err
	}
	// Capture is bound to the connection, not to ctx.
	recCtx, cancel := context.WithCancel(s.ctx)
	frames, err := src.Start(recCtx)
	if err != nil {
		s.mu.Unlock()
		cancel()
		var devErr *audio.DeviceError
		if !errors.As(err, &devErr) {
			err = &audio.DeviceError{Device: "microphone", Err: err}
		}
		s.logger.Warn("capture start failed", zap.Error(err))
		s.handler.OnError(err)
		return err
	}
	done := make(chan struct{})
	s.recording = true
	s.recCancel = cancel
	s.recDone = done
	s.mu.Unlock()

	s.logger.Info("recording started")
	s.setState(StateRecording)
	go s.captureLoop(src, frames, done)
	return nil
}

func (s *Session) captureLoop(src audio.Source, frames <-chan []byte, done chan struct{}) {
	defer close(done)
	for frame := range frames {
		s.SendAudioData(frame)
	}

	// Reached without stopCapture when the source ran dry or failed.
	s.mu.Lock()
	owned := s.recDone == done
	if owned {
		s.recording = false
		s.recCancel = nil
		s.recDone = nil
	}
	recordingState := s.state == StateRecording
	s.mu.Unlock()
	if !owned {
		return
	}

	if errSrc, ok := src.(interface{ Err() error }); ok {
		if err := errSrc.Err(); err != nil {
			s.logger.Warn("capture failed", zap.Error(err))
			s.handler.OnError(err)
		}
	}
	if recordingState {
		s.setState(StateConnected)
	}
}

// StopRecording stops capture; the socket stays open.
func (s *Session) StopRecording() {
	if s.stopCapture() {
		s.logger.Info("recording stopped")
		s.mu.Lock()
		recordingState := s.state == StateRecording
		s.mu.Unlock()
		if recordingState {
			s.setState(StateConnected)
		}
	}
}

// stopCapture cancels the capture loop and waits for it. It reports whether
// a capture was running.
func (s *Session) stopCapture() bool {
	s.mu.Lock()
	cancel := s.recCancel
	done := s.recDone
	s.recording = false
	s.recCancel = nil
	s.recDone = nil
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	if s.opts.Capture != nil {
		if err := s.opts.Capture.Close(); err != nil {
			s.logger.Debug("capture close", zap.Error(err))
		}
	}
	<-done
	return true
}

// SendAudioData forwards one PCM16 frame and, when the frame throttle allows,
// the pending camera frame.
func (s *Session) SendAudioData(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	payload, err := s.codec.EncodeAudioAppend(pcm)
	if err != nil {
		s.logger.Warn("encode audio append", zap.Error(err))
		return
	}
	if err := s.write(payload, "input_audio_buffer.append"); err != nil {
		if !isClosedErr(err) {
			s.logger.Debug("send audio failed", zap.Error(err))
		}
		return
	}
	if err := s.sendFrame(false); err != nil && !errors.Is(err, video.ErrNoFrame) && !errors.Is(err, ErrVisionBusy) {
		s.logger.Debug("frame not sent", zap.Error(err))
	}
}

// RequestVisionAnalysis sends the pending frame now, ignoring the frame
// throttle. For providers without image support the frame is described by
// the vision fallback and injected as context.
func (s *Session) RequestVisionAnalysis() error {
	return s.sendFrame(true)
}

func (s *Session) sendFrame(force bool) error {
	img, ok := s.frames.Peek()
	if !ok {
		return video.ErrNoFrame
	}
	if !force && !s.limiter.AllowN(s.now(), 1) {
		return nil
	}

	if s.codec.SupportsImages() {
		data, err := video.EncodeJPEG(img, video.StreamQuality, video.MaxEdge)
		if err != nil {
			return err
		}
		payload, err := s.codec.EncodeImageAppend(data)
		if err != nil {
			return err
		}
		if err := s.write(payload, "input_image_buffer.append"); err != nil {
			return err
		}
		s.metrics.FrameSent(s.provider, "inline")
		return nil
	}

	if s.opts.Vision == nil {
		return ErrNoVision
	}
	if !s.visionSem.TryAcquire(1) {
		s.metrics.ObserveIndicator(observability.IndicatorVisionBusy)
		return ErrVisionBusy
	}
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		s.visionSem.Release(1)
		return ErrNotConnected
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.visionSem.Release(1)
		s.describeAndInject(ctx, img)
	}()
	return nil
}

func (s *Session) describeAndInject(ctx context.Context, img image.Image) {
	start := s.now()
	text, err := s.opts.Vision.Analyze(ctx, img, s.opts.VisionPrompt)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("vision fallback failed", zap.Error(err))
		}
		return
	}
	s.logger.Debug("vision fallback described frame", zap.Duration("took", s.now().Sub(start)), zap.Int("chars", len(text)))

	payload, err := s.codec.EncodeContextText(text)
	if err != nil {
		s.logger.Warn("encode context text", zap.Error(err))
		return
	}
	if err := s.write(payload, "conversation.item.create"); err != nil {
		s.logger.Debug("context injection failed", zap.Error(err))
		return
	}
	s.metrics.FrameSent(s.provider, "context")
}

var visionPhrases = []string{
	"what do you see",
	"what am i looking at",
	"what is this",
	"what's this",
	"describe this",
	"describe what you see",
	"tell me what you see",
	"what can you see",
	"look at this",
	"what am i seeing",
	"can you see",
	"do you see",
	"看到什么",
	"这是什么",
	"描述一下",
}

// IsVisionQuestion reports whether a user utterance asks about the camera
// view.
func IsVisionQuestion(transcript string) bool {
	t := strings.ToLower(transcript)
	for _, p := range visionPhrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}
