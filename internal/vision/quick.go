package vision

import (
	"context"
	"fmt"
	"image"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/glasslive/internal/video"
)

// Analyzer describes a single image.
type Analyzer interface {
	Analyze(ctx context.Context, img image.Image, prompt string) (string, error)
}

// Speaker voices a recognition result to the wearer.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// WriterSpeaker prints results, one per line. Used where no TTS is attached.
type WriterSpeaker struct {
	W io.Writer
}

func (s WriterSpeaker) Speak(_ context.Context, text string) error {
	_, err := fmt.Fprintln(s.W, text)
	return err
}

// QuickRecognizer runs the one-shot capture, describe, speak flow outside of
// a realtime session.
type QuickRecognizer struct {
	analyzer Analyzer
	logger   *zap.Logger
}

func NewQuickRecognizer(analyzer Analyzer, logger *zap.Logger) *QuickRecognizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuickRecognizer{analyzer: analyzer, logger: logger.Named("quick_vision")}
}

// Recognize describes the latest frame from frames and, when speaker is not
// nil, speaks the description. The description is returned either way.
func (q *QuickRecognizer) Recognize(ctx context.Context, frames video.FrameSource, speaker Speaker, prompt string) (string, error) {
	if frames == nil {
		return "", video.ErrNoFrame
	}
	img, ok := frames.LatestFrame()
	if !ok {
		return "", video.ErrNoFrame
	}
	text, err := q.analyzer.Analyze(ctx, img, prompt)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	q.logger.Debug("quick vision result", zap.Int("chars", len(text)))
	if speaker != nil {
		if err := speaker.Speak(ctx, text); err != nil {
			return text, fmt.Errorf("speak result: %w", err)
		}
	}
	return text, nil
}
