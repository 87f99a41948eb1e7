// Package video holds the camera-facing side of a session: the latest-frame
// slot and JPEG encoding of frames for upload.
package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	_ "image/png" // frames posted by the control API may be PNG

	"golang.org/x/image/draw"
)

const (
	// StreamQuality favors bandwidth for frames streamed every few hundred ms.
	StreamQuality = 60
	// DescribeQuality is used for one-shot REST descriptions.
	DescribeQuality = 80
	// MaxEdge caps the longest side of uploaded frames.
	MaxEdge = 1280
)

var ErrNoFrame = errors.New("no video frame available")

// FrameSource exposes the most recent decoded camera frame.
type FrameSource interface {
	LatestFrame() (image.Image, bool)
}

// Slot holds at most one pending frame. Put overwrites; frames are never
// queued.
type Slot struct {
	mu    sync.Mutex
	frame image.Image
}

func (s *Slot) Put(img image.Image) {
	if img == nil {
		return
	}
	s.mu.Lock()
	s.frame = img
	s.mu.Unlock()
}

// Peek returns the pending frame without clearing it.
func (s *Slot) Peek() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.frame != nil
}

// LatestFrame makes a Slot usable as a FrameSource.
func (s *Slot) LatestFrame() (image.Image, bool) { return s.Peek() }

func (s *Slot) Clear() {
	s.mu.Lock()
	s.frame = nil
	s.mu.Unlock()
}

// EncodeJPEG scales img down so its longest edge is at most maxEdge (0 means
// no limit) and encodes it at the given quality.
func EncodeJPEG(img image.Image, quality, maxEdge int) ([]byte, error) {
	if img == nil {
		return nil, ErrNoFrame
	}
	if quality <= 0 || quality > 100 {
		quality = StreamQuality
	}
	img = downscale(img, maxEdge)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a JPEG or PNG frame.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrNoFrame
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

func downscale(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return img
	}
	tw, th := maxEdge, maxEdge
	if w >= h {
		th = h * maxEdge / w
	} else {
		tw = w * maxEdge / h
	}
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
