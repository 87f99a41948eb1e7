package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Source produces a continuous sequence of PCM16 mono frames. The channel is
// closed when the source is exhausted, closed, or ctx ends.
type Source interface {
	Start(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// ReaderSource reads fixed-size frames from an io.Reader. With Realtime set it
// paces frames at the rate they would be captured from a microphone.
type ReaderSource struct {
	r        io.Reader
	frame    time.Duration
	rate     int
	realtime bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	err     error
	done    chan struct{}
}

// NewReaderSource wraps r. A zero frame duration means DefaultFrameDuration.
func NewReaderSource(r io.Reader, frame time.Duration, realtime bool) *ReaderSource {
	if frame <= 0 {
		frame = DefaultFrameDuration
	}
	return &ReaderSource{r: r, frame: frame, rate: SampleRate, realtime: realtime, done: make(chan struct{})}
}

// NewWAVSource loads a PCM16 WAV file recorded at SampleRate.
func NewWAVSource(path string, frame time.Duration, realtime bool) (*ReaderSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DeviceError{Device: "microphone", Err: err}
	}
	pcm, rate, err := DecodeWAVPCM16(data)
	if err != nil {
		return nil, &DeviceError{Device: "microphone", Err: err}
	}
	if rate != SampleRate {
		return nil, &DeviceError{Device: "microphone", Err: fmt.Errorf("wav sample rate %d, want %d", rate, SampleRate)}
	}
	return NewReaderSource(bytes.NewReader(pcm), frame, realtime), nil
}

func (s *ReaderSource) Start(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, &DeviceError{Device: "microphone", Err: errors.New("source already started")}
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	frames := make(chan []byte, 8)
	go s.run(ctx, frames)
	return frames, nil
}

func (s *ReaderSource) run(ctx context.Context, frames chan<- []byte) {
	defer close(s.done)
	defer close(frames)
	size := FrameBytes(s.frame, s.rate)
	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(s.frame)
		defer ticker.Stop()
	}
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			if n%BytesPerSample != 0 {
				n--
			}
			select {
			case <-ctx.Done():
				return
			case frames <- buf[:n]:
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.setErr(&DeviceError{Device: "microphone", Err: err})
			}
			return
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// Done is closed once the reader is exhausted or the source is stopped.
func (s *ReaderSource) Done() <-chan struct{} { return s.done }

// Err reports a read failure after the frame channel closes.
func (s *ReaderSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ReaderSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *ReaderSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
