package audio

import (
	"errors"
	"io"
	"sync"
)

// Output is an opened speaker. Write may block for roughly the playback time
// of p, which is the only backpressure the playback queue relies on.
type Output interface {
	Write(p []byte) (int, error)
	Close() error
}

// Sink acquires an Output for a given PCM format.
type Sink interface {
	Open(f Format) (Output, error)
}

// WriterSink plays into an io.Writer (a pipe to aplay, a socket, a buffer).
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Open(Format) (Output, error) {
	if s.W == nil {
		return nil, errors.New("no writer configured")
	}
	return &writerOutput{w: s.W}, nil
}

type writerOutput struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func (o *writerOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, io.ErrClosedPipe
	}
	return o.w.Write(p)
}

func (o *writerOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

// DiscardSink accepts and drops all audio.
type DiscardSink struct{}

func (DiscardSink) Open(Format) (Output, error) { return WriterSink{W: io.Discard}.Open(DefaultFormat) }

// WAVFileSink collects everything played during its lifetime and rewrites the
// WAV file at Path each time an output is closed.
type WAVFileSink struct {
	Path string

	mu  sync.Mutex
	pcm []byte
}

func (s *WAVFileSink) Open(f Format) (Output, error) {
	if s.Path == "" {
		return nil, errors.New("wav sink path is empty")
	}
	rate := f.SampleRate
	return &wavOutput{sink: s, rate: rate}, nil
}

// PCM returns a copy of the audio collected so far.
func (s *WAVFileSink) PCM() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.pcm...)
}

type wavOutput struct {
	sink *WAVFileSink
	rate int
}

func (o *wavOutput) Write(p []byte) (int, error) {
	o.sink.mu.Lock()
	o.sink.pcm = append(o.sink.pcm, p...)
	o.sink.mu.Unlock()
	return len(p), nil
}

func (o *wavOutput) Close() error {
	pcm := o.sink.PCM()
	return WriteWAVPCM16LEFile(o.sink.Path, pcm, o.rate)
}
