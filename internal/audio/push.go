package audio

import (
	"context"
	"errors"
	"sync"
)

// PushSource is a Source fed by Push, for microphones that live on a remote
// client. Unlike ReaderSource it can be started again after Close.
type PushSource struct {
	buffer int

	mu      sync.Mutex
	ch      chan []byte
	dropped int
}

// NewPushSource buffers up to buffer frames per capture; Push drops frames
// beyond that.
func NewPushSource(buffer int) *PushSource {
	if buffer <= 0 {
		buffer = 32
	}
	return &PushSource{buffer: buffer}
}

func (p *PushSource) Start(ctx context.Context) (<-chan []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		return nil, &DeviceError{Device: "microphone", Err: errors.New("capture already running")}
	}
	ch := make(chan []byte, p.buffer)
	p.ch = ch
	go func() {
		<-ctx.Done()
		p.stop(ch)
	}()
	return ch, nil
}

// Push hands one frame to the running capture. It reports false when no
// capture is running or the buffer is full.
func (p *PushSource) Push(pcm []byte) bool {
	if len(pcm) == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return false
	}
	select {
	case p.ch <- pcm:
		return true
	default:
		p.dropped++
		return false
	}
}

// Active reports whether a capture is running.
func (p *PushSource) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch != nil
}

// Dropped reports frames lost to a full buffer.
func (p *PushSource) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close ends the running capture, if any.
func (p *PushSource) Close() error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch != nil {
		p.stop(ch)
	}
	return nil
}

func (p *PushSource) stop(ch chan []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != ch {
		return
	}
	p.ch = nil
	close(ch)
}
