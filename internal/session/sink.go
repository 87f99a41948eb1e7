package session

import (
	"io"
	"sync"
	"time"

	"github.com/ent0n29/glasslive/internal/audio"
	"github.com/ent0n29/glasslive/internal/protocol"
)

// eventSink plays reply audio into the session's event stream. Each Write
// blocks for the chunk's playback time so barge-in drops what the client has
// not received yet.
type eventSink struct {
	live *Live
	// pace defaults to audio.Duration.
	pace func(n int) time.Duration
}

func (s eventSink) Open(f audio.Format) (audio.Output, error) {
	rate := f.SampleRate
	if rate <= 0 {
		rate = audio.SampleRate
	}
	pace := s.pace
	if pace == nil {
		pace = func(n int) time.Duration { return audio.Duration(n, rate) }
	}
	return &eventOutput{live: s.live, pace: pace, done: make(chan struct{})}, nil
}

type eventOutput struct {
	live *Live
	pace func(n int) time.Duration

	once sync.Once
	done chan struct{}
}

func (o *eventOutput) Write(p []byte) (int, error) {
	select {
	case <-o.done:
		return 0, io.ErrClosedPipe
	default:
	}
	chunk := append([]byte(nil), p...)
	o.live.events.publish(protocol.NewAssistantAudio(o.live.ID, chunk))

	t := time.NewTimer(o.pace(len(p)))
	defer t.Stop()
	select {
	case <-t.C:
	case <-o.done:
	}
	return len(p), nil
}

func (o *eventOutput) Close() error {
	o.once.Do(func() { close(o.done) })
	return nil
}
