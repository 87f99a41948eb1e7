package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMalformedChunk is returned for chunks that are not whole PCM16 samples.
	ErrMalformedChunk = errors.New("malformed pcm chunk")
)

const (
	defaultShortWait = 10 * time.Millisecond
	defaultLongWait  = 100 * time.Millisecond
)

type PlayerConfig struct {
	Sink   Sink
	Format Format
	Logger *zap.Logger

	// OnSpeaking is called outside the queue lock whenever playback starts or
	// the drain loop goes idle. Calls are serialized and must not re-enter the
	// Player.
	OnSpeaking func(speaking bool)

	// ShortWait and LongWait form the idle debounce: the drain loop exits only
	// after the queue stays empty across both waits.
	ShortWait time.Duration
	LongWait  time.Duration
}

// Player is an ordered PCM queue drained by a single goroutine into an Output.
type Player struct {
	cfg    PlayerConfig
	logger *zap.Logger

	mu       sync.Mutex
	queue    [][]byte
	out      Output
	gen      uint64
	draining bool
	cancel   context.CancelFunc
	done     chan struct{}
	speaking bool
	failed   error

	notifyMu sync.Mutex
	notified bool
}

func NewPlayer(cfg PlayerConfig) *Player {
	if cfg.Sink == nil {
		cfg.Sink = DiscardSink{}
	}
	if cfg.Format.SampleRate <= 0 {
		cfg.Format = DefaultFormat
	}
	if cfg.ShortWait <= 0 {
		cfg.ShortWait = defaultShortWait
	}
	if cfg.LongWait <= 0 {
		cfg.LongWait = defaultLongWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Player{cfg: cfg, logger: logger.Named("playback")}
}

// Enqueue appends chunk to the tail of the queue, acquiring the output device
// and starting the drain loop when needed. A device failure is returned as a
// *DeviceError and sticks until Stop.
func (p *Player) Enqueue(chunk []byte) error {
	if len(chunk) == 0 || len(chunk)%BytesPerSample != 0 {
		p.logger.Warn("dropping malformed chunk", zap.Int("bytes", len(chunk)))
		return ErrMalformedChunk
	}

	p.mu.Lock()
	if p.failed != nil {
		err := p.failed
		p.mu.Unlock()
		return err
	}
	if p.out == nil {
		out, err := p.cfg.Sink.Open(p.cfg.Format)
		if err != nil {
			p.failed = &DeviceError{Device: "speaker", Err: err}
			p.mu.Unlock()
			return p.failed
		}
		p.out = out
	}
	p.queue = append(p.queue, chunk)

	startedSpeaking := false
	if !p.draining {
		ctx, cancel := context.WithCancel(context.Background())
		p.draining = true
		p.cancel = cancel
		p.done = make(chan struct{})
		go p.drain(ctx, p.gen, p.out, p.done)
		if !p.speaking {
			p.speaking = true
			startedSpeaking = true
		}
	}
	p.mu.Unlock()

	if startedSpeaking {
		p.notify()
	}
	return nil
}

func (p *Player) drain(ctx context.Context, gen uint64, out Output, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		if chunk, ok := p.pop(gen); ok {
			if _, err := out.Write(chunk); err != nil && ctx.Err() == nil {
				p.logger.Warn("speaker write failed", zap.Error(err))
			}
			continue
		}
		if !sleepCtx(ctx, p.cfg.ShortWait) {
			return
		}
		if p.Len() > 0 {
			continue
		}
		if !sleepCtx(ctx, p.cfg.LongWait) {
			return
		}

		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		if len(p.queue) > 0 {
			p.mu.Unlock()
			continue
		}
		p.draining = false
		wasSpeaking := p.speaking
		p.speaking = false
		p.mu.Unlock()
		if wasSpeaking {
			p.notify()
		}
		return
	}
}

func (p *Player) pop(gen uint64) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || len(p.queue) == 0 {
		return nil, false
	}
	chunk := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return chunk, true
}

// Stop cancels the drain loop, discards queued chunks and releases the output
// device. It is idempotent and safe to call while a chunk is being written.
func (p *Player) Stop() {
	p.mu.Lock()
	p.gen++
	cancel := p.cancel
	done := p.done
	out := p.out
	wasSpeaking := p.speaking
	p.cancel = nil
	p.done = nil
	p.out = nil
	p.queue = nil
	p.draining = false
	p.speaking = false
	p.failed = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if out != nil {
		if err := out.Close(); err != nil {
			p.logger.Warn("speaker close failed", zap.Error(err))
		}
	}
	if done != nil {
		<-done
	}
	if wasSpeaking {
		p.notify()
	}
}

// Drain waits for already-queued chunks to finish playing (or ctx to end)
// and then stops the player.
func (p *Player) Drain(ctx context.Context) {
	p.mu.Lock()
	done := p.done
	draining := p.draining
	p.mu.Unlock()
	if draining && done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	p.Stop()
}

// Len reports the number of queued chunks not yet written.
func (p *Player) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Speaking reports whether the drain loop is active.
func (p *Player) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// notify reports the current speaking state if it changed since the last
// report. A drain loop exiting can race a new Enqueue; reading the state under
// notifyMu keeps the last report in line with the queue.
func (p *Player) notify() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	p.mu.Lock()
	speaking := p.speaking
	p.mu.Unlock()
	if speaking == p.notified {
		return
	}
	p.notified = speaking
	if p.cfg.OnSpeaking != nil {
		p.cfg.OnSpeaking(speaking)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
