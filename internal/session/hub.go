package session

import (
	"sync"

	"github.com/ent0n29/glasslive/internal/protocol"
)

const subscriberBuffer = 64

// hub fans session events out to subscribers without blocking the session.
// A full subscriber loses reply audio chunks; any other event it cannot take
// evicts it, closing its channel, since state and transcript events cannot be
// recovered from later ones.
type hub struct {
	mu        sync.Mutex
	subs      map[chan any]struct{}
	closed    bool
	drops     int
	evictions int
}

func newHub() *hub {
	return &hub{subs: make(map[chan any]struct{})}
}

func (h *hub) subscribe() (<-chan any, func()) {
	ch := make(chan any, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(ev any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, lossy := ev.(protocol.AssistantAudio)
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			if lossy {
				h.drops++
				continue
			}
			delete(h.subs, ch)
			close(ch)
			h.evictions++
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}

func (h *hub) evicted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evictions
}

func (h *hub) dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drops
}
