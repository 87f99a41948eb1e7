package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/glasslive/internal/audio"
)

// fakeProvider is an in-process realtime endpoint that records every client
// message and lets the test push server events.
type fakeProvider struct {
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	received []map[string]any
	header   http.Header
	query    string
	closed   bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	f := &fakeProvider{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.header = r.Header.Clone()
		f.query = r.URL.RawQuery
		f.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				f.mu.Lock()
				f.closed = true
				f.mu.Unlock()
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				f.mu.Lock()
				f.received = append(f.received, msg)
				f.mu.Unlock()
			}
		}
	}))
	t.Cleanup(func() {
		f.dropConnection()
		f.srv.Close()
	})
	return f
}

func (f *fakeProvider) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/realtime"
}

func (f *fakeProvider) send(t *testing.T, event string) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(t, conn, "no client connected")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(event)))
}

func (f *fakeProvider) sendAudio(t *testing.T, typ string, pcm []byte) {
	t.Helper()
	f.send(t, fmt.Sprintf(`{"type":%q,"delta":%q}`, typ, base64.StdEncoding.EncodeToString(pcm)))
}

// dropConnection closes the socket without a close handshake.
func (f *fakeProvider) dropConnection() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (f *fakeProvider) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.received))
	for _, m := range f.received {
		s, _ := m["type"].(string)
		out = append(out, s)
	}
	return out
}

func (f *fakeProvider) messages(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.received {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeProvider) count(typ string) int { return len(f.messages(typ)) }

func (f *fakeProvider) clientClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recorder is a Handler that logs callbacks as strings.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error

	onSpeechStarted func()
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) OnStateChange(s State) { r.add("state:" + s.String()) }
func (r *recorder) OnSpeechStarted() {
	if r.onSpeechStarted != nil {
		r.onSpeechStarted()
	}
	r.add("speech_started")
}
func (r *recorder) OnSpeechStopped() { r.add("speech_stopped") }
func (r *recorder) OnTranscriptDelta(t string) { r.add("delta:" + t) }
func (r *recorder) OnTranscriptDone(t string) { r.add("done:" + t) }
func (r *recorder) OnUserTranscript(t string) { r.add("user:" + t) }
func (r *recorder) OnSpeaking(speaking bool) { r.add(fmt.Sprintf("speaking:%v", speaking)) }
func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.add("error")
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) has(e string) bool {
	for _, got := range r.snapshot() {
		if got == e {
			return true
		}
	}
	return false
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// filter keeps events with one of the given prefixes.
func (r *recorder) filter(prefixes ...string) []string {
	var out []string
	for _, e := range r.snapshot() {
		for _, p := range prefixes {
			if strings.HasPrefix(e, p) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// captureSink collects played PCM. With gate set, each write waits for the
// gate or for the output to close.
type captureSink struct {
	gate chan struct{}

	mu      sync.Mutex
	pcm     []byte
	writes  int
	opened  int
	closers int
}

func (c *captureSink) Open(audio.Format) (audio.Output, error) {
	c.mu.Lock()
	c.opened++
	c.mu.Unlock()
	return &captureOutput{sink: c, closed: make(chan struct{})}, nil
}

func (c *captureSink) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.pcm...)
}

func (c *captureSink) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

type captureOutput struct {
	sink      *captureSink
	closed    chan struct{}
	closeOnce sync.Once
}

func (o *captureOutput) Write(p []byte) (int, error) {
	o.sink.mu.Lock()
	o.sink.writes++
	o.sink.mu.Unlock()
	if o.sink.gate != nil {
		select {
		case <-o.sink.gate:
		case <-o.closed:
			return 0, fmt.Errorf("output closed")
		}
	}
	o.sink.mu.Lock()
	o.sink.pcm = append(o.sink.pcm, p...)
	o.sink.mu.Unlock()
	return len(p), nil
}

func (o *captureOutput) Close() error {
	o.closeOnce.Do(func() {
		close(o.closed)
		o.sink.mu.Lock()
		o.sink.closers++
		o.sink.mu.Unlock()
	})
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 16, 16))
}

func pcmOf(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func eventually(t *testing.T, cond func() bool, msg string, args ...any) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, append([]any{msg}, args...)...)
}
