// Package realtime runs one live conversation with a streaming speech
// provider: it owns the WebSocket, forwards microphone audio and camera
// frames upstream, and turns provider events into playback and callbacks.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ent0n29/glasslive/internal/audio"
	"github.com/ent0n29/glasslive/internal/observability"
	"github.com/ent0n29/glasslive/internal/provider"
	"github.com/ent0n29/glasslive/internal/video"
	"github.com/ent0n29/glasslive/internal/vision"
	"github.com/ent0n29/glasslive/internal/wire"
)

const (
	DefaultIdleTimeout   = 60 * time.Second
	DefaultFrameInterval = 500 * time.Millisecond
	DefaultDrainTimeout  = 10 * time.Second

	writeTimeout    = 10 * time.Second
	maxMessageBytes = 16 << 20
)

// Options configures a Session. Codec, Endpoints.WSBaseURL,
// Endpoints.RealtimeModel and APIKey are required.
type Options struct {
	Codec         wire.Codec
	Endpoints     provider.Endpoints
	APIKey        string
	SessionConfig wire.SessionConfig

	// Vision describes frames for codecs without image support.
	Vision       vision.Analyzer
	VisionPrompt string

	Capture audio.Source
	Sink    audio.Sink
	Handler Handler
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Clock defaults to time.Now.
	Clock  func() time.Time
	Dialer *websocket.Dialer

	IdleTimeout   time.Duration
	PingInterval  time.Duration
	FrameInterval time.Duration
	DrainTimeout  time.Duration
}

// Session is safe for concurrent use. Handler callbacks must not call
// Disconnect.
type Session struct {
	opts     Options
	codec    wire.Codec
	handler  Handler
	logger   *zap.Logger
	metrics  *observability.Metrics
	provider string
	now      func() time.Time

	player    *audio.Player
	frames    video.Slot
	limiter   *rate.Limiter
	visionSem *semaphore.Weighted

	mu         sync.Mutex
	state      State
	lastError  string
	conn       *websocket.Conn
	connGen    uint64
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	recording  bool
	recCancel  context.CancelFunc
	recDone    chan struct{}
	transcript strings.Builder
	speaking   bool
	speechEnd  time.Time
	awaitAudio bool
	deviceErr  *audio.DeviceError

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New validates opts and returns an idle Session.
func New(opts Options) (*Session, error) {
	if opts.Codec == nil {
		return nil, &provider.ConfigurationError{Field: "codec", Reason: "must be set"}
	}
	if opts.Handler == nil {
		opts.Handler = HandlerFuncs{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = opts.IdleTimeout / 2
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}

	name := string(opts.Codec.Protocol())
	s := &Session{
		opts:      opts,
		codec:     opts.Codec,
		handler:   opts.Handler,
		logger:    opts.Logger.With(zap.String("protocol", name)),
		metrics:   opts.Metrics,
		provider:  name,
		now:       opts.Clock,
		limiter:   rate.NewLimiter(rate.Every(opts.FrameInterval), 1),
		visionSem: semaphore.NewWeighted(1),
	}
	s.player = audio.NewPlayer(audio.PlayerConfig{
		Sink:       opts.Sink,
		Format:     audio.DefaultFormat,
		Logger:     s.logger,
		OnSpeaking: s.setSpeaking,
	})
	return s, nil
}

// Connect dials the provider and negotiates the session. It is a no-op while
// connecting or connected. Configuration problems and dial failures are
// returned; dial failures are also reported through OnError. A Session that
// was disconnected, or lost its socket, returns ErrClosed.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateConnecting || s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.connGen++
	gen := s.connGen
	s.lastError = ""
	s.state = StateConnecting
	s.mu.Unlock()
	s.metrics.SessionEvent("state_" + StateConnecting.String())
	s.handler.OnStateChange(StateConnecting)

	started := s.now()
	conn, err := s.dial(ctx)
	if err == nil {
		err = s.negotiate(conn)
	}
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		s.failConnect(gen, err)
		return err
	}

	s.mu.Lock()
	if gen != s.connGen {
		// Disconnect ran while dialing.
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.ctx = sessCtx
	s.cancel = cancel
	s.wg.Add(2)
	s.mu.Unlock()

	go s.readLoop(sessCtx, conn, gen)
	go s.pingLoop(sessCtx, conn)

	s.metrics.SessionOpened()
	s.metrics.ObserveStage(observability.StageConnect, s.now().Sub(started))
	s.logger.Info("realtime session connected", zap.String("model", s.opts.Endpoints.RealtimeModel))
	s.setState(StateConnected)
	return nil
}

func (s *Session) validate() error {
	if strings.TrimSpace(s.opts.APIKey) == "" {
		return &provider.ConfigurationError{Field: "api_key", Reason: "must be set"}
	}
	if strings.TrimSpace(s.opts.Endpoints.WSBaseURL) == "" {
		return &provider.ConfigurationError{Field: "ws_base_url", Reason: "must be set"}
	}
	if strings.TrimSpace(s.opts.Endpoints.RealtimeModel) == "" {
		return &provider.ConfigurationError{Field: "realtime_model", Reason: "must be set"}
	}
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimSpace(s.opts.Endpoints.WSBaseURL))
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	q := u.Query()
	q.Set("model", s.opts.Endpoints.RealtimeModel)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+strings.TrimSpace(s.opts.APIKey))

	conn, resp, err := s.opts.Dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (http %d)", err, resp.StatusCode)
		}
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(maxMessageBytes)
	return conn, nil
}

// negotiate sends the session configuration before anything else.
func (s *Session) negotiate(conn *websocket.Conn) error {
	payload, err := s.codec.EncodeSessionConfig(s.opts.SessionConfig)
	if err != nil {
		return &ConnectionError{Op: "session.update", Err: err}
	}
	if err := s.writeTo(conn, payload, "session.update"); err != nil {
		return &ConnectionError{Op: "session.update", Err: err}
	}
	return nil
}

func (s *Session) failConnect(gen uint64, err error) {
	s.mu.Lock()
	stale := gen != s.connGen
	s.mu.Unlock()
	if stale {
		return
	}
	s.logger.Warn("realtime connect failed", zap.Error(err))
	s.metrics.ProviderError(s.provider, "connect")
	s.setState(StateIdle)
	s.handler.OnError(err)
}

// Disconnect stops capture and playback, closes the socket and waits for all
// session goroutines to exit. It is idempotent and valid from any state.
// The Session cannot be connected again afterwards.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closed = true
	s.connGen++
	conn := s.conn
	cancel := s.cancel
	prev := s.state
	s.conn = nil
	s.cancel = nil
	s.transcript.Reset()
	s.awaitAudio = false
	s.mu.Unlock()

	s.stopCapture()
	s.player.Stop()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	s.wg.Wait()

	if conn != nil {
		s.metrics.SessionClosed()
		s.logger.Info("realtime session disconnected")
	}
	if prev != StateIdle {
		s.setState(StateIdle)
	}
}

// UpdateVideoFrame replaces the pending camera frame. Frames are never
// queued; only the most recent one is sent.
func (s *Session) UpdateVideoFrame(img image.Image) {
	s.frames.Put(img)
}

// CreateResponse asks the provider to respond now. Needed only when server
// VAD is disabled.
func (s *Session) CreateResponse() error {
	payload, err := s.codec.EncodeResponseCreate()
	if err != nil {
		return err
	}
	return s.write(payload, "response.create")
}

// Snapshot is a point-in-time view of a Session.
type Snapshot struct {
	State     State
	LastError string
	Recording bool
	Speaking  bool
	Protocol  wire.Protocol
	Queued    int
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:     s.state,
		LastError: s.lastError,
		Recording: s.recording,
		Speaking:  s.speaking,
		Protocol:  s.codec.Protocol(),
		Queued:    s.player.Len(),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.metrics.SessionEvent("state_" + next.String())
	s.handler.OnStateChange(next)
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
	s.setState(StateError)
}

func (s *Session) setSpeaking(v bool) {
	s.mu.Lock()
	if s.speaking == v {
		s.mu.Unlock()
		return
	}
	s.speaking = v
	s.mu.Unlock()
	s.handler.OnSpeaking(v)
}

func (s *Session) write(payload []byte, msgType string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := s.writeTo(conn, payload, msgType); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

func (s *Session) writeTo(conn *websocket.Conn, payload []byte, msgType string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	s.metrics.Message("outbound", msgType)
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	defer s.wg.Done()

	idle := s.opts.IdleTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleSocketClosed(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if ctx.Err() != nil {
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("realtime ping failed", zap.Error(err))
				return
			}
		}
	}
}

// handleSocketClosed tears down after an unexpected close: playback already
// queued is allowed to finish, then the session returns to Idle.
func (s *Session) handleSocketClosed(gen uint64, readErr error) {
	s.mu.Lock()
	if gen != s.connGen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	cancel := s.cancel
	s.closed = true
	s.conn = nil
	s.cancel = nil
	s.transcript.Reset()
	s.awaitAudio = false
	s.mu.Unlock()

	cancel()
	_ = conn.Close()
	s.stopCapture()

	drainCtx, stop := context.WithTimeout(context.Background(), s.opts.DrainTimeout)
	s.player.Drain(drainCtx)
	stop()

	err := &ConnectionError{Op: "read", Err: readErr}
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure) {
		s.logger.Info("realtime socket closed by provider")
	} else {
		s.logger.Warn("realtime socket closed", zap.Error(readErr))
	}
	s.metrics.SessionClosed()
	s.metrics.ProviderError(s.provider, "socket_closed")

	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
	s.handler.OnError(err)
	s.setState(StateIdle)
}

func (s *Session) sessionContext() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.ctx == nil {
		return nil, false
	}
	return s.ctx, true
}

func isClosedErr(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, websocket.ErrCloseSent)
}
