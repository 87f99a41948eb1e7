package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/glasslive/internal/config"
	"github.com/ent0n29/glasslive/internal/observability"
	"github.com/ent0n29/glasslive/internal/protocol"
	"github.com/ent0n29/glasslive/internal/provider"
	"github.com/ent0n29/glasslive/internal/realtime"
	"github.com/ent0n29/glasslive/internal/session"
	"github.com/ent0n29/glasslive/internal/video"
	"github.com/ent0n29/glasslive/internal/vision"
)

const (
	maxFrameBytes  = 8 << 20
	wsIdleTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// Recognizer runs one-shot frame descriptions.
type Recognizer interface {
	Recognize(ctx context.Context, frames video.FrameSource, speaker vision.Speaker, prompt string) (string, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	quick    Recognizer
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New builds the control API. quick may be nil when no vision endpoint is
// configured.
func New(cfg config.Config, sessions *session.Manager, quick Recognizer, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowAny := cfg.Server.AllowAnyOrigin
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		quick:    quick,
		metrics:  metrics,
		logger:   logger.Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless explicitly allowed.
				if allowAny {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Native glasses clients omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfReset)

	r.Route("/v1/live/session", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleEndSession)
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Post("/start", s.handleStartRecording)
			r.Post("/stop", s.handleStopRecording)
			r.Post("/vision", s.handleVision)
			r.Post("/respond", s.handleRespond)
			r.Put("/frame", s.handleFrame)
			r.Get("/events", s.handleEventsWS)
		})
	})
	r.Post("/v1/vision/quick", s.handleQuickVision)
	r.Get("/v1/history", s.handleListHistory)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"provider":        s.cfg.Provider.ID,
		"api_key_set":     s.cfg.Provider.APIKey != "",
		"quick_vision":    s.quick != nil,
		"history_backend": s.cfg.History.Driver,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	live, err := s.sessions.Create(req)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	s.metrics.SessionEvent("created")
	respondJSON(w, http.StatusCreated, live.Info())
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	convs, err := s.sessions.Conversations(r.Context(), limit)
	if err != nil {
		if errors.Is(err, session.ErrHistoryDisabled) {
			respondError(w, http.StatusNotImplemented, "history_disabled", err.Error())
			return
		}
		s.logger.Warn("history listing failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	live, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, live.Info())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvent("ended")
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	live, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := live.Session().Connect(r.Context()); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, live.Info())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	live, ok := s.lookup(w, r)
	if !ok {
		return
	}
	live.Session().Disconnect()
	respondJSON(w, http.StatusOK, live.Info())
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	live, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if live.Session().State() == realtime.StateIdle {
		respondError(w, http.StatusConflict, "not_connected", realtime.ErrNotConnected.Error())
		return
	}
	if err := live.Session().StartRecording(r.Context()); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, live.Info())
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	live, ok := s.lookup(w, r)
	if !ok {
		return
	}
	live.Session().StopRecording()
	respondJSON(w, http.StatusOK, live.Info())
}

func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	live, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := live.Session().RequestVisionAnalysis(); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, live.Info())
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	live, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := live.Session().CreateResponse(); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, live.Info())
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	live, ok := s.lookup(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_frame", err.Error())
		return
	}
	if len(data) > maxFrameBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "frame_too_large", "frame exceeds 8 MiB")
		return
	}
	img, err := video.Decode(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_frame", err.Error())
		return
	}
	live.Touch()
	live.Session().UpdateVideoFrame(img)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuickVision(w http.ResponseWriter, r *http.Request) {
	if s.quick == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "vision endpoint not configured")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes+1))
	if err != nil || len(data) == 0 || len(data) > maxFrameBytes {
		respondError(w, http.StatusBadRequest, "invalid_frame", "request body must be a JPEG or PNG image up to 8 MiB")
		return
	}
	img, err := video.Decode(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_frame", err.Error())
		return
	}

	lang := r.URL.Query().Get("language")
	if lang == "" {
		lang = s.cfg.Provider.Language
	}
	prompt := s.cfg.Vision.Prompt
	if prompt == "" {
		prompt = provider.QuickVisionPrompt(lang)
	}

	var slot video.Slot
	slot.Put(img)
	text, err := s.quick.Recognize(r.Context(), &slot, nil, prompt)
	if err != nil {
		var apiErr *vision.APIError
		if errors.As(err, &apiErr) {
			respondError(w, http.StatusBadGateway, "vision_upstream", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "vision_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"description": text, "language": provider.NormalizeLanguage(lang)})
}

// handleEventsWS streams session events to the client and accepts client
// audio, frames and controls on the same socket.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	live, ok := s.lookup(w, r)
	if !ok {
		return
	}

	// Subscribe before the upgrade completes so no event published after the
	// handshake is missed.
	events, unsubscribe := live.Subscribe()
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	local := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ping := time.NewTicker(wsIdleTimeout / 3)
		defer ping.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
				continue
			case ev, ok := <-events:
				if !ok {
					closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
					if live.Info().Status == session.StatusActive && ctx.Err() == nil {
						closeMsg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event stream fell behind")
					}
					_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
					_ = conn.SetReadDeadline(time.Now().Add(time.Second))
					return
				}
				msg = ev
			case msg = <-local:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.Message("ui_outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(maxFrameBytes * 2)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	reportErr := func(code, detail string) {
		select {
		case local <- protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: live.ID,
			Code:      code,
			Source:    "gateway",
			Detail:    detail,
			TSMs:      time.Now().UnixMilli(),
		}:
		default:
		}
	}

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			reportErr("invalid_client_message", err.Error())
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.Message("ui_inbound", string(t))
		}
		if err := s.applyClientMessage(ctx, live, parsed); err != nil {
			reportErr("client_message_rejected", err.Error())
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) applyClientMessage(ctx context.Context, live *session.Live, msg any) error {
	sess := live.Session()
	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		pcm, err := m.PCM()
		if err != nil {
			return err
		}
		if !live.PushAudio(pcm) {
			s.metrics.DecodeDrop("client", "audio_not_recording")
		}
	case protocol.ClientFrame:
		data, err := base64.StdEncoding.DecodeString(m.ImageBase64)
		if err != nil {
			return err
		}
		img, err := video.Decode(data)
		if err != nil {
			return err
		}
		live.Touch()
		sess.UpdateVideoFrame(img)
	case protocol.ClientControl:
		live.Touch()
		switch m.Action {
		case protocol.ActionStart:
			return sess.StartRecording(ctx)
		case protocol.ActionStop:
			sess.StopRecording()
		case protocol.ActionVision:
			return sess.RequestVisionAnalysis()
		case protocol.ActionRespond:
			return sess.CreateResponse()
		case protocol.ActionDisconnect:
			sess.Disconnect()
		}
	}
	return nil
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Live, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	live, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	live.Touch()
	return live, true
}

// respondSessionError maps session errors onto HTTP statuses.
func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	var (
		cfgErr  *provider.ConfigurationError
		connErr *realtime.ConnectionError
	)
	switch {
	case errors.As(err, &cfgErr):
		respondError(w, http.StatusBadRequest, "invalid_configuration", err.Error())
	case errors.As(err, &connErr):
		respondError(w, http.StatusBadGateway, "connection_failed", err.Error())
	case errors.Is(err, realtime.ErrNotConnected):
		respondError(w, http.StatusConflict, "not_connected", err.Error())
	case errors.Is(err, realtime.ErrClosed):
		respondError(w, http.StatusConflict, "session_closed", err.Error())
	case errors.Is(err, video.ErrNoFrame):
		respondError(w, http.StatusConflict, "no_frame", err.Error())
	case errors.Is(err, realtime.ErrVisionBusy):
		respondError(w, http.StatusTooManyRequests, "vision_busy", err.Error())
	case errors.Is(err, realtime.ErrNoVision):
		respondError(w, http.StatusNotImplemented, "vision_unavailable", err.Error())
	default:
		s.logger.Warn("session request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientFrame:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.StateChanged:
		return m.Type, true
	case protocol.SpeechEvent:
		return m.Type, true
	case protocol.TranscriptEvent:
		return m.Type, true
	case protocol.SpeakingEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.AssistantAudio:
		return m.Type, true
	default:
		return "", false
	}
}
