package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/glasslive/internal/audio"
	"github.com/ent0n29/glasslive/internal/config"
	"github.com/ent0n29/glasslive/internal/history"
	"github.com/ent0n29/glasslive/internal/observability"
	"github.com/ent0n29/glasslive/internal/protocol"
	"github.com/ent0n29/glasslive/internal/provider"
	"github.com/ent0n29/glasslive/internal/realtime"
	"github.com/ent0n29/glasslive/internal/session"
	"github.com/ent0n29/glasslive/internal/video"
	"github.com/ent0n29/glasslive/internal/vision"
	"github.com/ent0n29/glasslive/internal/wire"
)

// upstream is a minimal realtime endpoint that accepts one socket and lets
// the test push provider events.
type upstream struct {
	srv  *httptest.Server
	mu   sync.Mutex
	conn *websocket.Conn
	seen []string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	upgrader := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.mu.Lock()
		u.conn = conn
		u.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &env) == nil {
				u.mu.Lock()
				u.seen = append(u.seen, env.Type)
				u.mu.Unlock()
			}
		}
	}))
	t.Cleanup(func() {
		u.mu.Lock()
		if u.conn != nil {
			_ = u.conn.Close()
		}
		u.mu.Unlock()
		u.srv.Close()
	})
	return u
}

func (u *upstream) wsURL() string { return "ws" + strings.TrimPrefix(u.srv.URL, "http") }

func (u *upstream) send(t *testing.T, v any) {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		t.Fatalf("upstream has no client connection")
	}
	if err := u.conn.WriteJSON(v); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
}

func (u *upstream) types() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.seen...)
}

type testBuilder struct {
	wsURL string
}

func (b testBuilder) Resolve(req session.CreateRequest) (provider.Resolved, error) {
	s := provider.Settings{
		Provider: provider.ID(req.Provider),
		APIKey:   "sk-test",
		Language: req.Language,
	}
	if req.Provider == "" {
		s.Provider = provider.AlibabaCloud
	}
	if req.Provider == "broken" {
		return provider.Resolved{}, &provider.ConfigurationError{Field: "provider", Reason: "unknown"}
	}
	r, err := provider.Resolve(s)
	if err != nil {
		return r, err
	}
	if b.wsURL != "" {
		r.Endpoints.WSBaseURL = b.wsURL
	}
	return r, nil
}

func (testBuilder) NewSession(r provider.Resolved, h realtime.Handler, capture audio.Source, sink audio.Sink, logger *zap.Logger) (*realtime.Session, error) {
	codec, err := wire.ForProtocol(r.Protocol)
	if err != nil {
		return nil, err
	}
	return realtime.New(realtime.Options{
		Codec:         codec,
		Endpoints:     r.Endpoints,
		APIKey:        r.APIKey,
		SessionConfig: r.SessionConfig(),
		Capture:       capture,
		Sink:          sink,
		Handler:       h,
		Logger:        logger,
	})
}

type stubRecognizer struct {
	text   string
	err    error
	prompt string
}

func (s *stubRecognizer) Recognize(_ context.Context, frames video.FrameSource, _ vision.Speaker, prompt string) (string, error) {
	s.prompt = prompt
	if _, ok := frames.LatestFrame(); !ok {
		return "", video.ErrNoFrame
	}
	return s.text, s.err
}

func newTestServer(t *testing.T, wsURL string, quick Recognizer) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{}
	cfg.Provider.ID = "alibaba_cloud"
	cfg.Provider.Language = "en-US"
	sessions := session.NewManager(session.Options{Builder: testBuilder{wsURL: wsURL}, InactivityTimeout: time.Minute})
	t.Cleanup(sessions.Close)
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	srv := New(cfg, sessions, quick, metrics, zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func doJSON(t *testing.T, method, url string, body []byte, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	if out != nil && res.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return res.StatusCode
}

func createSession(t *testing.T, ts *httptest.Server, body string) session.Info {
	t.Helper()
	var info session.Info
	if code := doJSON(t, http.MethodPost, ts.URL+"/v1/live/session", []byte(body), &info); code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", code, http.StatusCreated)
	}
	if info.SessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", info)
	}
	return info
}

func pngFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func TestCreateGetListAndEndSession(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)

	info := createSession(t, ts, "")
	if info.Provider != "alibaba_cloud" || info.State != "idle" || info.Status != session.StatusActive {
		t.Fatalf("unexpected create response: %+v", info)
	}

	var got session.Info
	if code := doJSON(t, http.MethodGet, ts.URL+"/v1/live/session/"+info.SessionID, nil, &got); code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", code, http.StatusOK)
	}
	if got.SessionID != info.SessionID {
		t.Fatalf("get session_id = %q, want %q", got.SessionID, info.SessionID)
	}

	var list struct {
		Sessions []session.Info `json:"sessions"`
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/v1/live/session", nil, &list); code != http.StatusOK || len(list.Sessions) != 1 {
		t.Fatalf("list status = %d sessions = %d, want 200 and 1", code, len(list.Sessions))
	}

	var ended session.Info
	if code := doJSON(t, http.MethodDelete, ts.URL+"/v1/live/session/"+info.SessionID, nil, &ended); code != http.StatusOK {
		t.Fatalf("end status = %d, want %d", code, http.StatusOK)
	}
	if ended.Status != session.StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, session.StatusEnded)
	}

	var errBody errorResponse
	if code := doJSON(t, http.MethodGet, ts.URL+"/v1/live/session/"+info.SessionID, nil, &errBody); code != http.StatusNotFound {
		t.Fatalf("get after end status = %d, want %d", code, http.StatusNotFound)
	}
	if errBody.Code != "session_not_found" {
		t.Fatalf("error code = %q, want session_not_found", errBody.Code)
	}
}

func TestCreateSessionRejectsBadConfiguration(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)

	var errBody errorResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/live/session", []byte(`{"provider":"broken"}`), &errBody)
	if code != http.StatusBadRequest || errBody.Code != "invalid_configuration" {
		t.Fatalf("create = %d %q, want 400 invalid_configuration", code, errBody.Code)
	}

	code = doJSON(t, http.MethodPost, ts.URL+"/v1/live/session", []byte(`{"provider":`), &errBody)
	if code != http.StatusBadRequest || errBody.Code != "invalid_request" {
		t.Fatalf("create with bad JSON = %d %q, want 400 invalid_request", code, errBody.Code)
	}
}

func TestSessionActionsRequireConnection(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)
	info := createSession(t, ts, "")
	base := ts.URL + "/v1/live/session/" + info.SessionID

	var errBody errorResponse
	if code := doJSON(t, http.MethodPost, base+"/start", nil, &errBody); code != http.StatusConflict || errBody.Code != "not_connected" {
		t.Fatalf("start = %d %q, want 409 not_connected", code, errBody.Code)
	}
	if code := doJSON(t, http.MethodPost, base+"/vision", nil, &errBody); code != http.StatusConflict || errBody.Code != "no_frame" {
		t.Fatalf("vision without frame = %d %q, want 409 no_frame", code, errBody.Code)
	}

	if code := doJSON(t, http.MethodPut, base+"/frame", pngFrame(t), nil); code != http.StatusNoContent {
		t.Fatalf("frame status = %d, want %d", code, http.StatusNoContent)
	}
	if code := doJSON(t, http.MethodPost, base+"/vision", nil, &errBody); code != http.StatusConflict || errBody.Code != "not_connected" {
		t.Fatalf("vision while idle = %d %q, want 409 not_connected", code, errBody.Code)
	}
	if code := doJSON(t, http.MethodPost, base+"/respond", nil, &errBody); code != http.StatusConflict {
		t.Fatalf("respond while idle = %d, want 409", code)
	}
	if code := doJSON(t, http.MethodPut, base+"/frame", []byte("not an image"), &errBody); code != http.StatusBadRequest || errBody.Code != "invalid_frame" {
		t.Fatalf("bad frame = %d %q, want 400 invalid_frame", code, errBody.Code)
	}
}

func TestConnectFailureMapsToBadGateway(t *testing.T) {
	ts, _ := newTestServer(t, "ws://127.0.0.1:1/unreachable", nil)
	info := createSession(t, ts, "")

	var errBody errorResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/live/session/"+info.SessionID+"/connect", nil, &errBody)
	if code != http.StatusBadGateway || errBody.Code != "connection_failed" {
		t.Fatalf("connect = %d %q, want 502 connection_failed", code, errBody.Code)
	}
}

func TestConnectAfterDisconnectConflicts(t *testing.T) {
	up := newUpstream(t)
	ts, _ := newTestServer(t, up.wsURL(), nil)
	info := createSession(t, ts, "")
	base := ts.URL + "/v1/live/session/" + info.SessionID

	if code := doJSON(t, http.MethodPost, base+"/connect", nil, nil); code != http.StatusOK {
		t.Fatalf("connect status = %d, want %d", code, http.StatusOK)
	}
	if code := doJSON(t, http.MethodPost, base+"/disconnect", nil, nil); code != http.StatusOK {
		t.Fatalf("disconnect status = %d, want %d", code, http.StatusOK)
	}

	var errBody errorResponse
	code := doJSON(t, http.MethodPost, base+"/connect", nil, &errBody)
	if code != http.StatusConflict || errBody.Code != "session_closed" {
		t.Fatalf("reconnect = %d %q, want 409 session_closed", code, errBody.Code)
	}
}

func TestConnectRecordAndEventStream(t *testing.T) {
	up := newUpstream(t)
	ts, _ := newTestServer(t, up.wsURL(), nil)
	info := createSession(t, ts, "")
	base := ts.URL + "/v1/live/session/" + info.SessionID

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()

	var connected session.Info
	if code := doJSON(t, http.MethodPost, base+"/connect", nil, &connected); code != http.StatusOK {
		t.Fatalf("connect status = %d, want %d", code, http.StatusOK)
	}
	if connected.State != "connected" {
		t.Fatalf("state after connect = %q, want connected", connected.State)
	}

	readEvent := func(want protocol.MessageType) map[string]any {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			_ = conn.SetReadDeadline(deadline)
			var ev map[string]any
			if err := conn.ReadJSON(&ev); err != nil {
				t.Fatalf("waiting for %q: %v", want, err)
			}
			if ev["type"] == string(want) {
				return ev
			}
		}
	}

	state := readEvent(protocol.TypeStateChanged)
	if state["session_id"] != info.SessionID {
		t.Fatalf("state event session_id = %v, want %s", state["session_id"], info.SessionID)
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "action": "start"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	pcm := base64.StdEncoding.EncodeToString(make([]byte, audio.FrameBytes(audio.DefaultFrameDuration, audio.SampleRate)))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := conn.WriteJSON(map[string]any{"type": "client_audio_chunk", "pcm16_base64": pcm, "sample_rate": 24000}); err != nil {
			t.Fatalf("write audio: %v", err)
		}
		found := false
		for _, typ := range up.types() {
			if typ == "input_audio_buffer.append" {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("upstream never received audio; saw %v", up.types())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := up.types(); len(got) == 0 || got[0] != "session.update" {
		t.Fatalf("first upstream message = %v, want session.update", got)
	}

	up.send(t, map[string]any{"type": "input_audio_buffer.speech_started"})
	readEvent(protocol.TypeSpeechStarted)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	errEv := readEvent(protocol.TypeErrorEvent)
	if errEv["code"] != "invalid_client_message" {
		t.Fatalf("error event code = %v, want invalid_client_message", errEv["code"])
	}

	var stopped session.Info
	if code := doJSON(t, http.MethodPost, base+"/stop", nil, &stopped); code != http.StatusOK {
		t.Fatalf("stop status = %d, want %d", code, http.StatusOK)
	}
	if stopped.Recording {
		t.Fatalf("recording should be false after stop: %+v", stopped)
	}

	var ended session.Info
	if code := doJSON(t, http.MethodDelete, base, nil, &ended); code != http.StatusOK {
		t.Fatalf("end status = %d, want %d", code, http.StatusOK)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
				t.Fatalf("event stream close = %v, want normal closure", err)
			}
			break
		}
	}
}

func TestQuickVision(t *testing.T) {
	rec := &stubRecognizer{text: "A red diagonal line."}
	ts, _ := newTestServer(t, "", rec)

	var out struct {
		Description string `json:"description"`
		Language    string `json:"language"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/vision/quick?language=zh", pngFrame(t), &out)
	if code != http.StatusOK {
		t.Fatalf("quick vision status = %d, want %d", code, http.StatusOK)
	}
	if out.Description != rec.text || out.Language != "zh-CN" {
		t.Fatalf("unexpected quick vision response: %+v", out)
	}
	if rec.prompt != provider.QuickVisionPrompt("zh-CN") {
		t.Fatalf("prompt = %q, want the zh-CN quick prompt", rec.prompt)
	}

	rec.err = &vision.APIError{Status: http.StatusTooManyRequests, Body: "slow down"}
	var errBody errorResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/v1/vision/quick", pngFrame(t), &errBody); code != http.StatusBadGateway || errBody.Code != "vision_upstream" {
		t.Fatalf("quick vision upstream failure = %d %q, want 502 vision_upstream", code, errBody.Code)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/v1/vision/quick", nil, &errBody); code != http.StatusBadRequest {
		t.Fatalf("empty quick vision = %d, want 400", code)
	}
}

func TestQuickVisionUnavailable(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)
	var errBody errorResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/v1/vision/quick", pngFrame(t), &errBody); code != http.StatusNotImplemented {
		t.Fatalf("quick vision without recognizer = %d, want 501", code)
	}
}

func TestHealthMetricsAndPerf(t *testing.T) {
	ts, sessions := newTestServer(t, "", nil)
	if _, err := sessions.Create(session.CreateRequest{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var health map[string]any
	if code := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, &health); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if health["active_sessions"] != float64(1) {
		t.Fatalf("active_sessions = %v, want 1", health["active_sessions"])
	}

	var perf observability.StageSnapshot
	if code := doJSON(t, http.MethodGet, ts.URL+"/v1/perf/latency", nil, &perf); code != http.StatusOK {
		t.Fatalf("perf status = %d", code)
	}
	if code := doJSON(t, http.MethodDelete, ts.URL+"/v1/perf/latency", nil, nil); code != http.StatusNoContent {
		t.Fatalf("perf reset status = %d", code)
	}

	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", res.StatusCode)
	}
}

func TestEventsOriginCheck(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)
	info := createSession(t, ts, "")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live/session/" + info.SessionID + "/events"

	headers := http.Header{}
	headers.Set("Origin", "https://evil.example")
	if _, res, err := websocket.DefaultDialer.Dial(wsURL, headers); err == nil {
		t.Fatalf("cross-origin dial should fail")
	} else if res != nil && res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin status = %d, want 403", res.StatusCode)
	}
}

func TestListHistory(t *testing.T) {
	store := history.NewInMemoryStore()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, text := range []string{"what is this", "read the sign"} {
		err := store.SaveConversation(context.Background(), history.Conversation{
			SessionID: fmt.Sprintf("s%d", i),
			Provider:  "alibaba_cloud",
			StartedAt: started.Add(time.Duration(i) * time.Hour),
			EndedAt:   started.Add(time.Duration(i)*time.Hour + time.Minute),
			Turns:     []history.Turn{{Role: history.RoleUser, Content: text}},
		})
		if err != nil {
			t.Fatalf("SaveConversation() error = %v", err)
		}
	}

	sessions := session.NewManager(session.Options{Builder: testBuilder{}, History: store})
	t.Cleanup(sessions.Close)
	srv := New(config.Config{}, sessions, nil, observability.NewMetrics("test_history", prometheus.NewRegistry()), zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var out struct {
		Conversations []history.Conversation `json:"conversations"`
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/v1/history?limit=1", nil, &out); code != http.StatusOK {
		t.Fatalf("history status = %d, want %d", code, http.StatusOK)
	}
	if len(out.Conversations) != 1 || out.Conversations[0].SessionID != "s1" {
		t.Fatalf("history = %+v, want only the newest conversation", out.Conversations)
	}
	if turns := out.Conversations[0].Turns; len(turns) != 1 || turns[0].Content != "read the sign" {
		t.Fatalf("turns = %+v", turns)
	}

	var errBody errorResponse
	if code := doJSON(t, http.MethodGet, ts.URL+"/v1/history?limit=zero", nil, &errBody); code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want %d", code, http.StatusBadRequest)
	}
}

func TestListHistoryDisabled(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)
	var errBody errorResponse
	code := doJSON(t, http.MethodGet, ts.URL+"/v1/history", nil, &errBody)
	if code != http.StatusNotImplemented || errBody.Code != "history_disabled" {
		t.Fatalf("history = %d %q, want 501 history_disabled", code, errBody.Code)
	}
}
