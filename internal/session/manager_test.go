package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/glasslive/internal/audio"
	"github.com/ent0n29/glasslive/internal/history"
	"github.com/ent0n29/glasslive/internal/protocol"
	"github.com/ent0n29/glasslive/internal/provider"
	"github.com/ent0n29/glasslive/internal/realtime"
	"github.com/ent0n29/glasslive/internal/wire"
)

type stubBuilder struct {
	resolveErr error
}

func (b stubBuilder) Resolve(req CreateRequest) (provider.Resolved, error) {
	if b.resolveErr != nil {
		return provider.Resolved{}, b.resolveErr
	}
	return provider.Resolve(provider.Settings{
		Provider: provider.ID(req.Provider),
		APIKey:   "sk-test",
		Language: req.Language,
	})
}

func (stubBuilder) NewSession(r provider.Resolved, h realtime.Handler, capture audio.Source, sink audio.Sink, logger *zap.Logger) (*realtime.Session, error) {
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

func newTestManager(t *testing.T, store history.Store, ttl time.Duration) *Manager {
	t.Helper()
	m := NewManager(Options{Builder: stubBuilder{}, History: store, InactivityTimeout: ttl})
	t.Cleanup(m.Close)
	return m
}

func TestManagerCreateGetEnd(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	l, err := m.Create(CreateRequest{Provider: "openai", Language: "ja"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if l.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(l.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	info := got.Info()
	if info.Provider != "openai" || info.Protocol != "openai" || info.Language != "ja-JP" {
		t.Fatalf("unexpected session info: %+v", info)
	}
	if info.State != "idle" || info.Status != StatusActive {
		t.Fatalf("new session should be idle and active: %+v", info)
	}
	if info.InactivityTTLMS != 60000 {
		t.Fatalf("InactivityTTLMS = %d, want 60000", info.InactivityTTLMS)
	}
	if m.ActiveCount() != 1 || len(m.List()) != 1 {
		t.Fatalf("ActiveCount() = %d, List() = %d, want 1", m.ActiveCount(), len(m.List()))
	}

	ended, err := m.End(l.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.Get(l.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after End error = %v, want ErrNotFound", err)
	}
	if l.PushAudio([]byte{1, 2}) {
		t.Fatalf("PushAudio() should drop audio when not recording")
	}
	if _, err := m.End(l.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second End() error = %v, want ErrNotFound", err)
	}
}

func TestManagerCreatePropagatesConfigurationErrors(t *testing.T) {
	m := NewManager(Options{Builder: stubBuilder{resolveErr: &provider.ConfigurationError{Field: "api_key", Reason: "must be set"}}})
	_, err := m.Create(CreateRequest{})
	var cfgErr *provider.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Create() error = %v, want ConfigurationError", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("failed create should not register a session")
	}
}

func TestLiveEventsAndHistory(t *testing.T) {
	store := history.NewInMemoryStore()
	m := newTestManager(t, store, time.Minute)
	l, err := m.Create(CreateRequest{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	events, cancel := l.Subscribe()
	defer cancel()

	h := l.handler()
	h.OnUserTranscript("what is this")
	h.OnTranscriptDelta("A mug")
	h.OnTranscriptDone("A mug.")
	h.OnSpeaking(true)
	h.OnError(&realtime.UpstreamError{Code: "throttling", Message: "slow"})
	h.OnStateChange(realtime.StateIdle)

	want := []protocol.MessageType{
		protocol.TypeUserTranscript,
		protocol.TypeTranscriptDelta,
		protocol.TypeTranscriptDone,
		protocol.TypeSpeaking,
		protocol.TypeErrorEvent,
		protocol.TypeStateChanged,
	}
	for i, typ := range want {
		select {
		case ev := <-events:
			if got := eventType(ev); got != typ {
				t.Fatalf("event %d type = %q, want %q", i, got, typ)
			}
			if typ == protocol.TypeErrorEvent && !ev.(protocol.ErrorEvent).Retryable {
				t.Fatalf("throttling error should be retryable: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", typ)
		}
	}

	convs, err := store.RecentConversations(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecentConversations() error = %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("saved conversations = %d, want 1", len(convs))
	}
	c := convs[0]
	if c.SessionID != l.ID || c.Provider != "alibaba_cloud" || len(c.Turns) != 2 {
		t.Fatalf("unexpected conversation: %+v", c)
	}
	if c.Turns[0].Role != history.RoleUser || c.Turns[1].Content != "A mug." {
		t.Fatalf("unexpected turns: %+v", c.Turns)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := newTestManager(t, nil, 30*time.Millisecond)
	l, err := m.Create(CreateRequest{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	events, cancel := l.Subscribe()
	defer cancel()

	expired := make(chan Info, 1)
	m.SetExpireHook(func(info Info) { expired <- info })

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case info := <-expired:
		if info.SessionID != l.ID || info.Status != StatusEnded {
			t.Fatalf("unexpected expired info: %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session was not expired")
	}
	if _, err := m.Get(l.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if _, open := <-events; open {
		t.Fatalf("subscriber channel should be closed after expiry")
	}
}

func TestHubDropsAudioForSlowSubscribers(t *testing.T) {
	h := newHub()
	slow, cancelSlow := h.subscribe()
	defer cancelSlow()

	for i := 0; i < subscriberBuffer+5; i++ {
		h.publish(protocol.NewAssistantAudio("s1", []byte{byte(i), 0}))
	}
	if h.dropped() != 5 || h.evicted() != 0 {
		t.Fatalf("dropped() = %d evicted() = %d, want 5 and 0", h.dropped(), h.evicted())
	}
	first, ok := (<-slow).(protocol.AssistantAudio)
	if !ok || first.PCM16Base64 != "AAA=" {
		t.Fatalf("first event = %+v, want the first audio chunk", first)
	}

	cancelSlow()
	cancelSlow()
	h.close()
	late, _ := h.subscribe()
	if _, open := <-late; open {
		t.Fatalf("subscribe after close should return a closed channel")
	}
}

func TestHubEvictsSubscriberThatMissesState(t *testing.T) {
	h := newHub()
	slow, cancelSlow := h.subscribe()
	defer cancelSlow()
	fast, cancelFast := h.subscribe()
	defer cancelFast()

	for i := 0; i < subscriberBuffer; i++ {
		h.publish(protocol.NewAssistantAudio("s1", []byte{0, 0}))
		<-fast
	}
	h.publish(protocol.NewSpeakingEvent("s1", false))

	if h.evicted() != 1 {
		t.Fatalf("evicted() = %d, want 1", h.evicted())
	}
	if _, ok := (<-fast).(protocol.SpeakingEvent); !ok {
		t.Fatalf("fast subscriber should receive the speaking event")
	}
	n := 0
	for range slow {
		n++
	}
	if n != subscriberBuffer {
		t.Fatalf("slow subscriber drained %d buffered events, want %d", n, subscriberBuffer)
	}
}

func TestEventSinkPublishesAudio(t *testing.T) {
	l := &Live{ID: "s1", events: newHub()}
	events, cancel := l.Subscribe()
	defer cancel()

	out, err := eventSink{live: l, pace: func(int) time.Duration { return 0 }}.Open(audio.DefaultFormat)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	pcm := []byte{1, 2, 3, 4}
	if n, err := out.Write(pcm); err != nil || n != len(pcm) {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	pcm[0] = 9

	ev := (<-events).(protocol.AssistantAudio)
	if ev.SessionID != "s1" || ev.PCM16Base64 != "AQIDBA==" || ev.SampleRate != audio.SampleRate {
		t.Fatalf("unexpected audio event: %+v", ev)
	}

	if err := out.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := out.Write(pcm); err == nil {
		t.Fatalf("Write() after Close should fail")
	}
}

func TestEventSinkCloseUnblocksWrite(t *testing.T) {
	l := &Live{ID: "s1", events: newHub()}
	out, _ := eventSink{live: l, pace: func(int) time.Duration { return time.Hour }}.Open(audio.DefaultFormat)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = out.Write([]byte{0, 0})
	}()
	time.Sleep(10 * time.Millisecond)
	_ = out.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Write() did not return after Close")
	}
}

func eventType(ev any) protocol.MessageType {
	switch e := ev.(type) {
	case protocol.StateChanged:
		return e.Type
	case protocol.SpeechEvent:
		return e.Type
	case protocol.TranscriptEvent:
		return e.Type
	case protocol.SpeakingEvent:
		return e.Type
	case protocol.ErrorEvent:
		return e.Type
	case protocol.AssistantAudio:
		return e.Type
	}
	return ""
}
