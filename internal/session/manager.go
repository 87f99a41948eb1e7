package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/glasslive/internal/audio"
	"github.com/ent0n29/glasslive/internal/history"
	"github.com/ent0n29/glasslive/internal/protocol"
	"github.com/ent0n29/glasslive/internal/provider"
	"github.com/ent0n29/glasslive/internal/realtime"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrHistoryDisabled = errors.New("conversation history disabled")
)

const (
	flushTimeout = 5 * time.Second
	micBuffer    = 50
)

// Builder resolves provider settings and constructs realtime sessions. The
// session must capture from capture and play into sink.
type Builder interface {
	Resolve(req CreateRequest) (provider.Resolved, error)
	NewSession(resolved provider.Resolved, handler realtime.Handler, capture audio.Source, sink audio.Sink, logger *zap.Logger) (*realtime.Session, error)
}

type Options struct {
	Builder           Builder
	History           history.Store
	InactivityTimeout time.Duration
	Logger            *zap.Logger

	// RedactHistory masks personal data in saved transcripts.
	RedactHistory bool
}

// Live is one registered realtime session with its event stream and
// conversation recorder.
type Live struct {
	ID       string
	Resolved provider.Resolved

	session  *realtime.Session
	mic      *audio.PushSource
	recorder *history.Recorder
	events   *hub
	logger   *zap.Logger
	ttl      time.Duration

	mu           sync.Mutex
	status       Status
	startedAt    time.Time
	lastActivity time.Time
}

func (l *Live) Session() *realtime.Session { return l.session }

// PushAudio forwards client microphone PCM while recording. It reports
// false when the frame was dropped.
func (l *Live) PushAudio(pcm []byte) bool {
	l.Touch()
	return l.mic.Push(pcm)
}

// Touch marks client activity.
func (l *Live) Touch() {
	l.mu.Lock()
	l.lastActivity = time.Now().UTC()
	l.mu.Unlock()
}

// Subscribe returns a channel of protocol events. The channel closes when the
// session ends, when cancel is called, or when the subscriber falls too far
// behind to receive a state or transcript event.
func (l *Live) Subscribe() (<-chan any, func()) {
	return l.events.subscribe()
}

// DroppedEvents reports reply audio chunks lost to slow subscribers.
func (l *Live) DroppedEvents() int { return l.events.dropped() }

// EvictedSubscribers reports subscribers closed for falling behind.
func (l *Live) EvictedSubscribers() int { return l.events.evicted() }

func (l *Live) Info() Info {
	snap := l.session.Snapshot()
	l.mu.Lock()
	defer l.mu.Unlock()
	return Info{
		SessionID:       l.ID,
		Status:          l.status,
		Provider:        string(l.Resolved.ID),
		Protocol:        string(l.Resolved.Protocol),
		Language:        l.Resolved.Language,
		State:           snap.State.String(),
		Recording:       snap.Recording,
		Speaking:        snap.Speaking,
		QueuedChunks:    snap.Queued,
		LastError:       snap.LastError,
		StartedAt:       l.startedAt,
		LastActivityAt:  l.lastActivity,
		InactivityTTLMS: l.ttl.Milliseconds(),
	}
}

func (l *Live) idleSince(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Sub(l.lastActivity)
}

// handler turns session callbacks into protocol events and history turns.
func (l *Live) handler() realtime.Handler {
	publish := func(ev any) {
		l.Touch()
		l.events.publish(ev)
	}
	return realtime.HandlerFuncs{
		StateChange: func(s realtime.State) {
			publish(protocol.NewStateChanged(l.ID, s))
			if s == realtime.StateIdle {
				ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
				defer cancel()
				_ = l.recorder.Flush(ctx)
			}
		},
		SpeechStarted: func() { publish(protocol.NewSpeechEvent(l.ID, true)) },
		SpeechStopped: func() { publish(protocol.NewSpeechEvent(l.ID, false)) },
		TranscriptDelta: func(text string) {
			publish(protocol.NewTranscriptEvent(protocol.TypeTranscriptDelta, l.ID, text))
		},
		TranscriptDone: func(text string) {
			l.recorder.Assistant(text)
			publish(protocol.NewTranscriptEvent(protocol.TypeTranscriptDone, l.ID, text))
		},
		UserTranscript: func(text string) {
			l.recorder.User(text)
			publish(protocol.NewTranscriptEvent(protocol.TypeUserTranscript, l.ID, text))
		},
		Speaking: func(speaking bool) { publish(protocol.NewSpeakingEvent(l.ID, speaking)) },
		Error: func(err error) {
			l.logger.Debug("session error", zap.Error(err))
			publish(protocol.NewErrorEvent(l.ID, err))
		},
	}
}

func (l *Live) end() Info {
	l.session.Disconnect()
	l.mu.Lock()
	l.status = StatusEnded
	l.lastActivity = time.Now().UTC()
	l.mu.Unlock()
	l.events.close()
	return l.Info()
}

// Manager is the registry of live sessions.
type Manager struct {
	builder           Builder
	history           history.Store
	logger            *zap.Logger
	inactivityTimeout time.Duration
	redact            bool

	mu       sync.RWMutex
	sessions map[string]*Live
	onExpire func(Info)
}

func NewManager(opts Options) *Manager {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		builder:           opts.Builder,
		history:           opts.History,
		logger:            opts.Logger,
		inactivityTimeout: opts.InactivityTimeout,
		redact:            opts.RedactHistory,
		sessions:          make(map[string]*Live),
	}
}

func (m *Manager) SetExpireHook(hook func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create resolves req and registers an idle session. Resolution failures are
// returned as *provider.ConfigurationError.
func (m *Manager) Create(req CreateRequest) (*Live, error) {
	resolved, err := m.builder.Resolve(req)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := m.logger.With(zap.String("session_id", id))
	now := time.Now().UTC()
	recorder := history.NewRecorder(m.history, id, string(resolved.ID), resolved.Language, logger)
	recorder.SetRedaction(m.redact)
	l := &Live{
		ID:           id,
		Resolved:     resolved,
		mic:          audio.NewPushSource(micBuffer),
		recorder:     recorder,
		events:       newHub(),
		logger:       logger,
		ttl:          m.inactivityTimeout,
		status:       StatusActive,
		startedAt:    now,
		lastActivity: now,
	}
	sess, err := m.builder.NewSession(resolved, l.handler(), l.mic, eventSink{live: l}, logger)
	if err != nil {
		return nil, err
	}
	l.session = sess

	m.mu.Lock()
	m.sessions[id] = l
	m.mu.Unlock()

	logger.Info("live session created",
		zap.String("provider", string(resolved.ID)),
		zap.String("protocol", string(resolved.Protocol)))
	return l, nil
}

func (m *Manager) Get(sessionID string) (*Live, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

// End disconnects the session and removes it from the registry.
func (m *Manager) End(sessionID string) (Info, error) {
	m.mu.Lock()
	l, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return Info{}, ErrNotFound
	}
	info := l.end()
	l.logger.Info("live session ended")
	return info, nil
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	lives := make([]*Live, 0, len(m.sessions))
	for _, l := range m.sessions {
		lives = append(lives, l)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(lives))
	for _, l := range lives {
		out = append(out, l.Info())
	}
	return out
}

// Conversations lists saved conversations, newest first.
func (m *Manager) Conversations(ctx context.Context, limit int) ([]history.Conversation, error) {
	if m.history == nil {
		return nil, ErrHistoryDisabled
	}
	convs, err := m.history.RecentConversations(ctx, limit)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []history.Conversation{}
	}
	return convs, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Live

	m.mu.Lock()
	for id, l := range m.sessions {
		if l.idleSince(now) < m.inactivityTimeout {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, l)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, l := range expired {
		info := l.end()
		l.logger.Info("live session expired", zap.Duration("idle", m.inactivityTimeout))
		if hook != nil {
			hook(info)
		}
	}
}

// Close ends every session.
func (m *Manager) Close() {
	m.mu.Lock()
	lives := make([]*Live, 0, len(m.sessions))
	for id, l := range m.sessions {
		lives = append(lives, l)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range lives {
		wg.Add(1)
		go func(l *Live) {
			defer wg.Done()
			l.end()
		}(l)
	}
	wg.Wait()
}
