package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Recorder accumulates the turns of one session and saves them as a
// Conversation on Flush. It is safe for concurrent use.
type Recorder struct {
	store     Store
	logger    *zap.Logger
	sessionID string
	provider  string
	language  string
	now       func() time.Time

	mu      sync.Mutex
	redact  bool
	started time.Time
	turns   []Turn
}

func NewRecorder(store Store, sessionID, provider, language string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:     store,
		logger:    logger,
		sessionID: sessionID,
		provider:  provider,
		language:  language,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetRedaction enables masking of personal data in recorded turns.
func (r *Recorder) SetRedaction(on bool) {
	r.mu.Lock()
	r.redact = on
	r.mu.Unlock()
}

func (r *Recorder) User(text string)      { r.add(RoleUser, text) }
func (r *Recorder) Assistant(text string) { r.add(RoleAssistant, text) }

func (r *Recorder) add(role Role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.redact {
		text, _ = Redact(text)
	}
	if len(r.turns) == 0 {
		r.started = now
	}
	r.turns = append(r.turns, Turn{Role: role, Content: text, CreatedAt: now})
}

// Len reports the number of unsaved turns.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

// Flush saves pending turns as one Conversation and starts a new one. Nothing
// is written when no turns were recorded or the store is nil.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	turns := r.turns
	started := r.started
	r.turns = nil
	r.started = time.Time{}
	r.mu.Unlock()

	if len(turns) == 0 || r.store == nil {
		return nil
	}
	c := Conversation{
		SessionID: r.sessionID,
		Provider:  r.provider,
		Language:  r.language,
		StartedAt: started,
		EndedAt:   r.now(),
		Turns:     turns,
	}
	if err := r.store.SaveConversation(ctx, c); err != nil {
		r.logger.Warn("save conversation failed", zap.String("session_id", r.sessionID), zap.Error(err))
		return err
	}
	r.logger.Debug("conversation saved", zap.String("session_id", r.sessionID), zap.Int("turns", len(turns)))
	return nil
}
