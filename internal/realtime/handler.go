package realtime

// Handler receives session notifications. Event callbacks run on the socket
// read goroutine in message order; OnSpeaking may also run on the playback
// goroutine. Implementations must not block and must not call Disconnect.
type Handler interface {
	OnStateChange(State)
	OnSpeechStarted()
	OnSpeechStopped()
	OnTranscriptDelta(text string)
	OnTranscriptDone(text string)
	OnUserTranscript(text string)
	OnSpeaking(speaking bool)
	OnError(err error)
}

// HandlerFuncs adapts optional funcs to a Handler. Nil fields are skipped.
type HandlerFuncs struct {
	StateChange     func(State)
	SpeechStarted   func()
	SpeechStopped   func()
	TranscriptDelta func(string)
	TranscriptDone  func(string)
	UserTranscript  func(string)
	Speaking        func(bool)
	Error           func(error)
}

func (h HandlerFuncs) OnStateChange(s State) {
	if h.StateChange != nil {
		h.StateChange(s)
	}
}

func (h HandlerFuncs) OnSpeechStarted() {
	if h.SpeechStarted != nil {
		h.SpeechStarted()
	}
}

func (h HandlerFuncs) OnSpeechStopped() {
	if h.SpeechStopped != nil {
		h.SpeechStopped()
	}
}

func (h HandlerFuncs) OnTranscriptDelta(text string) {
	if h.TranscriptDelta != nil {
		h.TranscriptDelta(text)
	}
}

func (h HandlerFuncs) OnTranscriptDone(text string) {
	if h.TranscriptDone != nil {
		h.TranscriptDone(text)
	}
}

func (h HandlerFuncs) OnUserTranscript(text string) {
	if h.UserTranscript != nil {
		h.UserTranscript(text)
	}
}

func (h HandlerFuncs) OnSpeaking(speaking bool) {
	if h.Speaking != nil {
		h.Speaking(speaking)
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// MultiHandler fans every callback out to each handler in order.
type MultiHandler []Handler

func (m MultiHandler) OnStateChange(s State) {
	for _, h := range m {
		h.OnStateChange(s)
	}
}

func (m MultiHandler) OnSpeechStarted() {
	for _, h := range m {
		h.OnSpeechStarted()
	}
}

func (m MultiHandler) OnSpeechStopped() {
	for _, h := range m {
		h.OnSpeechStopped()
	}
}

func (m MultiHandler) OnTranscriptDelta(text string) {
	for _, h := range m {
		h.OnTranscriptDelta(text)
	}
}

func (m MultiHandler) OnTranscriptDone(text string) {
	for _, h := range m {
		h.OnTranscriptDone(text)
	}
}

func (m MultiHandler) OnUserTranscript(text string) {
	for _, h := range m {
		h.OnUserTranscript(text)
	}
}

func (m MultiHandler) OnSpeaking(speaking bool) {
	for _, h := range m {
		h.OnSpeaking(speaking)
	}
}

func (m MultiHandler) OnError(err error) {
	for _, h := range m {
		h.OnError(err)
	}
}
