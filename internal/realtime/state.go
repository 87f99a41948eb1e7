package realtime

import "fmt"

// State is the externally visible lifecycle of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateRecording
	StateProcessing
	StateSpeaking
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Live reports whether the socket is expected to be open in s.
func (s State) Live() bool {
	return s != StateIdle && s != StateConnecting
}
