package realtime

import (
	"errors"
	"fmt"

	"github.com/ent0n29/glasslive/internal/reliability"
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrClosed       = errors.New("realtime: session closed")
	ErrNoVision     = errors.New("realtime: no vision fallback configured")
	ErrVisionBusy   = errors.New("realtime: vision request already in flight")
)

// ConnectionError is a transport failure: dial, handshake, socket read or
// write.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UpstreamError is a failure reported by the provider in-band. The socket
// stays open.
type UpstreamError struct {
	Code    string
	Message string
	Detail  string
}

func (e *UpstreamError) Error() string {
	if e.Code == "" {
		return "realtime upstream: " + e.Message
	}
	return fmt.Sprintf("realtime upstream (%s): %s", e.Code, e.Message)
}

// Retryable reports whether resending the turn may succeed.
func (e *UpstreamError) Retryable() bool {
	return reliability.IsRetryableUpstreamCode(e.Code)
}
