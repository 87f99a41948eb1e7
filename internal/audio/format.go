// Package audio holds the PCM capture and playback plumbing used by realtime
// sessions: capture sources, output sinks, the playback queue and WAV I/O.
//
// All audio on the wire is 16-bit signed little-endian PCM, mono, 24 kHz.
package audio

import (
	"fmt"
	"time"
)

const (
	SampleRate     = 24000
	Channels       = 1
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8

	// DefaultFrameDuration is the capture frame size handed to the session.
	DefaultFrameDuration = 100 * time.Millisecond
)

// Format describes a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is the only format realtime providers accept.
var DefaultFormat = Format{SampleRate: SampleRate, Channels: Channels}

// FrameBytes returns the byte length of d worth of PCM16 mono audio at the
// given rate, rounded down to a whole sample.
func FrameBytes(d time.Duration, sampleRate int) int {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	samples := int(d * time.Duration(sampleRate) / time.Second)
	return samples * BytesPerSample
}

// Duration returns how long n bytes of PCM16 mono audio play for.
func Duration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// DeviceError reports a microphone or speaker that could not be acquired or
// failed mid-stream.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s device: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
