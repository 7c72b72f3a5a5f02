// Package audio moves raw PCM between the local sound devices and the
// speech capabilities. A [Source] feeds the streaming recognizer while the
// recognizer is listening; a [Sink] plays synthesized replies and blocks until
// the last sample has been handed to the device.
//
// All PCM in this package is signed 16-bit little-endian, interleaved when
// Channels > 1.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by sources and sinks used after Close.
var ErrClosed = errors.New("audio: closed")

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// SpeechFormat is 16 kHz mono, the format streaming recognizers expect.
var SpeechFormat = Format{SampleRate: 16000, Channels: 1}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool { return f.SampleRate > 0 && f.Channels > 0 }

// BytesPerSecond returns the data rate of 16-bit PCM in this format.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.Channels * 2 }

// Duration returns the playing time of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Frame is one chunk of captured PCM.
type Frame struct {
	Data []byte
	Format
	// Offset is the capture position of the first sample relative to the
	// start of the capture.
	Offset time.Duration
}

// Source captures audio from a device.
type Source interface {
	// Capture starts capturing. Frames are delivered until ctx is cancelled
	// or the device fails; the channel is closed in both cases. Callers tell
	// the two apart through ctx.Err().
	Capture(ctx context.Context) (<-chan Frame, error)

	// Format returns the format of captured frames.
	Format() Format
}

// Sink plays audio on a device.
type Sink interface {
	// Play plays pcm in format f and returns once playback finished, failed
	// or ctx was cancelled. A cancelled playback returns ctx.Err().
	Play(ctx context.Context, pcm []byte, f Format) error
}
