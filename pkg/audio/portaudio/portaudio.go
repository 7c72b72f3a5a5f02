//go:build portaudio

// Package portaudio implements [audio.Source] and [audio.Sink] on the
// default PortAudio devices. It needs the PortAudio C library and is only
// compiled with the "portaudio" build tag.
package portaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

// framesPerBuffer is the PortAudio buffer size in frames.
const framesPerBuffer = 1024

var (
	initMu    sync.Mutex
	initCount int
)

func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initCount == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initCount++
	return nil
}

func release() {
	initMu.Lock()
	defer initMu.Unlock()
	initCount--
	if initCount == 0 {
		_ = portaudio.Terminate()
	}
}

// Device is a PortAudio-backed source and sink. Close releases the library.
type Device struct {
	format audio.Format
}

var (
	_ audio.Source = (*Device)(nil)
	_ audio.Sink   = (*Device)(nil)
)

// Open initialises PortAudio. Captured audio uses format f.
func Open(f audio.Format) (*Device, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("portaudio: invalid format %+v", f)
	}
	if err := acquire(); err != nil {
		return nil, err
	}
	return &Device{format: f}, nil
}

// Close releases PortAudio.
func (d *Device) Close() error {
	release()
	return nil
}

// Format implements [audio.Source].
func (d *Device) Format() audio.Format { return d.format }

// Capture implements [audio.Source].
func (d *Device) Capture(ctx context.Context) (<-chan audio.Frame, error) {
	in := make([]int16, framesPerBuffer*d.format.Channels)
	stream, err := portaudio.OpenDefaultStream(d.format.Channels, 0, float64(d.format.SampleRate), framesPerBuffer, in)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input: %w", err)
	}

	out := make(chan audio.Frame, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		defer stream.Stop()
		var offset time.Duration
		for ctx.Err() == nil {
			if err := stream.Read(); err != nil {
				return
			}
			pcm := make([]byte, len(in)*2)
			for i, s := range in {
				pcm[i*2] = byte(s)
				pcm[i*2+1] = byte(s >> 8)
			}
			select {
			case out <- audio.Frame{Data: pcm, Format: d.format, Offset: offset}:
			case <-ctx.Done():
				return
			}
			offset += d.format.Duration(len(pcm))
		}
	}()
	return out, nil
}

// Play implements [audio.Sink]. Playback stops between buffers when ctx is
// cancelled.
func (d *Device) Play(ctx context.Context, pcm []byte, f audio.Format) error {
	buf := make([]int16, framesPerBuffer*f.Channels)
	stream, err := portaudio.OpenDefaultStream(0, f.Channels, float64(f.SampleRate), framesPerBuffer, buf)
	if err != nil {
		return fmt.Errorf("portaudio: open output: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output: %w", err)
	}
	defer stream.Stop()

	samples := len(pcm) / 2
	for pos := 0; pos < samples; pos += len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		clear(buf)
		for i := 0; i < len(buf) && pos+i < samples; i++ {
			j := (pos + i) * 2
			buf[i] = int16(pcm[j]) | int16(pcm[j+1])<<8
		}
		if err := stream.Write(); err != nil {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}
