package main

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/afero"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
)

// portAudioDevice is a full-duplex sound card opened through PortAudio.
type portAudioDevice interface {
	audio.Source
	audio.Sink
	io.Closer
}

// openPortAudio is set by audio_portaudio.go when built with the portaudio
// tag.
var openPortAudio func(audio.Format) (portAudioDevice, error)

var errNoPortAudio = errors.New("audio: device \"portaudio\" needs a build with -tags portaudio")

// devices opens the PCM devices named in the configuration and closes them
// on shutdown.
type devices struct {
	fs afero.Fs

	mu      sync.Mutex
	closers []io.Closer
}

func newDevices(fs afero.Fs) *devices {
	return &devices{fs: fs}
}

func format(c config.AudioConfig) audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// source returns the capture side of c.
func (d *devices) source(c config.AudioConfig) (audio.Source, error) {
	switch c.Device {
	case "command":
		return audio.NewArecordSource(format(c))
	case "portaudio":
		return d.openPortAudio(c)
	default:
		return nil, fmt.Errorf("audio: device %q cannot record", c.Device)
	}
}

// sink returns the playback side of c.
func (d *devices) sink(c config.AudioConfig) (audio.Sink, error) {
	switch c.Device {
	case "command":
		return audio.NewAplaySink(), nil
	case "wavdir":
		return audio.NewWAVDirSink(d.fs, c.Dir)
	case "portaudio":
		return d.openPortAudio(c)
	default:
		return nil, fmt.Errorf("audio: device %q cannot play", c.Device)
	}
}

func (d *devices) openPortAudio(c config.AudioConfig) (portAudioDevice, error) {
	if openPortAudio == nil {
		return nil, errNoPortAudio
	}
	dev, err := openPortAudio(format(c))
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.closers = append(d.closers, dev)
	d.mu.Unlock()
	return dev, nil
}

// Close releases every opened device.
func (d *devices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
