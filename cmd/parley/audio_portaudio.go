//go:build portaudio

package main

import (
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
)

func init() {
	openPortAudio = func(f audio.Format) (portAudioDevice, error) {
		return portaudio.Open(f)
	}
}
