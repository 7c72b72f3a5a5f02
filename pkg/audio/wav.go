package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

const wavFormatPCM = 1

// DecodeWAV parses a RIFF/WAVE document into 16-bit PCM and its format.
// Sources with another bit depth are rescaled to 16 bits.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, Format{}, errors.New("audio: decode wav: not a valid PCM wav document")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
	}

	f := Format{SampleRate: int(d.SampleRate), Channels: int(d.NumChans)}
	shift := int(d.BitDepth) - 16
	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		switch {
		case d.BitDepth == 8:
			// 8-bit WAV is unsigned.
			s = (s - 128) << 8
		case shift > 0:
			s >>= shift
		}
		putSample(pcm, i, int16(s))
	}
	return pcm, f, nil
}

// EncodeWAV writes pcm in format f as a 16-bit PCM WAV document to w.
func EncodeWAV(w io.WriteSeeker, pcm []byte, f Format) error {
	if !f.Valid() {
		return fmt.Errorf("audio: encode wav: invalid format %+v", f)
	}
	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(sample(pcm, i))
	}
	enc := wav.NewEncoder(w, f.SampleRate, 16, f.Channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	return nil
}

// WAVDirSink is a [Sink] that writes every playback to a numbered WAV file
// (reply-0001.wav, reply-0002.wav, ...) in a directory. It is used for
// headless runs and for recording sessions.
type WAVDirSink struct {
	fs  afero.Fs
	dir string

	mu sync.Mutex
	n  int
}

var _ Sink = (*WAVDirSink)(nil)

// NewWAVDirSink creates the directory if needed.
func NewWAVDirSink(fs afero.Fs, dir string) (*WAVDirSink, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audio: wav sink: %w", err)
	}
	return &WAVDirSink{fs: fs, dir: dir}, nil
}

// Play writes pcm to the next file. It does not wait for real time to pass.
func (s *WAVDirSink) Play(ctx context.Context, pcm []byte, f Format) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.n++
	name := path.Join(s.dir, fmt.Sprintf("reply-%04d.wav", s.n))
	s.mu.Unlock()

	file, err := s.fs.Create(name)
	if err != nil {
		return fmt.Errorf("audio: wav sink: %w", err)
	}
	if err := EncodeWAV(file, pcm, f); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
