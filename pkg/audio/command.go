package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// defaultChunk is the capture chunk length delivered per frame.
const defaultChunk = 100 * time.Millisecond

// CommandSource captures raw PCM from the standard output of a recorder
// process such as arecord or sox. A new process is started per capture.
type CommandSource struct {
	name   string
	args   []string
	format Format
	chunk  int
}

var _ Source = (*CommandSource)(nil)

// NewCommandSource creates a source running name with args. The process must
// write signed 16-bit little-endian PCM in format f to stdout.
func NewCommandSource(f Format, name string, args ...string) (*CommandSource, error) {
	if name == "" {
		return nil, errors.New("audio: command source: name must not be empty")
	}
	if !f.Valid() {
		return nil, fmt.Errorf("audio: command source: invalid format %+v", f)
	}
	chunk := int(int64(f.BytesPerSecond()) * int64(defaultChunk) / int64(time.Second))
	chunk -= chunk % (2 * f.Channels)
	return &CommandSource{name: name, args: args, format: f, chunk: chunk}, nil
}

// NewArecordSource captures from the default ALSA device.
func NewArecordSource(f Format) (*CommandSource, error) {
	return NewCommandSource(f, "arecord", "-q", "-t", "raw", "-f", "S16_LE",
		"-r", strconv.Itoa(f.SampleRate), "-c", strconv.Itoa(f.Channels))
}

// Format implements [Source].
func (s *CommandSource) Format() Format { return s.format }

// Capture implements [Source].
func (s *CommandSource) Capture(ctx context.Context) (<-chan Frame, error) {
	cmd := exec.CommandContext(ctx, s.name, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("audio: capture: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("audio: capture: start %s: %w", s.name, err)
	}

	out := make(chan Frame, 16)
	go func() {
		defer close(out)
		var offset time.Duration
		for {
			buf := make([]byte, s.chunk)
			n, err := io.ReadFull(stdout, buf)
			if n > 0 {
				n -= n % 2
				select {
				case out <- Frame{Data: buf[:n], Format: s.format, Offset: offset}:
				case <-ctx.Done():
				}
				offset += s.format.Duration(n)
			}
			if err != nil {
				break
			}
		}
		werr := cmd.Wait()
		if ctx.Err() == nil {
			slog.Warn("audio capture process ended", "cmd", s.name, "err", werr, "stderr", stderr.String())
		}
	}()
	return out, nil
}

// CommandSink plays PCM by piping it into a player process such as aplay.
// A new process is started per playback; Play returns when it exits.
type CommandSink struct {
	name string
	args func(Format) []string
}

var _ Sink = (*CommandSink)(nil)

// NewCommandSink creates a sink running name with the arguments returned by
// args for the format being played.
func NewCommandSink(name string, args func(Format) []string) (*CommandSink, error) {
	if name == "" {
		return nil, errors.New("audio: command sink: name must not be empty")
	}
	if args == nil {
		args = func(Format) []string { return nil }
	}
	return &CommandSink{name: name, args: args}, nil
}

// NewAplaySink plays through the default ALSA device.
func NewAplaySink() *CommandSink {
	s, _ := NewCommandSink("aplay", func(f Format) []string {
		return []string{"-q", "-t", "raw", "-f", "S16_LE",
			"-r", strconv.Itoa(f.SampleRate), "-c", strconv.Itoa(f.Channels)}
	})
	return s
}

// Play implements [Sink].
func (s *CommandSink) Play(ctx context.Context, pcm []byte, f Format) error {
	cmd := exec.CommandContext(ctx, s.name, s.args(f)...)
	cmd.Stdin = bytes.NewReader(pcm)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("audio: play via %s: %w: %s", s.name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
