package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, 200, 300})))
	equalSamples(t, got, []int16{100, 100, 200, 200, 300, 300})
}

func TestStereoToMono(t *testing.T) {
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{100, 200, -100, -200, 32767, 32767})))
	equalSamples(t, got, []int16{150, -150, 32767})
}

func TestResample16(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		channels int
		src, dst int
		wantLen  int
	}{
		{"same rate", []int16{1, 2, 3}, 1, 16000, 16000, 3},
		{"mono upsample", []int16{1000, 2000}, 1, 16000, 48000, 6},
		{"mono downsample", []int16{100, 200, 300, 400, 500, 600}, 1, 48000, 16000, 2},
		{"stereo upsample", []int16{100, 200, 300, 400}, 2, 16000, 48000, 12},
		{"zero rate", []int16{1, 2}, 1, 0, 16000, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := bytesToSamples(audio.Resample16(samplesToBytes(tt.in), tt.channels, tt.src, tt.dst))
			if len(out) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(out), tt.wantLen)
			}
		})
	}
}

func TestResample16_InterpolatesEndpoints(t *testing.T) {
	out := bytesToSamples(audio.Resample16(samplesToBytes([]int16{1000, 2000}), 1, 16000, 48000))
	if out[0] != 1000 {
		t.Errorf("first sample = %d, want 1000", out[0])
	}
	if last := out[len(out)-1]; last != 2000 {
		t.Errorf("last sample = %d, want 2000", last)
	}
}

func TestResample16_KeepsChannelsApart(t *testing.T) {
	// Left is constant 100, right constant -100.
	out := bytesToSamples(audio.Resample16(samplesToBytes([]int16{100, -100, 100, -100}), 2, 8000, 16000))
	for i, s := range out {
		want := int16(100)
		if i%2 == 1 {
			want = -100
		}
		if s != want {
			t.Fatalf("sample %d = %d, want %d", i, s, want)
		}
	}
}

func TestConvert(t *testing.T) {
	speech := audio.SpeechFormat
	stereo48 := audio.Format{SampleRate: 48000, Channels: 2}

	in := samplesToBytes([]int16{10, 20})
	if got := audio.Convert(in, speech, speech); &got[0] != &in[0] {
		t.Error("matching formats must return the input slice")
	}

	out := audio.Convert(samplesToBytes([]int16{1000, 1000}), speech, stereo48)
	if n := len(bytesToSamples(out)); n != 12 {
		t.Errorf("samples = %d, want 12", n)
	}

	odd := append(samplesToBytes([]int16{5}), 0x01)
	if got := audio.Convert(odd, speech, speech); len(got) != 2 {
		t.Errorf("odd byte not dropped: len %d", len(got))
	}
}

func TestFormat_Duration(t *testing.T) {
	if d := audio.SpeechFormat.Duration(32000); d.Seconds() != 1 {
		t.Errorf("Duration(32000) = %v, want 1s", d)
	}
	if d := (audio.Format{}).Duration(100); d != 0 {
		t.Errorf("zero format duration = %v", d)
	}
}
