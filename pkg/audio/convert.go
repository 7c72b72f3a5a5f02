package audio

// Convert returns pcm converted from one format to another. Resampling uses
// linear interpolation and happens before channel conversion. Only mono and
// stereo layouts are converted between each other; other channel mismatches
// are resampled only. Odd trailing bytes are dropped.
func Convert(pcm []byte, from, to Format) []byte {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if !from.Valid() || !to.Valid() || from == to {
		return pcm
	}
	if from.SampleRate != to.SampleRate {
		pcm = Resample16(pcm, from.Channels, from.SampleRate, to.SampleRate)
	}
	switch {
	case from.Channels == 1 && to.Channels == 2:
		pcm = MonoToStereo(pcm)
	case from.Channels == 2 && to.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		avg := (int32(sample(pcm, i*2)) + int32(sample(pcm, i*2+1))) / 2
		putSample(out, i, int16(avg))
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate. Input is returned unchanged when the rates match
// or either rate is not positive.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sample(pcm, idx*channels+ch))
			s1 := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func sample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(v >> 8)
}
