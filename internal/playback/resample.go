package playback

import "mumblebot/internal/codec"

// resample downmixes an interleaved src buffer to mono and linearly
// interpolates it from srcRate to codec.SampleRate. Linear interpolation is
// enough here: the inputs are one-shot media files, not live capture, and
// any aliasing sits below what a 48 kHz CELT stream resolves.
func resample(src []int16, srcRate, srcChannels int) []int16 {
	mono := downmix(src, srcChannels)
	if srcRate == codec.SampleRate || len(mono) == 0 {
		return mono
	}

	ratio := float64(srcRate) / float64(codec.SampleRate)
	outLen := int(float64(len(mono)) / ratio)
	out := make([]int16, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		a := mono[idx]
		b := a
		if idx+1 < len(mono) {
			b = mono[idx+1]
		}
		out[i] = int16(float64(a) + frac*(float64(b)-float64(a)))
	}
	return out
}

func downmix(src []int16, channels int) []int16 {
	if channels <= 1 {
		return src
	}
	out := make([]int16, len(src)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(src[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}
