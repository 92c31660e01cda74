package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// FloatToPCM16 converts a normalised sample to int16. Positive values scale by
// 32767 and negative values by 32768 so that both ends of [-1, 1] map onto the
// full int16 range. Out-of-range input is clamped.
func FloatToPCM16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v >= 0 {
		r := math.Round(v * 32767)
		if r > 32767 {
			r = 32767
		}
		return int16(r)
	}
	r := math.Round(v * 32768)
	if r < -32768 {
		r = -32768
	}
	return int16(r)
}

// PCM16ToFloat is the inverse of [FloatToPCM16].
func PCM16ToFloat(s int16) float32 {
	if s >= 0 {
		return float32(s) / 32767
	}
	return float32(s) / 32768
}

// EncodePCM16LE converts normalised samples to little-endian int16 bytes.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToPCM16(s)))
	}
	return out
}

// BytesToInt16s converts little-endian bytes to int16 samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}

// Int16sToBytes converts int16 samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// Int16sToFloats converts int16 samples to normalised floats.
func Int16sToFloats(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = PCM16ToFloat(s)
	}
	return out
}

// Concat joins sample buffers in order into one freshly allocated buffer.
// The inputs are not modified or aliased.
func Concat(bufs ...[]float32) []float32 {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	out := make([]float32, 0, n)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

// StereoToMono averages interleaved L+R pairs. Uses int32 arithmetic to
// prevent overflow.
func StereoToMono(pcm []int16) []int16 {
	frames := len(pcm) / 2
	out := make([]int16, frames)
	for i := range frames {
		avg := (int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2
		out[i] = int16(avg)
	}
	return out
}

// DownmixToMono averages all interleaved channels into one.
func DownmixToMono(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	if channels == 2 {
		return StereoToMono(pcm)
	}
	frames := len(pcm) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(pcm[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// ResampleMono16 resamples mono int16 PCM from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func ResampleMono16(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	dstSamples := int(int64(len(pcm)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := pcm[srcIdx]
		s1 := s0
		if srcIdx+1 < len(pcm) {
			s1 = pcm[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// FormatConverter converts clips to a target format. It logs once on the
// first format mismatch. Create one per output; not designed for shared use
// across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts clip to the target format: channels are down-mixed first,
// then the sample rate is converted. A zero target field keeps the clip's own
// value. When nothing needs to change the clip is returned unchanged.
func (c *FormatConverter) Convert(clip Clip) Clip {
	targetRate := c.Target.SampleRate
	if targetRate == 0 {
		targetRate = clip.SampleRate
	}
	targetChannels := c.Target.Channels
	if targetChannels == 0 {
		targetChannels = clip.Channels
	}
	if clip.SampleRate == targetRate && clip.Channels == targetChannels {
		return clip
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format mismatch: converting",
			"from", formatString(clip.SampleRate, clip.Channels),
			"to", formatString(targetRate, targetChannels),
		)
	})

	pcm := clip.PCM
	channels := clip.Channels
	if channels > 1 && targetChannels == 1 {
		pcm = DownmixToMono(pcm, channels)
		channels = 1
	}
	if channels == 1 && clip.SampleRate != targetRate {
		pcm = ResampleMono16(pcm, clip.SampleRate, targetRate)
	} else {
		// Multi-channel targets are only supported at the source rate.
		targetRate = clip.SampleRate
	}
	return Clip{PCM: pcm, SampleRate: targetRate, Channels: channels}
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "16000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
