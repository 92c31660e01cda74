package audio

import "time"

// AudioFrame is one fixed-size block of captured audio. Frames are the atomic
// unit of capture: produced by a [CaptureStream], classified once by the VAD
// and either appended to an utterance or discarded. A frame is never mutated
// after capture; consumers that need to change samples must copy them.
type AudioFrame struct {
	// Seq is the capture sequence number. It increases strictly within one
	// capture stream and starts at 1.
	Seq uint64

	// Samples holds PCM samples normalised to [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for speech capture).
	SampleRate int

	// Channels is the channel count; capture is mono, so this is 1.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Clip is a decoded response clip ready for an [Output]. Samples are mono or
// interleaved little-endian int16 PCM.
type Clip struct {
	PCM        []int16
	SampleRate int
	Channels   int
}

// Duration returns the playing time of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.PCM) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}
