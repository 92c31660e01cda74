package playback

import (
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/wavfile"
)

// Supported response codecs.
const (
	CodecWAV   = "wav"
	CodecPCM16 = "pcm16"
	CodecOpus  = "opus"
)

// ErrUnsupportedPayload is returned when a payload cannot be decoded.
var ErrUnsupportedPayload = errors.New("playback: unsupported payload")

// Decoder turns a response payload into PCM.
type Decoder interface {
	Decode(payload []byte) (audio.Clip, error)
}

// DecoderFunc adapts a function to [Decoder].
type DecoderFunc func(payload []byte) (audio.Clip, error)

// Decode implements [Decoder].
func (f DecoderFunc) Decode(payload []byte) (audio.Clip, error) { return f(payload) }

// NewDecoder returns the decoder for codec. Payloads that carry a RIFF/WAVE
// header are always decoded as WAV, whatever the configured codec. rate and
// channels describe headerless payloads (pcm16, opus).
func NewDecoder(codec string, rate, channels int) (Decoder, error) {
	if channels <= 0 {
		channels = 1
	}
	var fallback Decoder
	switch codec {
	case CodecWAV, "":
		fallback = DecoderFunc(func([]byte) (audio.Clip, error) {
			return audio.Clip{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedPayload)
		})
	case CodecPCM16:
		if rate <= 0 {
			return nil, fmt.Errorf("playback: pcm16 codec needs a sample rate")
		}
		fallback = pcm16Decoder{rate: rate, channels: channels}
	case CodecOpus:
		if rate <= 0 {
			rate = opusSampleRate
		}
		fallback = opusDecoder{rate: rate, channels: channels}
	default:
		return nil, fmt.Errorf("playback: unknown codec %q", codec)
	}
	return sniffDecoder{fallback: fallback}, nil
}

type sniffDecoder struct {
	fallback Decoder
}

func (d sniffDecoder) Decode(payload []byte) (audio.Clip, error) {
	if len(payload) == 0 {
		return audio.Clip{}, fmt.Errorf("%w: empty payload", ErrUnsupportedPayload)
	}
	if wavfile.IsWAV(payload) {
		clip, err := wavfile.Decode(payload)
		if err != nil {
			return audio.Clip{}, fmt.Errorf("%w: %w", ErrUnsupportedPayload, err)
		}
		return clip, nil
	}
	return d.fallback.Decode(payload)
}

// pcm16Decoder reads raw little-endian int16 samples.
type pcm16Decoder struct {
	rate, channels int
}

func (d pcm16Decoder) Decode(payload []byte) (audio.Clip, error) {
	if len(payload)%2 != 0 {
		return audio.Clip{}, fmt.Errorf("%w: odd pcm16 length %d", ErrUnsupportedPayload, len(payload))
	}
	return audio.Clip{PCM: audio.BytesToInt16s(payload), SampleRate: d.rate, Channels: d.channels}, nil
}

// Opus payloads are a run of packets, each preceded by its length as a
// little-endian int16 (the DCA framing used by Discord bots). A payload that
// does not parse as such a run is decoded as one bare packet.
const (
	opusSampleRate = 48000
	// opusMaxFrameSize is 120ms at 48kHz, the longest Opus frame.
	opusMaxFrameSize = 5760
)

type opusDecoder struct {
	rate, channels int
}

func (d opusDecoder) Decode(payload []byte) (audio.Clip, error) {
	dec, err := gopus.NewDecoder(d.rate, d.channels)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("playback: create opus decoder: %w", err)
	}
	packets, ok := splitDCA(payload)
	if !ok {
		packets = [][]byte{payload}
	}
	var pcm []int16
	for i, p := range packets {
		out, err := dec.Decode(p, opusMaxFrameSize, false)
		if err != nil {
			return audio.Clip{}, fmt.Errorf("%w: opus packet %d: %v", ErrUnsupportedPayload, i, err)
		}
		pcm = append(pcm, out...)
	}
	return audio.Clip{PCM: pcm, SampleRate: d.rate, Channels: d.channels}, nil
}

// splitDCA splits length-prefixed packets. It reports false unless the
// prefixes cover the payload exactly.
func splitDCA(b []byte) ([][]byte, bool) {
	var out [][]byte
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, false
		}
		n := int(int16(binary.LittleEndian.Uint16(b)))
		if n <= 0 || 2+n > len(b) {
			return nil, false
		}
		out = append(out, b[2:2+n])
		b = b[2+n:]
	}
	return out, len(out) > 0
}
