// Package wavfile reads and writes 16-bit PCM RIFF/WAVE data and provides
// file-backed [audio.Microphone] and [audio.Output] implementations for
// headless runs and integration tests.
package wavfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrFormat is returned when data is not a 16-bit PCM WAV stream.
var ErrFormat = errors.New("wavfile: unsupported format")

const (
	headerSize       = 44
	formatPCM        = 1
	formatExtensible = 0xFFFE
)

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// Decode parses a RIFF/WAVE byte slice holding 16-bit integer PCM. Unknown
// chunks are skipped. A data chunk whose declared size overruns the input is
// truncated to what is present, as streaming encoders often leave the size
// unset.
func Decode(data []byte) (audio.Clip, error) {
	if !IsWAV(data) {
		return audio.Clip{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrFormat)
	}

	var (
		rate, channels, bits int
		haveFmt              bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return audio.Clip{}, fmt.Errorf("%w: short fmt chunk", ErrFormat)
			}
			tag := binary.LittleEndian.Uint16(data[body:])
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			rate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			if tag != formatPCM && tag != formatExtensible {
				return audio.Clip{}, fmt.Errorf("%w: format tag %d", ErrFormat, tag)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return audio.Clip{}, fmt.Errorf("%w: data before fmt", ErrFormat)
			}
			if bits != 16 {
				return audio.Clip{}, fmt.Errorf("%w: %d bits per sample", ErrFormat, bits)
			}
			if channels <= 0 || rate <= 0 {
				return audio.Clip{}, fmt.Errorf("%w: %d channels at %dHz", ErrFormat, channels, rate)
			}
			end := body + size
			if size == 0 || end > len(data) || end < body {
				end = len(data)
			}
			return audio.Clip{
				PCM:        audio.BytesToInt16s(data[body:end]),
				SampleRate: rate,
				Channels:   channels,
			}, nil
		}
		// Chunks are word aligned.
		off = body + size + size%2
	}
	return audio.Clip{}, fmt.Errorf("%w: no data chunk", ErrFormat)
}

// Encode renders clip as a canonical 44-byte-header WAV file.
func Encode(clip audio.Clip) []byte {
	var buf bytes.Buffer
	buf.Grow(headerSize + len(clip.PCM)*2)
	buf.Write(header(clip.SampleRate, clip.Channels, len(clip.PCM)*2))
	buf.Write(audio.Int16sToBytes(clip.PCM))
	return buf.Bytes()
}

func header(rate, channels, dataLen int) []byte {
	h := make([]byte, headerSize)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], uint32(36+dataLen))
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], formatPCM)
	binary.LittleEndian.PutUint16(h[22:], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(rate))
	binary.LittleEndian.PutUint32(h[28:], uint32(rate*channels*2))
	binary.LittleEndian.PutUint16(h[32:], uint16(channels*2))
	binary.LittleEndian.PutUint16(h[34:], 16)
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], uint32(dataLen))
	return h
}
