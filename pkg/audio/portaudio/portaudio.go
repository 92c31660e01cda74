//go:build portaudio

// Package portaudio implements [audio.Microphone] and [audio.Output] on top of
// the PortAudio default input and output devices.
//
// Build with -tags portaudio; the package needs the PortAudio C library.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// outputFramesPerBuffer is 40ms of audio at 24kHz.
const outputFramesPerBuffer = 960

// Device owns one PortAudio session. Create it with [Open] and release it with
// [Device.Close] after all streams have stopped.
type Device struct {
	outputFormat audio.Format

	mu      sync.Mutex
	out     *portaudio.Stream
	outBuf  []int16
	playing sync.Mutex
}

// Open initialises PortAudio. outputRate is the sample rate the speaker stream
// is opened at.
func Open(outputRate int) (*Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Device{outputFormat: audio.Format{SampleRate: outputRate, Channels: 1}}, nil
}

// Close stops the output stream and terminates PortAudio.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.out != nil {
		_ = d.out.Stop()
		_ = d.out.Close()
		d.out = nil
	}
	d.mu.Unlock()
	return portaudio.Terminate()
}

// Open implements [audio.Microphone]. It opens the default input device with
// cfg's rate, channel count and frame size.
func (d *Device) Open(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	in := make([]float32, cfg.FrameSize*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(cfg.SampleRate), cfg.FrameSize, in)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", classify(err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", classify(err))
	}

	cs := &captureStream{
		stream: stream,
		in:     in,
		frames: make(chan audio.AudioFrame, 32),
		done:   make(chan struct{}),
		cfg:    cfg,
	}
	cs.channels = channels
	go cs.loop(ctx)

	slog.Info("portaudio: microphone opened",
		"sample_rate", cfg.SampleRate,
		"frame_size", cfg.FrameSize,
		"channels", channels,
	)
	return cs, nil
}

// Play implements [audio.Output]. It writes clip to the default output device
// in fixed-size buffers, checking ctx between buffers.
func (d *Device) Play(ctx context.Context, clip audio.Clip) error {
	d.playing.Lock()
	defer d.playing.Unlock()

	out, buf, err := d.outputStream()
	if err != nil {
		return err
	}

	pcm := clip.PCM
	for off := 0; off < len(pcm); off += len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buf, pcm[off:])
		clear(buf[n:])
		if err := out.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Format implements [audio.Output].
func (d *Device) Format() audio.Format { return d.outputFormat }

func (d *Device) outputStream() (*portaudio.Stream, []int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out != nil {
		return d.out, d.outBuf, nil
	}
	buf := make([]int16, outputFramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(d.outputFormat.SampleRate), len(buf), buf)
	if err != nil {
		return nil, nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	d.out, d.outBuf = stream, buf
	return stream, buf, nil
}

// classify maps host-API access refusals to [audio.ErrPermissionDenied].
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access") {
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	}
	return err
}

type captureStream struct {
	stream   *portaudio.Stream
	in       []float32
	frames   chan audio.AudioFrame
	done     chan struct{}
	cfg      audio.CaptureConfig
	channels int

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *captureStream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *captureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *captureStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *captureStream) loop(ctx context.Context) {
	defer close(s.frames)
	defer func() {
		_ = s.stream.Stop()
		_ = s.stream.Close()
	}()

	start := time.Now()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("portaudio: input overflowed")
				continue
			}
			s.mu.Lock()
			s.err = fmt.Errorf("portaudio: read: %w", err)
			s.mu.Unlock()
			return
		}

		seq++
		samples := make([]float32, len(s.in))
		copy(samples, s.in)
		frame := audio.AudioFrame{
			Seq:        seq,
			Samples:    samples,
			SampleRate: s.cfg.SampleRate,
			Channels:   s.channels,
			Timestamp:  time.Since(start),
		}
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Compile-time interface assertions.
var (
	_ audio.Microphone = (*Device)(nil)
	_ audio.Output     = (*Device)(nil)
)
