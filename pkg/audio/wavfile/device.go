package wavfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Microphone replays a WAV file as a capture device. The file is decoded,
// down-mixed and resampled to the requested capture format, then cut into
// frames of the requested size.
//
// When Pace is true frames are emitted at real-time speed and the stream keeps
// producing silent frames after the file ends, like an idle microphone. When
// Pace is false frames are emitted as fast as they are consumed and the stream
// ends with the file.
type Microphone struct {
	Path string
	Pace bool
}

// NewMicrophone returns a real-time paced [Microphone] for path.
func NewMicrophone(path string) *Microphone {
	return &Microphone{Path: path, Pace: true}
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("wavfile: open %q: %w", m.Path, audio.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("wavfile: open %q: %w", m.Path, err)
	}
	clip, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %q: %w", m.Path, err)
	}
	if cfg.FrameSize <= 0 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("wavfile: invalid capture config %+v", cfg)
	}

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: cfg.SampleRate, Channels: 1}}
	clip = conv.Convert(clip)

	s := &captureStream{
		samples: audio.Int16sToFloats(clip.PCM),
		cfg:     cfg,
		pace:    m.Pace,
		frames:  make(chan audio.AudioFrame, 8),
		done:    make(chan struct{}),
	}
	go s.loop(ctx)

	slog.Info("wavfile: microphone opened",
		"path", m.Path,
		"duration", clip.Duration(),
		"sample_rate", cfg.SampleRate,
	)
	return s, nil
}

type captureStream struct {
	samples []float32
	cfg     audio.CaptureConfig
	pace    bool
	frames  chan audio.AudioFrame
	done    chan struct{}
	once    sync.Once
}

func (s *captureStream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *captureStream) Err() error { return nil }

func (s *captureStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *captureStream) loop(ctx context.Context) {
	defer close(s.frames)

	size := s.cfg.FrameSize
	interval := time.Duration(size) * time.Second / time.Duration(s.cfg.SampleRate)
	var ticker *time.Ticker
	if s.pace {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	var seq uint64
	for off := 0; ; off += size {
		if off >= len(s.samples) && !s.pace {
			return
		}
		samples := make([]float32, size)
		if off < len(s.samples) {
			copy(samples, s.samples[off:])
		}
		seq++
		frame := audio.AudioFrame{
			Seq:        seq,
			Samples:    samples,
			SampleRate: s.cfg.SampleRate,
			Channels:   1,
			Timestamp:  time.Duration(seq-1) * interval,
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
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

// Output writes every played clip to one WAV file. The header is rewritten
// after each clip so the file is always valid. Callers convert clips to
// [Output.Format] before playing them.
//
// When Pace is true Play blocks for the clip's duration, so cancellation and
// turn-taking behave as they would with a speaker.
type Output struct {
	Path   string
	Pace   bool
	format audio.Format

	mu      sync.Mutex
	file    *os.File
	written int
}

// NewOutput creates or truncates path and returns a paced [Output] at the
// given sample rate (mono).
func NewOutput(path string, sampleRate int) (*Output, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create %q: %w", path, err)
	}
	o := &Output{
		Path:   path,
		Pace:   true,
		format: audio.Format{SampleRate: sampleRate, Channels: 1},
		file:   f,
	}
	if _, err := f.Write(header(sampleRate, 1, 0)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: write header: %w", err)
	}
	return o, nil
}

// Play implements [audio.Output].
func (o *Output) Play(ctx context.Context, clip audio.Clip) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	err := o.appendLocked(clip)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	if !o.Pace {
		return nil
	}
	t := time.NewTimer(clip.Duration())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Output) appendLocked(clip audio.Clip) error {
	if o.file == nil {
		return fmt.Errorf("wavfile: output %q is closed", o.Path)
	}
	b := audio.Int16sToBytes(clip.PCM)
	if _, err := o.file.WriteAt(b, int64(headerSize+o.written)); err != nil {
		return fmt.Errorf("wavfile: write samples: %w", err)
	}
	o.written += len(b)
	if _, err := o.file.WriteAt(header(o.format.SampleRate, 1, o.written), 0); err != nil {
		return fmt.Errorf("wavfile: rewrite header: %w", err)
	}
	return nil
}

// Format implements [audio.Output].
func (o *Output) Format() audio.Format { return o.format }

// Close closes the underlying file.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	return err
}

// Compile-time interface assertions.
var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Output     = (*Output)(nil)
)
