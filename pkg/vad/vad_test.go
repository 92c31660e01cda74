package vad_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/vad"
)

func constFrame(v float32, n int) audio.AudioFrame {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return audio.AudioFrame{Seq: 1, Samples: s, SampleRate: 16000, Channels: 1}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		samples []float32
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", []float32{0, 0, 0, 0}, 0},
		{"constant", []float32{0.5, -0.5, 0.5, -0.5}, 0.5},
		{"full scale", []float32{1, -1}, 1},
		{"nan ignored", []float32{float32(math.NaN()), 0.6}, math.Sqrt(0.36 / 2)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := vad.RMS(tc.samples)
			if math.Abs(got-tc.want) > 1e-6 {
				t.Errorf("RMS = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAnalyzer_Classify(t *testing.T) {
	t.Parallel()
	a, err := vad.New(vad.DefaultThreshold)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name  string
		frame audio.AudioFrame
		voice bool
	}{
		{"loud", constFrame(0.02, 1024), true},
		{"quiet", constFrame(0.002, 1024), false},
		{"exactly threshold is silent", constFrame(0.01, 1024), false},
		{"empty frame", audio.AudioFrame{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := a.Analyze(tc.frame)
			if got.Voiced != tc.voice {
				t.Errorf("Voiced = %v (loudness %v), want %v", got.Voiced, got.Loudness, tc.voice)
			}
		})
	}
}

func TestAnalyzer_SetThreshold(t *testing.T) {
	t.Parallel()
	a, err := vad.New(0.01)
	if err != nil {
		t.Fatal(err)
	}
	f := constFrame(0.05, 160)
	if !a.Analyze(f).Voiced {
		t.Fatal("expected voiced at 0.01")
	}
	if err := a.SetThreshold(0.1); err != nil {
		t.Fatal(err)
	}
	if a.Analyze(f).Voiced {
		t.Error("expected silent at 0.1")
	}
	if a.Threshold() != 0.1 {
		t.Errorf("Threshold() = %v, want 0.1", a.Threshold())
	}

	for _, bad := range []float64{0, -1, 1, 2, math.NaN()} {
		if err := a.SetThreshold(bad); !errors.Is(err, vad.ErrInvalidThreshold) {
			t.Errorf("SetThreshold(%v) err = %v, want ErrInvalidThreshold", bad, err)
		}
	}
	if a.Threshold() != 0.1 {
		t.Error("invalid threshold must not replace the current one")
	}
}
