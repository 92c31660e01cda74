// Package vad classifies captured audio frames as voiced or silent.
//
// The [Analyzer] computes the root-mean-square loudness of a frame's samples
// (normalised to [-1, 1]) and compares it against a threshold. It keeps no
// per-stream state, so one Analyzer can serve any number of streams. The
// threshold can be changed at runtime with [Analyzer.SetThreshold], which is
// how configuration hot-reload reaches the detector.
package vad

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// DefaultThreshold is the loudness above which a frame counts as voiced.
const DefaultThreshold = 0.01

// ErrInvalidThreshold is returned for thresholds outside (0, 1).
var ErrInvalidThreshold = errors.New("vad: threshold must be in (0, 1)")

// Classification is the result of analysing one frame.
type Classification struct {
	// Loudness is the RMS of the frame's samples.
	Loudness float64

	// Voiced is true when Loudness is strictly above the threshold.
	Voiced bool
}

// Classifier is implemented by anything that can classify a frame. The session
// engine depends on this interface so tests can script classifications.
type Classifier interface {
	Analyze(frame audio.AudioFrame) Classification
}

// Analyzer is the RMS threshold [Classifier]. It is safe for concurrent use.
type Analyzer struct {
	threshold atomic.Uint64
}

// New returns an Analyzer with the given threshold.
func New(threshold float64) (*Analyzer, error) {
	a := &Analyzer{}
	if err := a.SetThreshold(threshold); err != nil {
		return nil, err
	}
	return a, nil
}

// SetThreshold replaces the voiced threshold.
func (a *Analyzer) SetThreshold(threshold float64) error {
	if !(threshold > 0 && threshold < 1) {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, threshold)
	}
	a.threshold.Store(math.Float64bits(threshold))
	return nil
}

// Threshold returns the current voiced threshold.
func (a *Analyzer) Threshold() float64 {
	return math.Float64frombits(a.threshold.Load())
}

// Analyze implements [Classifier].
func (a *Analyzer) Analyze(frame audio.AudioFrame) Classification {
	l := RMS(frame.Samples)
	return Classification{Loudness: l, Voiced: l > a.Threshold()}
}

// RMS returns the root-mean-square of samples. An empty slice has loudness 0.
// Non-finite samples are treated as silence.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

var _ Classifier = (*Analyzer)(nil)
