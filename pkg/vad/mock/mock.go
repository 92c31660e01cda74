// Package mock provides a scripted [vad.Classifier] for unit tests.
package mock

import (
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/vad"
)

// Classifier returns classifications from a script keyed by frame sequence
// number, falling back to Default. Every analysed frame is recorded.
type Classifier struct {
	mu sync.Mutex

	// BySeq maps a frame's Seq to the classification returned for it.
	BySeq map[uint64]vad.Classification

	// Default is returned for frames not present in BySeq.
	Default vad.Classification

	// Frames records every frame passed to Analyze, in call order.
	Frames []audio.AudioFrame
}

// Analyze implements [vad.Classifier].
func (c *Classifier) Analyze(frame audio.AudioFrame) vad.Classification {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Frames = append(c.Frames, frame)
	if cl, ok := c.BySeq[frame.Seq]; ok {
		return cl
	}
	return c.Default
}

// Script sets the classification returned for frame seq. Safe to call while
// Analyze is running on another goroutine.
func (c *Classifier) Script(seq uint64, cl vad.Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BySeq == nil {
		c.BySeq = make(map[uint64]vad.Classification)
	}
	c.BySeq[seq] = cl
}

// CallCount returns the number of Analyze calls.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Frames)
}

var _ vad.Classifier = (*Classifier)(nil)
