package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// MicrophoneFactory builds a capture device from the audio config.
type MicrophoneFactory func(AudioConfig) (audio.Microphone, error)

// OutputFactory builds a playback device from the audio config.
type OutputFactory func(AudioConfig) (audio.Output, error)

// Registry maps backend names to device constructors. Backends that need cgo
// (portaudio) register themselves only when compiled in. It is safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	microphones map[string]MicrophoneFactory
	outputs     map[string]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		microphones: make(map[string]MicrophoneFactory),
		outputs:     make(map[string]OutputFactory),
	}
}

// RegisterMicrophone registers a capture device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterMicrophone(name string, factory MicrophoneFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.microphones[name] = factory
}

// RegisterOutput registers a playback device factory under name.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[name] = factory
}

// CreateMicrophone instantiates the capture device registered under
// cfg.Backend. Returns [ErrBackendNotRegistered] if there is none.
func (r *Registry) CreateMicrophone(cfg AudioConfig) (audio.Microphone, error) {
	r.mu.RLock()
	factory, ok := r.microphones[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: microphone/%q (registered: %v)", ErrBackendNotRegistered, cfg.Backend, r.Backends())
	}
	return factory(cfg)
}

// CreateOutput instantiates the playback device registered under cfg.Backend.
func (r *Registry) CreateOutput(cfg AudioConfig) (audio.Output, error) {
	r.mu.RLock()
	factory, ok := r.outputs[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q (registered: %v)", ErrBackendNotRegistered, cfg.Backend, r.Backends())
	}
	return factory(cfg)
}

// Backends returns the sorted names with a registered microphone.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.microphones))
	for name := range r.microphones {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
