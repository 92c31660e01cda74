//go:build portaudio

package main

import (
	"sync"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/portaudio"
)

// registerPlatformBackends registers the PortAudio microphone and speaker.
// Both factories share one device so PortAudio is initialised once.
func registerPlatformBackends(reg *config.Registry) {
	var (
		once sync.Once
		dev  *portaudio.Device
		err  error
	)
	open := func(cfg config.AudioConfig) (*portaudio.Device, error) {
		once.Do(func() { dev, err = portaudio.Open(cfg.OutputSampleRate) })
		return dev, err
	}
	reg.RegisterMicrophone(config.BackendPortAudio, func(cfg config.AudioConfig) (audio.Microphone, error) {
		return open(cfg)
	})
	reg.RegisterOutput(config.BackendPortAudio, func(cfg config.AudioConfig) (audio.Output, error) {
		return open(cfg)
	})
}
