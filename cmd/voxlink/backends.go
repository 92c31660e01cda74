package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/null"
	"github.com/MrWong99/voxlink/pkg/audio/wavfile"
)

// registerBackends wires the audio backends compiled into this binary into
// reg. PortAudio registers itself from backends_portaudio.go when built with
// -tags portaudio.
func registerBackends(reg *config.Registry) {
	reg.RegisterMicrophone(config.BackendNull, func(config.AudioConfig) (audio.Microphone, error) {
		return null.Microphone{}, nil
	})
	reg.RegisterOutput(config.BackendNull, func(config.AudioConfig) (audio.Output, error) {
		return null.Output{}, nil
	})

	reg.RegisterMicrophone(config.BackendWAV, func(cfg config.AudioConfig) (audio.Microphone, error) {
		return wavfile.NewMicrophone(cfg.InputFile), nil
	})
	reg.RegisterOutput(config.BackendWAV, func(cfg config.AudioConfig) (audio.Output, error) {
		if cfg.OutputFile == "" {
			return null.Output{}, nil
		}
		return wavfile.NewOutput(cfg.OutputFile, cfg.OutputSampleRate)
	})

	registerPlatformBackends(reg)

	slog.Debug("audio backends registered", "backends", reg.Backends())
}

// buildDevices creates the configured microphone and output. The returned
// func releases whichever of them hold resources.
func buildDevices(cfg *config.Config, reg *config.Registry) (app.Devices, func(), error) {
	mic, err := reg.CreateMicrophone(cfg.Audio)
	if err != nil {
		return app.Devices{}, nil, fmt.Errorf("create microphone %q: %w", cfg.Audio.Backend, err)
	}
	out, err := reg.CreateOutput(cfg.Audio)
	if err != nil {
		closeIfCloser(mic)
		return app.Devices{}, nil, fmt.Errorf("create output %q: %w", cfg.Audio.Backend, err)
	}
	cleanup := func() {
		closeIfCloser(out)
		if any(mic) != any(out) {
			closeIfCloser(mic)
		}
	}
	return app.Devices{Microphone: mic, Output: out}, cleanup, nil
}

func closeIfCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("audio device close error", "err", err)
		}
	}
}
