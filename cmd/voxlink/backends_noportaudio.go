//go:build !portaudio

package main

import "github.com/MrWong99/voxlink/internal/config"

// registerPlatformBackends is empty without -tags portaudio; selecting the
// portaudio backend then fails with config.ErrBackendNotRegistered.
func registerPlatformBackends(*config.Registry) {}
