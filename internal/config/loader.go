package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultLogLevel             = LogInfo
	DefaultBackend              = BackendPortAudio
	DefaultSampleRate           = 16000
	DefaultFrameSize            = 1024
	DefaultOutputSampleRate     = 24000
	DefaultThreshold            = 0.01
	DefaultSilenceWindow        = 2 * time.Second
	DefaultPath                 = "/ws/audio"
	DefaultHandshakeTimeout     = 5 * time.Second
	DefaultReconnectInterval    = 2 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultCodec                = CodecWAV
	DefaultPlaybackSampleRate   = 24000
)

// ValidBackends lists the audio backend names [Validate] accepts.
var ValidBackends = []string{BackendPortAudio, BackendWAV, BackendNull}

// ValidCodecs lists the playback codecs [Validate] accepts.
var ValidCodecs = []string{CodecWAV, CodecPCM16, CodecOpus}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = DefaultBackend
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.FrameSize == 0 {
		a.FrameSize = DefaultFrameSize
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = DefaultOutputSampleRate
	}

	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = DefaultThreshold
	}
	if cfg.VAD.SilenceWindow == 0 {
		cfg.VAD.SilenceWindow = DefaultSilenceWindow
	}

	c := &cfg.Channel
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	p := &cfg.Playback
	if p.Codec == "" {
		p.Codec = DefaultCodec
	}
	if p.SampleRate == 0 {
		p.SampleRate = DefaultPlaybackSampleRate
	}
	if p.Channels == 0 {
		p.Channels = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Audio
	if !slices.Contains(ValidBackends, cfg.Audio.Backend) {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: %v", cfg.Audio.Backend, ValidBackends))
	}
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size must be positive, got %d", cfg.Audio.FrameSize))
	}
	if cfg.Audio.OutputSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate must be positive, got %d", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.Backend == BackendWAV && cfg.Audio.InputFile == "" {
		errs = append(errs, errors.New("audio.input_file is required when backend is wav"))
	}

	// VAD
	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %v is out of range (0, 1)", cfg.VAD.Threshold))
	}
	if cfg.VAD.SilenceWindow <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_window must be positive, got %s", cfg.VAD.SilenceWindow))
	}

	// Channel
	if cfg.Channel.Endpoint == "" {
		errs = append(errs, errors.New("channel.endpoint is required"))
	} else if u, err := url.Parse(cfg.Channel.Endpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("channel.endpoint %q must be a ws:// or wss:// URL", cfg.Channel.Endpoint))
	}
	if cfg.Channel.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("channel.handshake_timeout must be positive, got %s", cfg.Channel.HandshakeTimeout))
	}
	if cfg.Channel.ReconnectInterval <= 0 {
		errs = append(errs, fmt.Errorf("channel.reconnect_interval must be positive, got %s", cfg.Channel.ReconnectInterval))
	}
	if cfg.Channel.MaxReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("channel.max_reconnect_attempts must be at least 1, got %d", cfg.Channel.MaxReconnectAttempts))
	}
	if cfg.Channel.Token == "" && cfg.Channel.TokenFile == "" && cfg.Channel.TokenEnv == "" {
		slog.Warn("no channel token source configured; the service will reject the connection")
	}

	// Playback
	if !slices.Contains(ValidCodecs, cfg.Playback.Codec) {
		errs = append(errs, fmt.Errorf("playback.codec %q is invalid; valid values: %v", cfg.Playback.Codec, ValidCodecs))
	}
	if cfg.Playback.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate must be positive, got %d", cfg.Playback.SampleRate))
	}
	if cfg.Playback.Channels < 1 || cfg.Playback.Channels > 2 {
		errs = append(errs, fmt.Errorf("playback.channels must be 1 or 2, got %d", cfg.Playback.Channels))
	}

	if cfg.Journal.PostgresDSN == "" {
		slog.Debug("journal.postgres_dsn is empty; session turns are kept in memory only")
	}

	return errors.Join(errs...)
}
