package config

import "time"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	SilenceWindowChanged bool
	NewSilenceWindow     time.Duration

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// HotReloadable reports whether d contains a change that can be applied to a
// running session.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.ThresholdChanged || d.SilenceWindowChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	if old.VAD.Threshold != new.VAD.Threshold {
		d.ThresholdChanged = true
		d.NewThreshold = new.VAD.Threshold
	}
	if old.VAD.SilenceWindow != new.VAD.SilenceWindow {
		d.SilenceWindowChanged = true
		d.NewSilenceWindow = new.VAD.SilenceWindow
	}

	if old.Server != new.Server {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Channel != new.Channel {
		d.RestartRequired = append(d.RestartRequired, "channel")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	if old.Session.AutostartEnabled() != new.Session.AutostartEnabled() {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	return d
}
