package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is the only change applied without a restart.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart, in schema order.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"language", old.Language, new.Language},
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"recognizer", old.Recognizer, new.Recognizer},
		{"synthesizer", old.Synthesizer, new.Synthesizer},
		{"dialogue", old.Dialogue, new.Dialogue},
		{"endpointing", old.Endpointing, new.Endpointing},
		{"playback", old.Playback, new.Playback},
		{"restart", old.Restart, new.Restart},
		{"store", old.Store, new.Store},
	}
	for _, s := range sections {
		// Provider options are maps, so plain == is not available.
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
