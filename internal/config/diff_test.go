package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/endpoint"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("identical configs reported as changed: %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, log level is hot-reloadable", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, sampleYAML)
	new := mustLoad(t, sampleYAML)
	new.Endpointing.Strategy = endpoint.StrategySilence
	new.Restart.MaxBackoff = time.Minute
	new.Synthesizer.Options = map[string]any{"api_mode": "xtts"}

	d := config.Diff(old, new)
	want := []string{"synthesizer", "endpointing", "restart"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged {
		t.Error("log level did not change")
	}
}
