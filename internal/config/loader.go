package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/endpoint"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognizer":  {"deepgram", "console"},
	"synthesizer": {"coqui", "command", "console"},
	"llm":         {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// ValidAudioDevices lists the accepted audio.device values.
var ValidAudioDevices = []string{"command", "portaudio", "wavdir"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultLanguage        = "ja-JP"
	DefaultStorePath       = "parley-state.json"
	DefaultSampleRate      = 16000
	DefaultDialogueTimeout = 30 * time.Second
	DefaultMinSession      = time.Second
	DefaultBackoff         = time.Second
	DefaultMaxBackoff      = 30 * time.Second
)

// LoadDotEnv loads KEY=value pairs from the given files (".env" when none
// are named) into the process environment. Variables already set win.
// Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
		slog.Debug("config: loaded env file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. ${VAR} references are expanded from the environment
// before decoding, so secrets can live in a .env file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(raw)))
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

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with the variable's value. Unset variables are
// left as written.
func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		if v, ok := os.LookupEnv(string(m[2 : len(m)-1])); ok {
			return []byte(v)
		}
		return m
	})
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Recognizer.Name == "" {
		cfg.Recognizer.Name = "console"
	}
	if cfg.Recognizer.Language == "" {
		cfg.Recognizer.Language = cfg.Language
	}
	applyAudioDefaults(&cfg.Recognizer.Audio)

	applySynthesizerDefaults(&cfg.Synthesizer, cfg.Language)
	for i := range cfg.Synthesizer.Fallbacks {
		applySynthesizerDefaults(&cfg.Synthesizer.Fallbacks[i], cfg.Synthesizer.Language)
	}

	if cfg.Dialogue.Backend == "" {
		cfg.Dialogue.Backend = BackendHTTP
	}
	if cfg.Dialogue.Timeout == 0 {
		cfg.Dialogue.Timeout = DefaultDialogueTimeout
	}

	if cfg.Endpointing.Strategy == "" {
		cfg.Endpointing.Strategy = endpoint.StrategySilence
	}
	if cfg.Endpointing.SilenceTimeout == 0 {
		cfg.Endpointing.SilenceTimeout = endpoint.DefaultSilenceTimeout
	}
	if cfg.Endpointing.TriggerPhrase == "" {
		cfg.Endpointing.TriggerPhrase = endpoint.DefaultTriggerPhrase
	}

	if cfg.Restart.MinSession == 0 {
		cfg.Restart.MinSession = DefaultMinSession
	}
	if cfg.Restart.Backoff == 0 {
		cfg.Restart.Backoff = DefaultBackoff
	}
	if cfg.Restart.MaxBackoff == 0 {
		cfg.Restart.MaxBackoff = DefaultMaxBackoff
	}

	if cfg.Store.Path == "" && cfg.Store.PostgresDSN == "" {
		cfg.Store.Path = DefaultStorePath
	}
}

func applySynthesizerDefaults(s *SynthesizerConfig, lang string) {
	if s.Name == "" {
		s.Name = "console"
	}
	if s.Language == "" {
		s.Language = lang
	}
	applyAudioDefaults(&s.Audio)
}

func applyAudioDefaults(a *AudioConfig) {
	if a.Device == "" {
		a.Device = "command"
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if strings.TrimSpace(cfg.Language) == "" {
		errs = append(errs, errors.New("language must not be blank"))
	}

	// Recognizer
	validateProviderName("recognizer", cfg.Recognizer.Name)
	if cfg.Recognizer.Name == "deepgram" && cfg.Recognizer.APIKey == "" {
		errs = append(errs, errors.New("recognizer.api_key is required for deepgram"))
	}
	if cfg.Recognizer.NoSpeechTimeout < 0 {
		errs = append(errs, errors.New("recognizer.no_speech_timeout must not be negative"))
	}
	errs = append(errs, validateAudio("recognizer.audio", cfg.Recognizer.Audio, false)...)

	// Synthesizer
	errs = append(errs, validateSynthesizer("synthesizer", cfg.Synthesizer)...)
	for i, fb := range cfg.Synthesizer.Fallbacks {
		prefix := fmt.Sprintf("synthesizer.fallbacks[%d]", i)
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks: nested fallbacks are not supported", prefix))
		}
		errs = append(errs, validateSynthesizer(prefix, fb)...)
	}

	// Dialogue
	d := cfg.Dialogue
	switch {
	case !d.Backend.IsValid():
		errs = append(errs, fmt.Errorf("dialogue.backend %q is invalid; valid values: http, llm", d.Backend))
	case d.Backend == BackendHTTP:
		if err := validateURL(d.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("dialogue.base_url: %w", err))
		}
	case d.Backend == BackendLLM:
		if d.LLM.Name == "" {
			errs = append(errs, errors.New("dialogue.llm.name is required when dialogue.backend is llm"))
		}
		validateProviderName("llm", d.LLM.Name)
		for i, fb := range d.LLM.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("dialogue.llm.fallbacks[%d].name is required", i))
			}
			validateProviderName("llm", fb.Name)
		}
		if d.LLM.MaxHistory < 0 {
			errs = append(errs, errors.New("dialogue.llm.max_history must not be negative"))
		}
		if d.LLM.Temperature < 0 || d.LLM.Temperature > 2 {
			errs = append(errs, fmt.Errorf("dialogue.llm.temperature %.2f is out of range [0, 2]", d.LLM.Temperature))
		}
	}
	if d.Timeout < 0 {
		errs = append(errs, errors.New("dialogue.timeout must not be negative"))
	}
	if d.Breaker.MaxFailures < 0 || d.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("dialogue.breaker values must not be negative"))
	}

	// Endpointing
	ep := cfg.Endpointing
	if !ep.Strategy.IsValid() {
		errs = append(errs, fmt.Errorf("endpointing.strategy %q is invalid; valid values: silence, trigger", ep.Strategy))
	}
	if ep.SilenceTimeout < 0 {
		errs = append(errs, errors.New("endpointing.silence_timeout must not be negative"))
	}
	if ep.Strategy == endpoint.StrategyTrigger && strings.TrimSpace(ep.TriggerPhrase) == "" {
		errs = append(errs, errors.New("endpointing.trigger_phrase must not be blank"))
	}

	// Playback and restart
	if cfg.Playback.Timeout < 0 {
		errs = append(errs, errors.New("playback.timeout must not be negative"))
	}
	r := cfg.Restart
	if r.MinSession < 0 || r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("restart durations must not be negative"))
	}
	if r.MaxBackoff > 0 && r.Backoff > r.MaxBackoff {
		errs = append(errs, fmt.Errorf("restart.backoff %v exceeds restart.max_backoff %v", r.Backoff, r.MaxBackoff))
	}

	// Store
	if cfg.Store.PostgresDSN != "" && cfg.Store.Path != "" && cfg.Store.Path != DefaultStorePath {
		slog.Warn("store.postgres_dsn and store.path are both set; using PostgreSQL")
	}

	return errors.Join(errs...)
}

func validateSynthesizer(prefix string, s SynthesizerConfig) []error {
	var errs []error
	validateProviderName("synthesizer", s.Name)
	switch s.Name {
	case "coqui":
		if err := validateURL(s.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("%s.base_url: %w", prefix, err))
		}
		if mode, ok := s.Options["api_mode"].(string); ok && mode != "standard" && mode != "xtts" {
			errs = append(errs, fmt.Errorf("%s.options.api_mode %q is invalid; valid values: standard, xtts", prefix, mode))
		}
		errs = append(errs, validateAudio(prefix+".audio", s.Audio, true)...)
	case "command":
		if len(s.Command) > 0 && strings.TrimSpace(s.Command[0]) == "" {
			errs = append(errs, fmt.Errorf("%s.command[0] must name an executable", prefix))
		}
	}
	return errs
}

func validateAudio(prefix string, a AudioConfig, sink bool) []error {
	var errs []error
	if !slices.Contains(ValidAudioDevices, a.Device) {
		errs = append(errs, fmt.Errorf("%s.device %q is invalid; valid values: %s", prefix, a.Device, strings.Join(ValidAudioDevices, ", ")))
	}
	if a.Device == "wavdir" {
		if !sink {
			errs = append(errs, fmt.Errorf("%s.device wavdir can only play audio", prefix))
		}
		if a.Dir == "" {
			errs = append(errs, fmt.Errorf("%s.dir is required for the wavdir device", prefix))
		}
	}
	if a.SampleRate < 0 || a.Channels < 0 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("%s: sample_rate must be positive and channels 1 or 2", prefix))
	}
	return errs
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q must be an absolute http(s) URL", raw)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
