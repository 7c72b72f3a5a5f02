package main

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	"github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttconsole "github.com/MrWong99/parley/pkg/provider/stt/console"
	"github.com/MrWong99/parley/pkg/provider/stt/deepgram"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/command"
	ttsconsole "github.com/MrWong99/parley/pkg/provider/tts/console"
	"github.com/MrWong99/parley/pkg/provider/tts/coqui"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Audio-based providers open their PCM devices through dev.
func registerBuiltinProviders(reg *config.Registry, dev *devices) {
	// ── Recognizers ───────────────────────────────────────────────────────────

	reg.RegisterRecognizer("deepgram", func(c config.RecognizerConfig) (stt.Recognizer, error) {
		src, err := dev.source(c.Audio)
		if err != nil {
			return nil, err
		}
		opts := []deepgram.Option{deepgram.WithLanguage(c.Language)}
		if c.Model != "" {
			opts = append(opts, deepgram.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(c.BaseURL))
		}
		if c.NoSpeechTimeout > 0 {
			opts = append(opts, deepgram.WithNoSpeechTimeout(c.NoSpeechTimeout))
		}
		return deepgram.New(c.APIKey, src, opts...)
	})

	// One line on stdin is one final result.
	reg.RegisterRecognizer("console", func(config.RecognizerConfig) (stt.Recognizer, error) {
		return sttconsole.New(os.Stdin), nil
	})

	// ── Synthesizers ──────────────────────────────────────────────────────────

	reg.RegisterSynthesizer("coqui", func(c config.SynthesizerConfig) (tts.Synthesizer, error) {
		sink, err := dev.sink(c.Audio)
		if err != nil {
			return nil, err
		}
		opts := []coqui.Option{coqui.WithOutputFormat(format(c.Audio))}
		if lang := optString(c.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if c.Voice != "" {
			opts = append(opts, coqui.WithSpeaker(c.Voice))
		}
		if mode := optString(c.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(c.BaseURL, sink, opts...)
	})

	reg.RegisterSynthesizer("command", func(c config.SynthesizerConfig) (tts.Synthesizer, error) {
		if len(c.Command) == 0 {
			return command.NewEspeak()
		}
		if strings.TrimSpace(c.Command[0]) == "" {
			return nil, errors.New("command: program name must not be empty")
		}
		return command.New(c.Command[0], c.Command[1:]...)
	})

	reg.RegisterSynthesizer("console", func(c config.SynthesizerConfig) (tts.Synthesizer, error) {
		prefix := optString(c.Options, "prefix")
		if prefix == "" {
			prefix = "interviewer> "
		}
		return ttsconsole.New(os.Stdout, prefix), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp and llamafile share
	// the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	for _, kind := range []string{"recognizer", "synthesizer", "llm"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
