package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	recognizers  map[string]func(RecognizerConfig) (stt.Recognizer, error)
	synthesizers map[string]func(SynthesizerConfig) (tts.Synthesizer, error)
	llm          map[string]func(ProviderEntry) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognizers:  make(map[string]func(RecognizerConfig) (stt.Recognizer, error)),
		synthesizers: make(map[string]func(SynthesizerConfig) (tts.Synthesizer, error)),
		llm:          make(map[string]func(ProviderEntry) (llm.Provider, error)),
	}
}

// RegisterRecognizer registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognizer(name string, factory func(RecognizerConfig) (stt.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = factory
}

// RegisterSynthesizer registers a synthesizer factory under name.
func (r *Registry) RegisterSynthesizer(name string, factory func(SynthesizerConfig) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesizers[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateRecognizer instantiates the recognizer registered under cfg.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateRecognizer(cfg RecognizerConfig) (stt.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.recognizers[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateSynthesizer instantiates the synthesizer registered under cfg.Name.
func (r *Registry) CreateSynthesizer(cfg SynthesizerConfig) (tts.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.synthesizers[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesizer/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted registered names for kind ("recognizer",
// "synthesizer" or "llm").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "recognizer":
		for n := range r.recognizers {
			names = append(names, n)
		}
	case "synthesizer":
		for n := range r.synthesizers {
			names = append(names, n)
		}
	case "llm":
		for n := range r.llm {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
