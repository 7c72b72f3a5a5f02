package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Watcher monitors a config file for changes and calls a callback when the
// file is modified. It polls mtime and falls back to a content hash so that
// touching the file without editing it is not reported.
type Watcher struct {
	path     string
	fs       afero.Fs
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithFs reads the file from fsys instead of the OS filesystem.
func WithFs(fsys afero.Fs) WatcherOption {
	return func(w *Watcher) { w.fs = fsys }
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts polling in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		fs:       afero.NewOsFs(),
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when it changed. Invalid configs are logged and
// the previous one is kept.
func (w *Watcher) check() {
	info, err := w.fs.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()
	if info.ModTime().Equal(mtime) {
		return
	}

	cfg, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	info, err := w.fs.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := afero.ReadFile(w.fs, w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
