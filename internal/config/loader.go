package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader holds the current configuration of one service and reloads it when
// the file changes.
type Loader struct {
	service string
	path    string

	mu       sync.RWMutex
	current  Config
	onChange []func(Config)
}

// NewLoader performs the initial load. An empty path means defaults plus
// environment only.
func NewLoader(service, path string) (*Loader, error) {
	l := &Loader{service: service, path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Load is a one-shot NewLoader.
func Load(service, path string) (Config, error) {
	l, err := NewLoader(service, path)
	if err != nil {
		return Config{}, err
	}
	return l.Config(), nil
}

func (l *Loader) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after every successful reload.
func (l *Loader) OnChange(fn func(Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload re-reads the file. An invalid file leaves the current config in place.
func (l *Loader) Reload() (Config, error) {
	cfg, err := l.load()
	if err != nil {
		return l.Config(), err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := append(([]func(Config))(nil), l.onChange...)
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

// Watch reloads on file changes until stop is called. The directory is
// watched so editors that replace the file by rename are handled too.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	target := filepath.Clean(l.path)
	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if _, err := l.Reload(); err != nil {
					slog.Warn("config: reload failed, keeping previous config", "path", l.path, "error", err)
					continue
				}
				slog.Info("config: reloaded", "path", l.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

func (l *Loader) load() (Config, error) {
	cfg := Default(l.service)
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("config: file not found, using defaults", "path", l.path)
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", l.path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", l.path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
