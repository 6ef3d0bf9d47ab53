package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/gradeflow/internal/interview"
)

// Live holds a configuration that follows its file. Only the notification
// and session sections are read through it after startup; everything else
// needs a restart.
type Live struct {
	path string
	load func() (*Config, error)

	mu       sync.RWMutex
	cfg      *Config
	onChange []func(*Config)
}

// NewLive loads the configuration from path, or from the default locations
// when path is empty, and starts watching the file that was used.
func NewLive(path string) (*Live, error) {
	load := Load
	if path != "" {
		load = func() (*Config, error) { return LoadFromPath(path) }
	} else if p := findProjectConfig(); p != "" {
		path = p
	} else {
		path = GetUserConfigPath()
	}
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	l := &Live{path: path, load: load, cfg: cfg}

	w := viper.New()
	w.SetConfigFile(path)
	if err := w.ReadInConfig(); err != nil {
		log.Printf("[config] %s not readable, live reload disabled: %v", path, err)
		return l, nil
	}
	w.OnConfigChange(func(e fsnotify.Event) { l.reload(e.Name) })
	w.WatchConfig()
	log.Printf("[config] watching %s", path)
	return l, nil
}

func (l *Live) reload(name string) {
	cfg, err := l.load()
	if err != nil {
		log.Printf("[config] ignoring change to %s: %v", name, err)
		return
	}
	l.mu.Lock()
	l.cfg = cfg
	hooks := append([]func(*Config){}, l.onChange...)
	l.mu.Unlock()
	log.Printf("[config] reloaded %s (notification delay %s)", name, cfg.Notifications.Delay)
	for _, fn := range hooks {
		fn(cfg)
	}
}

// Current returns the latest configuration.
func (l *Live) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Path returns the watched file.
func (l *Live) Path() string { return l.path }

// OnChange registers fn to run after every successful reload.
func (l *Live) OnChange(fn func(*Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// NotificationDelay returns the current default notification delay.
func (l *Live) NotificationDelay() time.Duration {
	return l.Current().Notifications.Delay
}

// Expiration returns the current session expiration settings.
func (l *Live) Expiration() interview.ExpirationConfig {
	return l.Current().Sessions.Expiration()
}

// WatchFile calls onChange whenever the file at path is written or
// recreated, until ctx is cancelled. The directory is watched so editors
// that replace the file are followed.
func WatchFile(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[config] watch error on %s: %v", path, err)
		}
	}
}
