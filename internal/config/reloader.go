package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked after a successful reload with the previous and
// the new configuration.
type ReloadCallback func(old, new *Config) error

// ConfigReloader hot-reloads the configuration on SIGHUP and on file writes.
// Only reload-safe fields may change; anything that would require rebuilding
// clients or reopening the store is rejected.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback

	sighup chan os.Signal
	done   chan struct{}
	once   sync.Once
}

// NewConfigReloader creates a reloader for the given config file. An empty
// path disables file watching; SIGHUP still triggers a reload.
func NewConfigReloader(path string, current *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: current,
		sighup:  make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.sighup, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the callback run after each successful
// reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	copied := *r.current
	return &copied
}

// Start blocks processing reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	for {
		select {
		case <-r.done:
			return
		case <-r.sighup:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case event, ok := <-r.watcherEvents():
			if !ok {
				return
			}
			if r.isConfigWrite(event) {
				r.logger.WithField("file", event.Name).Info("Config file changed, reloading")
				r.reload()
			}
		case err, ok := <-r.watcherErrors():
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

// Stop shuts the reloader down. Safe to call more than once.
func (r *ConfigReloader) Stop() {
	r.once.Do(func() {
		close(r.done)
		signal.Stop(r.sighup)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) watcherEvents() chan fsnotify.Event {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Events
}

func (r *ConfigReloader) watcherErrors() chan error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Errors
}

func (r *ConfigReloader) isConfigWrite(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(r.path) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (r *ConfigReloader) reload() {
	newConfig, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Reload failed: keeping current configuration")
		return
	}

	r.mu.Lock()
	old := r.current
	if err := r.validateReloadSafety(old, newConfig); err != nil {
		r.mu.Unlock()
		r.logger.WithError(err).Error("Reload rejected: keeping current configuration")
		return
	}
	r.current = newConfig
	cb := r.onReload
	r.mu.Unlock()

	if cb != nil {
		if err := cb(old, newConfig); err != nil {
			r.logger.WithError(err).Error("Reload callback failed")
		}
	}

	r.logger.WithField("log_level", newConfig.LogLevel).Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that require a process restart.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.DataDir != new.DataDir {
		return fmt.Errorf("data_dir cannot be changed during hot reload")
	}
	if old.Blob.Backend != new.Blob.Backend {
		return fmt.Errorf("blob.backend cannot be changed during hot reload")
	}
	if old.Blob.HTTP != new.Blob.HTTP {
		return fmt.Errorf("blob.http endpoints cannot be changed during hot reload")
	}
	if old.Blob.S3 != new.Blob.S3 {
		return fmt.Errorf("blob.s3 settings cannot be changed during hot reload")
	}
	if old.ListenAddr != new.ListenAddr {
		return fmt.Errorf("listen_addr cannot be changed during hot reload")
	}
	if old.Tracing != new.Tracing {
		return fmt.Errorf("tracing settings cannot be changed during hot reload")
	}
	return nil
}
