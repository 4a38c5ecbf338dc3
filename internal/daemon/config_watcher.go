package daemon

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jordan-lee502/polygon-editor-back/internal/config"
)

// ConfigGetter provides access to the current config
type ConfigGetter interface {
	Config() *config.Config
}

// StaticConfig wraps a config for use without hot-reloading (e.g., in tests)
type StaticConfig struct {
	cfg *config.Config
}

// NewStaticConfig creates a ConfigGetter that always returns the same config
func NewStaticConfig(cfg *config.Config) *StaticConfig {
	return &StaticConfig{cfg: cfg}
}

// Config returns the static config
func (sc *StaticConfig) Config() *config.Config {
	return sc.cfg
}

// ConfigWatcher watches config.toml for changes and reloads configuration.
//
// Hot-reloadable settings take effect immediately: job_timeout_minutes, the
// [retry] policy, and the [reconcile] windows. Raising retry.max_attempts
// re-surfaces previously exhausted workspaces on the reconciler's next pass.
//
// Settings requiring restart: server_addr, max_workers, [queue] lanes, and
// the [tto] connection values (the upstream client is built at startup).
// These are read at startup and the running values are preserved even if the
// config file changes. CLI flag overrides (-addr, -workers) only apply to
// restart-required settings, so they remain in effect for the daemon's
// lifetime. The config object may show file values after reload, but the
// actual running server address and worker pool size are fixed at startup.
//
// Note: ConfigWatcher is not restart-safe. Once Stop() is called, Start() will
// return an error. Create a new ConfigWatcher instance if restart is needed.
type ConfigWatcher struct {
	configPath     string
	cfg            *config.Config
	cfgMu          sync.RWMutex
	broadcaster    Broadcaster
	watcher        *fsnotify.Watcher
	stopCh         chan struct{}
	stopOnce       sync.Once
	stopped        bool      // True after Stop() is called
	lastReloadedAt time.Time // Time of last successful config reload
	reloadCounter  uint64    // Monotonic counter for reload events (sub-second precision)
}

// NewConfigWatcher creates a new config watcher
func NewConfigWatcher(configPath string, cfg *config.Config, broadcaster Broadcaster) *ConfigWatcher {
	return &ConfigWatcher{
		configPath:  configPath,
		cfg:         cfg,
		broadcaster: broadcaster,
		stopCh:      make(chan struct{}),
	}
}

// Start begins watching the config file for changes.
// Returns an error if the watcher has already been stopped.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	// Check if already stopped (not restart-safe)
	cw.cfgMu.RLock()
	stopped := cw.stopped
	cw.cfgMu.RUnlock()
	if stopped {
		return fmt.Errorf("config watcher already stopped; create a new instance to restart")
	}

	// Skip watching if no config path provided (e.g., in tests)
	if cw.configPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	cw.watcher = watcher

	// Watch the directory containing the config file, not the file itself.
	// This handles editors that do atomic writes (delete + create).
	configDir := filepath.Dir(cw.configPath)
	configFile := filepath.Base(cw.configPath)

	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		cw.watcher = nil // Prevent double-close if Stop() is called later
		return err
	}

	go cw.watchLoop(ctx, configFile)
	return nil
}

// Stop stops the config watcher. Safe to call multiple times.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.cfgMu.Lock()
		cw.stopped = true
		cw.cfgMu.Unlock()
		close(cw.stopCh)
		if cw.watcher != nil {
			cw.watcher.Close()
		}
	})
}

// Config returns the current config with read lock
func (cw *ConfigWatcher) Config() *config.Config {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.cfg
}

// LastReloadedAt returns the time of the last successful config reload
func (cw *ConfigWatcher) LastReloadedAt() time.Time {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.lastReloadedAt
}

// ReloadCounter returns a monotonic counter incremented on each reload.
// Use this instead of timestamp comparison to detect reloads that happen
// within the same second.
func (cw *ConfigWatcher) ReloadCounter() uint64 {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.reloadCounter
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context, configFile string) {
	// Debounce timer to handle rapid file changes
	var debounceTimer *time.Timer
	debounceDelay := 200 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			// Only react to changes to our config file
			if filepath.Base(event.Name) != configFile {
				continue
			}

			// React to write, create, or rename events
			// Rename is needed for editors that do atomic saves via rename (e.g., vim)
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				cw.reloadConfig()
			})

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Config watcher error: %v", err)
		}
	}
}

func (cw *ConfigWatcher) reloadConfig() {
	newCfg, err := config.LoadGlobalFrom(cw.configPath)
	if err != nil {
		log.Printf("Failed to reload config: %v", err)
		return
	}

	cw.cfgMu.Lock()
	oldCfg := cw.cfg
	cw.cfg = newCfg
	cw.lastReloadedAt = time.Now()
	cw.reloadCounter++
	cw.cfgMu.Unlock()

	// Log what changed (for debugging)
	logConfigChanges(oldCfg, newCfg)

	// Broadcast config reloaded event to notify connected clients
	cw.broadcaster.Broadcast(Event{
		Type: "config.reloaded",
		TS:   time.Now(),
	})

	log.Printf("Config reloaded successfully")
}

func logConfigChanges(old, new *config.Config) {
	if old.JobTimeoutMinutes != new.JobTimeoutMinutes {
		log.Printf("Config change: job_timeout_minutes %d -> %d", old.JobTimeoutMinutes, new.JobTimeoutMinutes)
	}
	if old.Retry.MaxAttempts != new.Retry.MaxAttempts {
		log.Printf("Config change: retry.max_attempts %d -> %d", old.Retry.MaxAttempts, new.Retry.MaxAttempts)
	}
	if old.Retry.BaseDelayMS != new.Retry.BaseDelayMS {
		log.Printf("Config change: retry.base_delay_ms %d -> %d", old.Retry.BaseDelayMS, new.Retry.BaseDelayMS)
	}
	if old.Reconcile.LeaseTTLMinutes != new.Reconcile.LeaseTTLMinutes {
		log.Printf("Config change: reconcile.lease_ttl_minutes %d -> %d", old.Reconcile.LeaseTTLMinutes, new.Reconcile.LeaseTTLMinutes)
	}
	if old.Reconcile.CooldownMinutes != new.Reconcile.CooldownMinutes {
		log.Printf("Config change: reconcile.cooldown_minutes %d -> %d", old.Reconcile.CooldownMinutes, new.Reconcile.CooldownMinutes)
	}
	if old.TTO.BaseURL != new.TTO.BaseURL {
		log.Printf("Config change: tto.base_url %q -> %q (requires daemon restart to take effect)", old.TTO.BaseURL, new.TTO.BaseURL)
	}
	if old.MaxWorkers != new.MaxWorkers {
		log.Printf("Config change: max_workers %d -> %d (requires daemon restart to take effect)", old.MaxWorkers, new.MaxWorkers)
	}
	if old.ServerAddr != new.ServerAddr {
		log.Printf("Config change: server_addr %q -> %q (requires daemon restart to take effect)", old.ServerAddr, new.ServerAddr)
	}
}
