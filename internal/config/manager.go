package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the live configuration and reloads it when the file on
// disk changes. Readers always see a complete snapshot.
type Manager struct {
	path    string
	mu      sync.RWMutex
	current *Config
	watcher *fsnotify.Watcher
	onSwap  []func(*Config)
}

// NewManager loads the initial config from path.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, current: cfg}, nil
}

// Get returns the current config snapshot. The returned pointer is never
// mutated; a reload swaps in a fresh struct.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers fn to run after each successful reload. Must be
// called before Watch.
func (m *Manager) OnReload(fn func(*Config)) {
	m.onSwap = append(m.onSwap, fn)
}

// Watch reloads the config whenever the file is rewritten. Invalid files
// are logged and skipped, keeping the last good snapshot. Returns when
// ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = w

	// Watch the directory, not the file: editors and atomic writers
	// replace the inode and a file watch would go stale.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				m.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("[Config] watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		slog.Warn("[Config] reload failed, keeping previous config", "path", m.path, "error", err)
		return
	}

	m.mu.Lock()
	m.current = cfg
	swap := m.onSwap
	m.mu.Unlock()

	slog.Info("[Config] reloaded", "path", m.path)
	for _, fn := range swap {
		fn(cfg)
	}
}
