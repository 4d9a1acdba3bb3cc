package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/procagent/internal/tool/procedure"
)

// ToolsWatcher polls a TOML tools file and calls a callback with the new
// definitions whenever its content changes. Invalid edits are logged and
// ignored: the last valid definitions stay current.
type ToolsWatcher struct {
	path     string
	interval time.Duration
	onChange func(diff ToolsDiff, defs []procedure.Definition)

	mu       sync.Mutex
	current  []procedure.Definition
	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [ToolsWatcher].
type WatcherOption func(*ToolsWatcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *ToolsWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewToolsWatcher loads the tools file at path immediately and starts polling
// it in a background goroutine. onChange is called from that goroutine.
func NewToolsWatcher(path string, onChange func(diff ToolsDiff, defs []procedure.Definition), opts ...WatcherOption) (*ToolsWatcher, error) {
	w := &ToolsWatcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	defs, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = defs
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid definitions.
func (w *ToolsWatcher) Current() []procedure.Definition {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops polling. It is safe to call more than once.
func (w *ToolsWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *ToolsWatcher) poll() {
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

func (w *ToolsWatcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("tools watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	defs, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("tools watcher: keeping previous tools", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = defs
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	diff := DiffTools(old, defs)
	slog.Info("tools watcher: tools reloaded", "path", w.path,
		"added", len(diff.Added), "removed", len(diff.Removed), "changed", len(diff.Changed))

	// Outside the lock so the callback may call Current.
	if w.onChange != nil && !diff.Empty() {
		w.onChange(diff, defs)
	}
}

func (w *ToolsWatcher) loadAndHash() ([]procedure.Definition, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	defs, err := DecodeTools(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	return defs, sha256.Sum256(data), info.ModTime(), nil
}
