// Package pluginwatch implements the Plugin Watcher (C8): filesystem change
// detection over plugin source trees, debounced and content-hash verified
// so the host only reloads a plugin when its source has actually changed.
package pluginwatch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

// DefaultDebounce is the per-plugin quiet period before a burst of FS events
// triggers a rehash.
const DefaultDebounce = 500 * time.Millisecond

// manifestNames are the files that mark a directory as a plugin root.
var manifestNames = []string{"plugin.toml", "openclaw.plugin.json"}

// PluginChanged is emitted when a plugin's source tree hash differs from
// its last known hash.
type PluginChanged struct {
	Dir           string
	NewSourceHash string
}

// Watcher watches a set of root directories for plugin source changes.
type Watcher struct {
	fsw    *fsnotify.Watcher
	roots  []string
	events chan PluginChanged
	debounce time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	hashes  map[string]string
}

// New creates a Watcher over the given root directories, adding a recursive
// watch (fsnotify is not natively recursive, so every subdirectory is
// registered individually) under each root.
func New(roots []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "create fs watcher", err)
	}

	w := &Watcher{
		fsw:      fsw,
		roots:    roots,
		events:   make(chan PluginChanged, 64),
		debounce: DefaultDebounce,
		timers:   make(map[string]*time.Timer),
		hashes:   make(map[string]string),
	}

	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && IgnoredDirs[info.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return errs.Wrap(errs.KindIO, "watch directory "+path, err)
		}
		return nil
	})
}

// Events returns the channel PluginChanged events are delivered on.
func (w *Watcher) Events() <-chan PluginChanged { return w.events }

// Close stops the underlying fsnotify watcher and releases debounce timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

// Run processes fsnotify events until stop is closed. It is meant to run in
// its own goroutine.
func (w *Watcher) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("plugin watcher error", "err", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if underIgnoredDir(ev.Name) {
		return
	}

	// A newly created directory needs its own watch registered so later
	// events inside it are seen.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
		}
	}

	pluginDir, ok := w.enclosingPluginDir(ev.Name)
	if !ok {
		return
	}

	w.scheduleDebounce(pluginDir)
}

func underIgnoredDir(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if IgnoredDirs[part] {
			return true
		}
	}
	return false
}

// enclosingPluginDir walks upward from path looking for a directory
// containing a recognized manifest file, stopping at any configured watch
// root.
func (w *Watcher) enclosingPluginDir(path string) (string, bool) {
	dir := path
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		dir = filepath.Dir(path)
	}

	for {
		for _, name := range manifestNames {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return dir, true
			}
		}
		if w.isRoot(dir) {
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func (w *Watcher) isRoot(dir string) bool {
	for _, r := range w.roots {
		if filepath.Clean(r) == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

func (w *Watcher) scheduleDebounce(pluginDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[pluginDir]; ok {
		t.Stop()
	}
	w.timers[pluginDir] = time.AfterFunc(w.debounce, func() {
		w.rehash(pluginDir)
	})
}

// rehash runs on the debounce timer's own goroutine (effectively a blocking
// worker per spec §4.8 step 5, since hashing a large tree should not block
// the fsnotify event loop).
func (w *Watcher) rehash(pluginDir string) {
	hash, err := HashSourceTree(pluginDir)
	if err != nil {
		slog.Warn("plugin watcher: rehash failed", "dir", pluginDir, "err", err)
		return
	}

	w.mu.Lock()
	prev, seen := w.hashes[pluginDir]
	changed := !seen || prev != hash
	w.hashes[pluginDir] = hash
	delete(w.timers, pluginDir)
	w.mu.Unlock()

	if changed {
		w.events <- PluginChanged{Dir: pluginDir, NewSourceHash: hash}
	}
}
