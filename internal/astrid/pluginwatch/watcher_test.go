package pluginwatch_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unicity-astrid/astrid/internal/astrid/pluginwatch"
)

func TestWatcher_EmitsPluginChangedOnContentEdit(t *testing.T) {
	root := t.TempDir()
	pluginDir := filepath.Join(root, "weather-lookup")
	writeFile(t, filepath.Join(pluginDir, "plugin.toml"), "id = \"weather-lookup\"\n")
	writeFile(t, filepath.Join(pluginDir, "main.go"), "package main\n")

	w, err := pluginwatch.New([]string{root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	stop := make(chan struct{})
	defer close(stop)
	go w.Run(stop)

	// Give the watcher goroutine a moment to start. No hash is cached yet, so
	// the first rehash after this edit always emits an event.
	time.Sleep(50 * time.Millisecond)

	writeFile(t, filepath.Join(pluginDir, "main.go"), "package main\n\nfunc init() {}\n")

	select {
	case ev := <-w.Events():
		if ev.Dir != pluginDir {
			t.Errorf("expected event for %q, got %q", pluginDir, ev.Dir)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a PluginChanged event")
	}
}

func TestWatcher_IgnoresNodeModulesChanges(t *testing.T) {
	root := t.TempDir()
	pluginDir := filepath.Join(root, "npm-plugin")
	writeFile(t, filepath.Join(pluginDir, "plugin.toml"), "id = \"npm-plugin\"\n")
	writeFile(t, filepath.Join(pluginDir, "node_modules", "pkg", "index.js"), "module.exports = {}")

	w, err := pluginwatch.New([]string{root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	stop := make(chan struct{})
	defer close(stop)
	go w.Run(stop)

	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(pluginDir, "node_modules", "pkg", "index.js"), []byte("module.exports = {changed: true}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("expected no event for a node_modules change, got %+v", ev)
	case <-time.After(1200 * time.Millisecond):
		// No event within a debounce-and-change window: correct.
	}
}
