package plugininstall_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/unicity-astrid/astrid/internal/astrid/pluginlock"
	"github.com/unicity-astrid/astrid/internal/astrid/plugininstall"
)

func writeLocalPlugin(t *testing.T, dir, id, version string) string {
	t.Helper()
	src := filepath.Join(dir, id+"-src")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	manifest := "id = \"" + id + "\"\nname = \"Test\"\nversion = \"" + version + "\"\n\n[entry_point.mcp]\ncommand = \"server\"\n"
	if err := os.WriteFile(filepath.Join(src, "plugin.toml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return src
}

func TestInstall_LocalSource(t *testing.T) {
	root := t.TempDir()
	pluginsDir := filepath.Join(root, "plugins")
	if err := os.MkdirAll(pluginsDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	lockfilePath := filepath.Join(root, "plugins.lock")

	src := writeLocalPlugin(t, root, "weather-lookup", "1.0.0")

	installer := plugininstall.NewInstaller(plugininstall.NewFetcher(""), pluginsDir, lockfilePath)
	entry, err := installer.Install(context.Background(), src)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if entry.ID != "weather-lookup" || entry.Version != "1.0.0" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.WasmHash != pluginlock.NoHash {
		t.Errorf("expected NoHash sentinel for an mcp entry point, got %q", entry.WasmHash)
	}

	if _, err := os.Stat(filepath.Join(pluginsDir, "weather-lookup", "plugin.toml")); err != nil {
		t.Errorf("expected installed manifest to exist: %v", err)
	}

	lf, err := pluginlock.Load(lockfilePath)
	if err != nil {
		t.Fatalf("Load lockfile: %v", err)
	}
	if _, ok := lf.Get("weather-lookup"); !ok {
		t.Fatal("expected lockfile to record the installed plugin")
	}
}

func TestInstall_UpgradeReplacesPriorVersionAndDropsBackup(t *testing.T) {
	root := t.TempDir()
	pluginsDir := filepath.Join(root, "plugins")
	if err := os.MkdirAll(pluginsDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	lockfilePath := filepath.Join(root, "plugins.lock")
	installer := plugininstall.NewInstaller(plugininstall.NewFetcher(""), pluginsDir, lockfilePath)

	src1 := writeLocalPlugin(t, root, "weather-lookup", "1.0.0")
	if _, err := installer.Install(context.Background(), src1); err != nil {
		t.Fatalf("Install v1: %v", err)
	}

	// A second source tree declaring the same plugin id at a new version,
	// to exercise the backup-rename upgrade path.
	src2 := filepath.Join(root, "weather-lookup-v2-src")
	if err := os.MkdirAll(src2, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	manifest := "id = \"weather-lookup\"\nname = \"Test\"\nversion = \"2.0.0\"\n\n[entry_point.mcp]\ncommand = \"server\"\n"
	if err := os.WriteFile(filepath.Join(src2, "plugin.toml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entry, err := installer.Install(context.Background(), src2)
	if err != nil {
		t.Fatalf("Install v2: %v", err)
	}
	if entry.Version != "2.0.0" {
		t.Fatalf("expected upgraded version, got %+v", entry)
	}

	if _, err := os.Stat(filepath.Join(pluginsDir, "weather-lookup-backup")); !os.IsNotExist(err) {
		t.Error("expected the backup directory to be cleaned up after a successful install")
	}

	lf, err := pluginlock.Load(lockfilePath)
	if err != nil {
		t.Fatalf("Load lockfile: %v", err)
	}
	got, ok := lf.Get("weather-lookup")
	if !ok || got.Version != "2.0.0" {
		t.Fatalf("expected lockfile to reflect the upgrade, got %+v ok=%v", got, ok)
	}
}

func TestInstall_RejectsInvalidSource(t *testing.T) {
	root := t.TempDir()
	installer := plugininstall.NewInstaller(plugininstall.NewFetcher(""), root, filepath.Join(root, "plugins.lock"))
	if _, err := installer.Install(context.Background(), "git:file:///etc/passwd"); err == nil {
		t.Fatal("expected an error for an invalid git source")
	}
}
