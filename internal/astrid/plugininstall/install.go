package plugininstall

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/pluginlock"
	"github.com/unicity-astrid/astrid/internal/astrid/pluginmanifest"
	"lukechampine.com/blake3"
)

// Installer fetches, stages, and atomically installs plugins, keeping the
// lockfile at lockfilePath in sync with the commit point of each install.
type Installer struct {
	fetcher      *Fetcher
	pluginsDir   string // parent directory each plugin is installed under
	lockfilePath string
}

// NewInstaller creates an Installer rooted at pluginsDir with lockfile state
// at lockfilePath.
func NewInstaller(fetcher *Fetcher, pluginsDir, lockfilePath string) *Installer {
	return &Installer{fetcher: fetcher, pluginsDir: pluginsDir, lockfilePath: lockfilePath}
}

// Install fetches spec into a staging directory, validates its manifest,
// and atomically swaps it into place under pluginsDir/<id>, updating the
// lockfile as the commit point. If the lockfile update fails after the
// staging directory has already replaced any prior install, the rename is
// reversed so only the pre-existing backup remains — never a half-applied
// state the lockfile doesn't agree with.
func (in *Installer) Install(ctx context.Context, specStr string) (*pluginlock.LockfileEntry, error) {
	src, err := ParseInstallSource(specStr)
	if err != nil {
		return nil, err
	}

	stagingDir, err := os.MkdirTemp(in.pluginsDir, ".staging-*")
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "create staging directory", err)
	}
	defer os.RemoveAll(stagingDir)

	if err := in.fetcher.Fetch(ctx, src, stagingDir); err != nil {
		return nil, err
	}

	manifestData, err := os.ReadFile(filepath.Join(stagingDir, "plugin.toml"))
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "read staged plugin manifest", err)
	}
	manifest, err := pluginmanifest.Parse(manifestData)
	if err != nil {
		return nil, err
	}

	wasmHash := pluginlock.NoHash
	if manifest.EntryPoint.Kind == pluginmanifest.EntryPointWasm {
		wasmData, err := os.ReadFile(filepath.Join(stagingDir, manifest.EntryPoint.Path))
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "read staged wasm binary", err)
		}
		wasmHash = "blake3:" + blake3Hex(wasmData)
	}

	target := filepath.Join(in.pluginsDir, manifest.ID)
	backup := target + "-backup"
	hadExisting := false

	if _, err := os.Stat(target); err == nil {
		hadExisting = true
		os.RemoveAll(backup) // clear any stale backup from a prior failed install
		if err := os.Rename(target, backup); err != nil {
			return nil, errs.Wrap(errs.KindIO, "back up existing plugin install", err)
		}
	}

	if err := os.Rename(stagingDir, target); err != nil {
		if hadExisting {
			os.Rename(backup, target) // reverse the backup rename
		}
		return nil, errs.Wrap(errs.KindIO, "install staged plugin", err)
	}

	entry := pluginlock.LockfileEntry{
		ID:          manifest.ID,
		Version:     manifest.Version,
		Source:      sourceToLockSource(src),
		WasmHash:    wasmHash,
		InstalledAt: now(),
	}

	err = pluginlock.Update(in.lockfilePath, func(lf *pluginlock.Lockfile) error {
		lf.Add(entry)
		return nil
	})
	if err != nil {
		// Commit point failed: reverse the install so the on-disk state
		// matches what the lockfile actually records.
		os.RemoveAll(target)
		if hadExisting {
			os.Rename(backup, target)
		}
		return nil, errs.Wrap(errs.KindLifecycle, "update lockfile", err)
	}

	if hadExisting {
		os.RemoveAll(backup)
	}
	return &entry, nil
}

func sourceToLockSource(src InstallSource) pluginlock.Source {
	switch src.Kind {
	case SourceGitHub:
		return pluginlock.Source{Kind: pluginlock.SourceGit, URL: "https://github.com/" + src.Org + "/" + src.Repo, Commit: src.Ref}
	case SourceGit:
		return pluginlock.Source{Kind: pluginlock.SourceGit, URL: src.URL, Commit: src.Ref}
	case SourceNpm:
		return pluginlock.Source{Kind: pluginlock.SourceNpm, URL: src.Spec}
	case SourceRegistry:
		name, version, _ := splitLast(src.Spec, '@')
		return pluginlock.Source{Kind: pluginlock.SourceRegistry, URL: name, Version: version}
	default:
		return pluginlock.Source{Kind: pluginlock.SourceLocal, URL: src.Path}
	}
}

func splitLast(s string, sep byte) (string, string, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// now is a seam so tests can't accidentally depend on wall-clock time
// beyond "installed_at is set".
var now = func() time.Time { return time.Now().UTC() }

func blake3Hex(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}
