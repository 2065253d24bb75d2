package pluginlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sys/unix"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/pluginmanifest"
	"lukechampine.com/blake3"
)

// lockPath returns the sibling advisory-lock file for a lockfile path, e.g.
// plugins.lock -> plugins.lk.
func lockPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".lk"
}

// advisoryLock holds an open file descriptor flock'd for the duration of one
// load/update/save sequence. Release always closes the descriptor, which
// drops the OS-level lock.
type advisoryLock struct {
	f *os.File
}

func acquireLock(path string, exclusive bool) (*advisoryLock, error) {
	f, err := os.OpenFile(lockPath(path), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "open lockfile advisory lock", err)
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIO, "acquire advisory lock", err)
	}
	return &advisoryLock{f: f}, nil
}

func (l *advisoryLock) release() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}

// Load reads and parses the lockfile at path, under a shared advisory lock.
func Load(path string) (*Lockfile, error) {
	lock, err := acquireLock(path, false)
	if err != nil {
		return nil, err
	}
	defer lock.release()
	return loadLocked(path)
}

func loadLocked(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "read lockfile", err)
	}

	// The leading "do not edit" header is a '#' comment, which go-toml
	// ignores natively, so the file is unmarshaled as read.
	var lf Lockfile
	if err := toml.Unmarshal(data, &lf); err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "parse lockfile", err)
	}
	if err := validateSchemaVersion(lf.SchemaVersion); err != nil {
		return nil, err
	}
	return &lf, nil
}

// LoadOrDefault behaves like Load, but returns a fresh empty Lockfile instead
// of an error when path does not exist.
func LoadOrDefault(path string) (*Lockfile, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return NewEmpty(), nil
	}
	return Load(path)
}

// Save atomically writes lf to path: a temp file in the same directory is
// written, fsynced, then renamed over the destination. The caller must hold
// an exclusive lock (Update does this for you); Save itself does not lock,
// since it is also called from within Update's already-locked critical
// section.
func Save(path string, lf *Lockfile) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".plugins.lock.tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindIO, "create temp lockfile", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	body, err := toml.Marshal(lf)
	if err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindInternal, "marshal lockfile", err)
	}

	if _, err := tmp.WriteString(lockfileHeader); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIO, "write lockfile header", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIO, "write lockfile body", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIO, "fsync lockfile", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindIO, "close lockfile temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.KindIO, "rename lockfile into place", err)
	}
	return nil
}

// Update loads, mutates via fn, and saves the lockfile at path under a
// single exclusive advisory lock, so a concurrent installer/remover cannot
// interleave a load-mutate-save cycle with this one.
func Update(path string, fn func(*Lockfile) error) error {
	lock, err := acquireLock(path, true)
	if err != nil {
		return err
	}
	defer lock.release()

	lf, err := loadOrDefaultLocked(path)
	if err != nil {
		return err
	}
	if err := fn(lf); err != nil {
		return err
	}
	return Save(path, lf)
}

func loadOrDefaultLocked(path string) (*Lockfile, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return NewEmpty(), nil
	}
	return loadLocked(path)
}

// VerifyIntegrity checks every lockfile entry against the on-disk plugin
// directory: the plugin's subdirectory must exist, its manifest version must
// match the lockfile, and (for WASM entries) the blake3 hash of the WASM
// binary must match. It never repairs; it only reports.
func VerifyIntegrity(lf *Lockfile, pluginDir string) ([]Violation, error) {
	var violations []Violation

	for _, e := range lf.Entries {
		dir := filepath.Join(pluginDir, e.ID)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			violations = append(violations, Violation{PluginID: e.ID, Kind: ViolationMissing, Detail: dir})
			continue
		}

		manifestPath := filepath.Join(dir, "plugin.toml")
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			violations = append(violations, Violation{PluginID: e.ID, Kind: ViolationMissing, Detail: "manifest: " + manifestPath})
			continue
		}
		manifest, err := pluginmanifest.Parse(data)
		if err != nil {
			violations = append(violations, Violation{PluginID: e.ID, Kind: ViolationVersionMismatch, Detail: "manifest failed to parse: " + err.Error()})
			continue
		}
		if manifest.Version != e.Version {
			violations = append(violations, Violation{
				PluginID: e.ID,
				Kind:     ViolationVersionMismatch,
				Detail:   fmt.Sprintf("lockfile has %s, manifest has %s", e.Version, manifest.Version),
			})
			continue
		}

		if e.WasmHash == NoHash || manifest.EntryPoint.Kind != pluginmanifest.EntryPointWasm {
			continue
		}
		wasmPath := filepath.Join(dir, manifest.EntryPoint.Path)
		wasmData, err := os.ReadFile(wasmPath)
		if err != nil {
			violations = append(violations, Violation{PluginID: e.ID, Kind: ViolationMissing, Detail: "wasm binary: " + wasmPath})
			continue
		}
		actual := "blake3:" + blake3Hex(wasmData)
		if actual != e.WasmHash {
			violations = append(violations, Violation{
				PluginID: e.ID,
				Kind:     ViolationHashMismatch,
				Detail:   fmt.Sprintf("lockfile has %s, computed %s", e.WasmHash, actual),
			})
		}
	}

	return violations, nil
}

func blake3Hex(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}
