package pluginwatch

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"lukechampine.com/blake3"
)

// IgnoredDirs are never descended into when computing a source hash or when
// deciding whether an FS event concerns a plugin tree at all.
var IgnoredDirs = map[string]bool{
	"node_modules": true,
	"target":       true,
	"dist":         true,
	".git":         true,
}

// shimFileName is the generated shim reserved by the host; it is excluded
// from hashing because the host regenerates it deterministically on every
// load and its presence would otherwise make every plugin look "changed"
// the instant the host wrote it.
const shimFileName = "_astrid_shim.generated"

// HashSourceTree implements the watcher's hashing contract: enumerate files
// recursively under root (excluding IgnoredDirs, *.wasm, and the generated
// shim), skip symlinks, sort paths, and feed
// len(relPath) ‖ relPath ‖ len(content) ‖ content for each file into blake3.
func HashSourceTree(root string) (string, error) {
	var relPaths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if path != root && IgnoredDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".wasm") || info.Name() == shimFileName {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPaths = append(relPaths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", errs.Wrap(errs.KindIO, "walk plugin source tree", err)
	}

	sort.Strings(relPaths)

	h := blake3.New(32, nil)
	var lenBuf [8]byte
	for _, rel := range relPaths {
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", errs.Wrap(errs.KindIO, "read plugin source file", err)
		}
		relBytes := []byte(rel)

		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(relBytes)))
		h.Write(lenBuf[:])
		h.Write(relBytes)

		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(content)))
		h.Write(lenBuf[:])
		h.Write(content)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
