package plugininstall

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

const (
	maxTarEntries    = 10_000
	maxTarTotalBytes = 500 * 1024 * 1024
	maxDownloadBytes = 100 * 1024 * 1024
)

// ErrPackageTooLarge, ErrPathTraversal, and ErrUnsafeEntryType name the
// specific tarball-extraction failures spec §4.7 requires the installer to
// distinguish.
var (
	ErrPackageTooLarge = errs.New(errs.KindValidation, "package exceeds extraction limits")
	ErrPathTraversal   = errs.New(errs.KindValidation, "tarball entry escapes destination directory")
	ErrUnsafeEntryType = errs.New(errs.KindValidation, "tarball entry is not a regular file or directory")
)

// ExtractTarGz extracts a gzip-compressed tarball into dest, applying every
// hardening rule spec §4.7 names: entry-type allowlisting, absolute-path and
// ".." rejection, first-path-component stripping (GitHub tarballs wrap their
// contents in "org-repo-sha/"), entry-count and total-size limits, no
// permission-bit restoration, and a post-mkdir canonicalization re-check
// against symlink-based escapes.
func ExtractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "open gzip stream", err)
	}
	defer gz.Close()

	absDest, err := filepath.Abs(dest)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "resolve destination path", err)
	}

	tr := tar.NewReader(gz)
	entries := 0
	var totalBytes int64
	strippedRoot := ""

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.Wrap(errs.KindValidation, "read tar entry", err)
		}

		entries++
		if entries > maxTarEntries {
			return ErrPackageTooLarge
		}
		totalBytes += hdr.Size
		if totalBytes > maxTarTotalBytes {
			return ErrPackageTooLarge
		}

		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		default:
			return ErrUnsafeEntryType
		}

		name := filepath.ToSlash(hdr.Name)
		if filepath.IsAbs(name) {
			return ErrPathTraversal
		}
		for _, part := range strings.Split(name, "/") {
			if part == ".." {
				return ErrPathTraversal
			}
		}

		name = stripFirstComponent(name, &strippedRoot)
		if name == "" {
			continue // the stripped root component itself
		}

		target := filepath.Join(absDest, filepath.FromSlash(name))
		if !isWithin(absDest, target) {
			return ErrPathTraversal
		}

		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errs.Wrap(errs.KindIO, "create directory", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errs.Wrap(errs.KindIO, "create parent directory", err)
		}

		// Re-canonicalize after mkdir: a symlink planted by an earlier
		// entry could otherwise redirect this write outside dest.
		resolvedParent, err := filepath.EvalSymlinks(filepath.Dir(target))
		if err != nil {
			return errs.Wrap(errs.KindIO, "resolve parent directory", err)
		}
		if !isWithin(absDest, filepath.Join(resolvedParent, filepath.Base(target))) {
			return ErrPathTraversal
		}

		if err := extractFile(tr, target, hdr.Size); err != nil {
			return err
		}
	}

	return nil
}

// stripFirstComponent removes the tarball's top-level wrapper directory
// (e.g. "acme-weather-lookup-abc1234/") from name, remembering which
// component it stripped so every subsequent entry is stripped consistently.
func stripFirstComponent(name string, root *string) string {
	parts := strings.SplitN(name, "/", 2)
	if *root == "" && len(parts) > 0 {
		*root = parts[0]
	}
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func isWithin(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func extractFile(tr *tar.Reader, target string, size int64) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindIO, "create extracted file", err)
	}
	defer f.Close()

	if _, err := io.CopyN(f, tr, size); err != nil && err != io.EOF {
		return errs.Wrap(errs.KindIO, "write extracted file", err)
	}
	return nil
}
