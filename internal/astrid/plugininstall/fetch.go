package plugininstall

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/unicity-astrid/astrid/common/retry"
	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

const (
	gitCloneTimeout = 300 * time.Second
	httpFetchTimeout = 60 * time.Second
)

// Fetcher retrieves a plugin's source tree into a caller-supplied staging
// directory, returning the directory it populated.
type Fetcher struct {
	httpClient     *http.Client
	registryURL    string // base URL for SourceRegistry lookups
	githubAPIBase  string // override point for tests
}

// NewFetcher creates a Fetcher. registryURL is the Astrid plugin registry's
// base URL, used only for SourceRegistry installs.
func NewFetcher(registryURL string) *Fetcher {
	return &Fetcher{
		httpClient:    &http.Client{Timeout: httpFetchTimeout},
		registryURL:   registryURL,
		githubAPIBase: "https://api.github.com",
	}
}

// Fetch stages src's content under stagingDir, applying the hardened
// tarball extraction rules wherever a tarball is involved.
func (f *Fetcher) Fetch(ctx context.Context, src InstallSource, stagingDir string) error {
	switch src.Kind {
	case SourceLocal:
		return copyTree(src.Path, stagingDir)
	case SourceGitHub:
		return f.fetchGitHubTarball(ctx, src, stagingDir)
	case SourceGit:
		return f.fetchGitClone(ctx, src, stagingDir)
	case SourceNpm:
		return f.fetchNpmTarball(ctx, src, stagingDir)
	case SourceRegistry:
		return f.fetchRegistryTarball(ctx, src, stagingDir)
	default:
		return errs.New(errs.KindValidation, fmt.Sprintf("unknown install source kind %q", src.Kind))
	}
}

func (f *Fetcher) fetchGitHubTarball(ctx context.Context, src InstallSource, stagingDir string) error {
	ref := src.Ref
	if ref == "" {
		ref = "HEAD"
	}
	url := fmt.Sprintf("%s/repos/%s/%s/tarball/%s", f.githubAPIBase, src.Org, src.Repo, ref)
	return f.fetchTarballFromURL(ctx, url, stagingDir)
}

func (f *Fetcher) fetchNpmTarball(ctx context.Context, src InstallSource, stagingDir string) error {
	// The npm registry's tarball URL is resolved from the package's own
	// metadata document; Spec carries "<name>@<version>" or a scoped
	// equivalent that the registry metadata endpoint accepts directly.
	url := "https://registry.npmjs.org/" + src.Spec
	return f.fetchTarballFromURL(ctx, url, stagingDir)
}

func (f *Fetcher) fetchRegistryTarball(ctx context.Context, src InstallSource, stagingDir string) error {
	if f.registryURL == "" {
		return errs.New(errs.KindValidation, "no Astrid registry URL configured")
	}
	url := f.registryURL + "/plugins/" + src.Spec + "/tarball"
	return f.fetchTarballFromURL(ctx, url, stagingDir)
}

func (f *Fetcher) fetchTarballFromURL(ctx context.Context, url, stagingDir string) error {
	var data []byte

	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		ShouldRetry:  func(err error) bool { return err != ErrPackageTooLarge },
	}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "build fetch request", err)
		}

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return errs.Wrap(errs.KindIO, "fetch plugin tarball", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errs.New(errs.KindIO, fmt.Sprintf("fetch plugin tarball: unexpected status %d", resp.StatusCode))
		}

		limited := io.LimitReader(resp.Body, maxDownloadBytes+1)
		body, err := io.ReadAll(limited)
		if err != nil {
			return errs.Wrap(errs.KindIO, "read plugin tarball", err)
		}
		if int64(len(body)) > maxDownloadBytes {
			return ErrPackageTooLarge
		}
		data = body
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return errs.Wrap(errs.KindIO, "create staging directory", err)
	}
	return ExtractTarGz(bytes.NewReader(data), stagingDir)
}

// fetchGitClone runs the git binary with a scrubbed environment to clone src
// into stagingDir. The subprocess is killed if it exceeds gitCloneTimeout,
// which is enforced independently of ctx so a caller-supplied context
// without its own deadline still bounds the clone.
func (f *Fetcher) fetchGitClone(ctx context.Context, src InstallSource, stagingDir string) error {
	cctx, cancel := context.WithTimeout(ctx, gitCloneTimeout)
	defer cancel()

	args := []string{"clone", "--depth", "1"}
	if src.Ref != "" {
		args = append(args, "--branch", src.Ref)
	}
	args = append(args, src.URL, stagingDir)

	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Stdin = nil
	cmd.Env = scrubbedGitEnv()

	out, err := cmd.CombinedOutput()
	if err != nil {
		return errs.Wrap(errs.KindLifecycle, "git clone failed: "+string(out), err)
	}
	return nil
}

// scrubbedGitEnv builds a minimal environment for the git subprocess:
// PATH and HOME survive (git needs them to find its own helpers and any
// configured credential helper); everything else, including ambient
// GIT_* variables from the host process, is dropped. Global and system
// git config are disabled so a compromised or misconfigured host config
// cannot alter clone behavior, and the terminal prompt is disabled so a
// clone needing interactive auth fails fast instead of hanging.
func scrubbedGitEnv() []string {
	env := []string{
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_TERMINAL_PROMPT=0",
	}
	if path, ok := os.LookupEnv("PATH"); ok {
		env = append(env, "PATH="+path)
	}
	if home, ok := os.LookupEnv("HOME"); ok {
		env = append(env, "HOME="+home)
	}
	return env
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errs.Wrap(errs.KindIO, "walk local plugin source", err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "compute relative path", err)
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errs.Wrap(errs.KindIO, "read local plugin file", err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errs.Wrap(errs.KindIO, "create destination directory", err)
		}
		return os.WriteFile(target, data, 0o644)
	})
}
