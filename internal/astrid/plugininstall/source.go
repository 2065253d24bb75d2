// Package plugininstall implements the Plugin Installer (C7): fetching a
// plugin from one of several sources, staging and hardening its extraction,
// and atomically swapping it into place alongside a lockfile update.
package plugininstall

import (
	"regexp"
	"strings"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

// SourceKind discriminates an install request's origin.
type SourceKind string

const (
	SourceLocal    SourceKind = "local"
	SourceGitHub   SourceKind = "github"
	SourceGit      SourceKind = "git"
	SourceNpm      SourceKind = "npm"
	SourceRegistry SourceKind = "registry"
)

// InstallSource is a parsed, validated install request.
type InstallSource struct {
	Kind SourceKind

	// Local
	Path string

	// GitHub: org/repo[@ref]
	Org  string
	Repo string
	Ref  string

	// Git: <url>[@ref]
	URL string

	// Npm / registry
	Spec string
}

var (
	githubOrgRepoPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,100}$`)
	gitRefControlChars   = regexp.MustCompile(`[\x00-\x1f\x7f]`)
)

// ParseInstallSource parses one of the installer's source grammars:
//
//	<local-path>
//	github:org/repo[@ref]
//	git:<url>[@ref]
//	npm:<spec>
//	registry:<name>@<version>
func ParseInstallSource(spec string) (InstallSource, error) {
	if strings.HasPrefix(spec, "github:") {
		return parseGitHubSource(strings.TrimPrefix(spec, "github:"))
	}
	if strings.HasPrefix(spec, "git:") {
		return parseGitSource(strings.TrimPrefix(spec, "git:"))
	}
	if strings.HasPrefix(spec, "npm:") {
		return InstallSource{Kind: SourceNpm, Spec: strings.TrimPrefix(spec, "npm:")}, nil
	}
	if strings.HasPrefix(spec, "registry:") {
		return InstallSource{Kind: SourceRegistry, Spec: strings.TrimPrefix(spec, "registry:")}, nil
	}
	return InstallSource{Kind: SourceLocal, Path: spec}, nil
}

func parseGitHubSource(rest string) (InstallSource, error) {
	orgRepo, ref, _ := strings.Cut(rest, "@")
	org, repo, ok := strings.Cut(orgRepo, "/")
	if !ok {
		return InstallSource{}, errs.New(errs.KindValidation, "github source must be org/repo[@ref]")
	}
	if err := validateGitHubComponent(org); err != nil {
		return InstallSource{}, err
	}
	if err := validateGitHubComponent(repo); err != nil {
		return InstallSource{}, err
	}
	if ref != "" {
		if err := validateGitRef(ref); err != nil {
			return InstallSource{}, err
		}
	}
	return InstallSource{Kind: SourceGitHub, Org: org, Repo: repo, Ref: ref}, nil
}

func validateGitHubComponent(s string) error {
	if !githubOrgRepoPattern.MatchString(s) {
		return errs.New(errs.KindValidation, "github org/repo must match [a-zA-Z0-9._-]{1,100}")
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, ".") {
		return errs.New(errs.KindValidation, "github org/repo must not start with '-' or '.'")
	}
	if strings.Contains(s, "..") {
		return errs.New(errs.KindValidation, "github org/repo must not contain '..'")
	}
	return nil
}

func parseGitSource(rest string) (InstallSource, error) {
	url, ref, _ := strings.Cut(rest, "@")
	if err := validateGitURL(url); err != nil {
		return InstallSource{}, err
	}
	if ref != "" {
		if err := validateGitRef(ref); err != nil {
			return InstallSource{}, err
		}
	}
	return InstallSource{Kind: SourceGit, URL: url, Ref: ref}, nil
}

// validateGitURL allows only https:// and ssh:// schemes, rejecting
// file://, http://, javascript:, and anything else that could be used to
// smuggle a local-file read or script execution through a "git url".
func validateGitURL(url string) error {
	if strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "ssh://") {
		return nil
	}
	return errs.New(errs.KindValidation, "git url must use https:// or ssh://")
}

// validateGitRef rejects refs that could be interpreted as command options
// or that point outside the repository's normal ref namespace.
func validateGitRef(ref string) error {
	if len(ref) == 0 || len(ref) > 256 {
		return errs.New(errs.KindValidation, "git ref must be 1-256 characters")
	}
	if strings.Contains(ref, "..") {
		return errs.New(errs.KindValidation, "git ref must not contain '..'")
	}
	if gitRefControlChars.MatchString(ref) {
		return errs.New(errs.KindValidation, "git ref must not contain control characters")
	}
	if strings.HasPrefix(ref, "-") {
		return errs.New(errs.KindValidation, "git ref must not start with '-'")
	}
	if strings.HasSuffix(ref, ".lock") {
		return errs.New(errs.KindValidation, "git ref must not end with '.lock'")
	}
	return nil
}
