// Package pluginlock implements the lockfile store (C6): the persistent,
// cross-process-safe record of installed plugins, their sources, and their
// content hashes.
package pluginlock

import (
	"fmt"
	"strings"
	"time"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

const SchemaVersion = 1

const lockfileHeader = "# Auto-generated by astrid. Do not edit manually.\n"

// SourceKind discriminates LockfileEntry's Source union.
type SourceKind string

const (
	SourceLocal    SourceKind = "local"
	SourceNpm      SourceKind = "npm"
	SourceGit      SourceKind = "git"
	SourceRegistry SourceKind = "registry"
)

// Source is the discriminated union of where an installed plugin came from.
// Only the fields relevant to Kind are populated. It serializes to/from the
// lockfile's compact source-string grammar:
// `local:<path>` | `openclaw:<npm-spec>` | `git:<url>[#<commit>]` |
// `registry:<name>@<version>`.
type Source struct {
	Kind    SourceKind
	URL     string // local path, npm spec, git url, or registry name
	Commit  string // git only
	Version string // registry only
}

// String renders Source in the lockfile's source-string grammar.
func (s Source) String() string {
	switch s.Kind {
	case SourceGit:
		if s.Commit != "" {
			return fmt.Sprintf("git:%s#%s", s.URL, s.Commit)
		}
		return "git:" + s.URL
	case SourceNpm:
		return "openclaw:" + s.URL
	case SourceRegistry:
		return fmt.Sprintf("registry:%s@%s", s.URL, s.Version)
	default:
		return "local:" + s.URL
	}
}

// MarshalText implements encoding.TextMarshaler so go-toml serializes Source
// as a plain string value rather than an inline table.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSource parses the lockfile source-string grammar back into a Source.
func ParseSource(s string) (Source, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Source{}, errs.New(errs.KindIntegrity, fmt.Sprintf("malformed source string %q", s))
	}
	switch kind {
	case "local":
		return Source{Kind: SourceLocal, URL: rest}, nil
	case "openclaw":
		return Source{Kind: SourceNpm, URL: rest}, nil
	case "git":
		if url, commit, ok := strings.Cut(rest, "#"); ok {
			return Source{Kind: SourceGit, URL: url, Commit: commit}, nil
		}
		return Source{Kind: SourceGit, URL: rest}, nil
	case "registry":
		name, version, ok := strings.Cut(rest, "@")
		if !ok {
			return Source{}, errs.New(errs.KindIntegrity, fmt.Sprintf("malformed registry source %q", s))
		}
		return Source{Kind: SourceRegistry, URL: name, Version: version}, nil
	default:
		return Source{}, errs.New(errs.KindIntegrity, fmt.Sprintf("unknown source kind %q", kind))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so go-toml parses a
// plain string value back into a Source.
func (s *Source) UnmarshalText(text []byte) error {
	parsed, err := ParseSource(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// NoHash is the sentinel WasmHash value for non-WASM (e.g. MCP) entries.
const NoHash = "none"

// LockfileEntry records one installed plugin.
type LockfileEntry struct {
	ID          string    `toml:"id"`
	Version     string    `toml:"version"`
	Source      Source    `toml:"source"`
	WasmHash    string    `toml:"wasm_hash"`
	InstalledAt time.Time `toml:"installed_at"`
}

// Lockfile is the full in-memory model of plugins.lock.
type Lockfile struct {
	SchemaVersion int             `toml:"schema_version"`
	Entries       []LockfileEntry `toml:"plugin"`
}

// NewEmpty returns a Lockfile with no entries, suitable as the load_or_default
// result when no lockfile yet exists on disk.
func NewEmpty() *Lockfile {
	return &Lockfile{SchemaVersion: SchemaVersion}
}

// Get returns the entry with the given plugin id, if present.
func (lf *Lockfile) Get(id string) (LockfileEntry, bool) {
	for _, e := range lf.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return LockfileEntry{}, false
}

// Add inserts entry, replacing any existing entry with the same id.
func (lf *Lockfile) Add(entry LockfileEntry) {
	for i, e := range lf.Entries {
		if e.ID == entry.ID {
			lf.Entries[i] = entry
			return
		}
	}
	lf.Entries = append(lf.Entries, entry)
}

// Remove deletes the entry with the given id, reporting whether one existed.
func (lf *Lockfile) Remove(id string) bool {
	for i, e := range lf.Entries {
		if e.ID == id {
			lf.Entries = append(lf.Entries[:i], lf.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// ViolationKind names why an installed plugin disagrees with its lockfile
// entry.
type ViolationKind string

const (
	ViolationMissing         ViolationKind = "missing"
	ViolationVersionMismatch ViolationKind = "version_mismatch"
	ViolationHashMismatch    ViolationKind = "hash_mismatch"
)

// Violation describes one integrity disagreement found by VerifyIntegrity.
type Violation struct {
	PluginID string
	Kind     ViolationKind
	Detail   string
}

func validateSchemaVersion(v int) error {
	if v != SchemaVersion {
		return errs.New(errs.KindIntegrity, fmt.Sprintf("unsupported lockfile schema_version %d (expected %d)", v, SchemaVersion))
	}
	return nil
}
