// Package pluginmanifest defines the plugin manifest format (plugin.toml)
// and the validation rules every installed plugin must satisfy before the
// installer or watcher will touch it.
package pluginmanifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

// pluginIDPattern matches PluginId's grammar: non-empty, lowercase ASCII
// alphanumerics and hyphens, never starting or ending with a hyphen.
var pluginIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidatePluginID reports whether id satisfies the PluginId grammar.
func ValidatePluginID(id string) error {
	if id == "" {
		return errs.New(errs.KindValidation, "plugin id must not be empty")
	}
	if !pluginIDPattern.MatchString(id) {
		return errs.New(errs.KindValidation, fmt.Sprintf("plugin id %q must be lowercase alphanumerics/hyphens, not starting or ending with a hyphen", id))
	}
	return nil
}

// EntryPointKind discriminates the two EntryPoint variants.
type EntryPointKind string

const (
	EntryPointWasm EntryPointKind = "wasm"
	EntryPointMcp  EntryPointKind = "mcp"
)

// EntryPoint describes how the host launches a plugin. Only the fields for
// Kind are populated.
type EntryPoint struct {
	Kind EntryPointKind `toml:"-"`

	// Wasm
	Path          string `toml:"path,omitempty"`
	ExpectedHash  string `toml:"expected_hash,omitempty"`

	// Mcp
	Command            string            `toml:"command,omitempty"`
	Args               []string          `toml:"args,omitempty"`
	Env                map[string]string `toml:"env,omitempty"`
	ExpectedBinaryHash string            `toml:"expected_binary_hash,omitempty"`
}

// rawEntryPoint mirrors the TOML table shape `[entry_point.wasm]` or
// `[entry_point.mcp]`, letting toml.Unmarshal pick the populated variant.
type rawEntryPoint struct {
	Wasm *EntryPoint `toml:"wasm"`
	Mcp  *EntryPoint `toml:"mcp"`
}

func (r rawEntryPoint) resolve() (EntryPoint, error) {
	switch {
	case r.Wasm != nil && r.Mcp != nil:
		return EntryPoint{}, errs.New(errs.KindValidation, "entry_point must declare exactly one of wasm or mcp")
	case r.Wasm != nil:
		ep := *r.Wasm
		ep.Kind = EntryPointWasm
		return ep, nil
	case r.Mcp != nil:
		ep := *r.Mcp
		ep.Kind = EntryPointMcp
		return ep, nil
	default:
		return EntryPoint{}, errs.New(errs.KindValidation, "entry_point must declare exactly one of wasm or mcp")
	}
}

// Capability is a single permission a plugin declares it needs.
type Capability struct {
	Name        string            `toml:"name"`
	Constraints map[string]string `toml:"constraints,omitempty"`
}

// Manifest is the parsed form of a plugin's plugin.toml.
type Manifest struct {
	ID          string
	Name        string
	Version     string
	Description string
	Author      string
	EntryPoint  EntryPoint
	Capabilities []Capability
	Connectors  []string
	Config      map[string]interface{}

	// ConfigSchema is an optional JSON Schema (draft 2020-12) document
	// constraining the shape of Config and of any later
	// notifications/astrid.setPluginConfig payload a plugin host accepts.
	ConfigSchema string
}

// rawManifest mirrors plugin.toml's top-level table shape for unmarshaling.
type rawManifest struct {
	ID           string                 `toml:"id"`
	Name         string                 `toml:"name"`
	Version      string                 `toml:"version"`
	Description  string                 `toml:"description,omitempty"`
	Author       string                 `toml:"author,omitempty"`
	EntryPoint   rawEntryPoint          `toml:"entry_point"`
	Capabilities []Capability           `toml:"capabilities,omitempty"`
	Connectors   []string               `toml:"connectors,omitempty"`
	Config       map[string]interface{} `toml:"config,omitempty"`
	ConfigSchema string                 `toml:"config_schema,omitempty"`
}

// Parse decodes and validates raw plugin.toml bytes.
func Parse(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse plugin manifest", err)
	}

	ep, err := raw.EntryPoint.resolve()
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		ID:           raw.ID,
		Name:         raw.Name,
		Version:      raw.Version,
		Description:  raw.Description,
		Author:       raw.Author,
		EntryPoint:   ep,
		Capabilities: raw.Capabilities,
		Connectors:   raw.Connectors,
		Config:       raw.Config,
		ConfigSchema: raw.ConfigSchema,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := m.ValidateConfig(m.Config); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks every structural invariant a Manifest must satisfy.
func (m *Manifest) Validate() error {
	if err := ValidatePluginID(m.ID); err != nil {
		return err
	}
	if strings.TrimSpace(m.Name) == "" {
		return errs.New(errs.KindValidation, "manifest name must not be empty")
	}
	if strings.TrimSpace(m.Version) == "" {
		return errs.New(errs.KindValidation, "manifest version must not be empty")
	}
	switch m.EntryPoint.Kind {
	case EntryPointWasm:
		if m.EntryPoint.Path == "" {
			return errs.New(errs.KindValidation, "wasm entry point requires a path")
		}
	case EntryPointMcp:
		if m.EntryPoint.Command == "" {
			return errs.New(errs.KindValidation, "mcp entry point requires a command")
		}
	default:
		return errs.New(errs.KindValidation, "entry point must be wasm or mcp")
	}
	return nil
}

// ValidateConfig checks values against the manifest's config_schema, if one
// is declared. A manifest with no schema accepts any config, matching the
// Config field's existing "just a map" contract. values is revalidated
// every time a plugin host pushes a new config over
// notifications/astrid.setPluginConfig, not only at install time.
func (m *Manifest) ValidateConfig(values map[string]interface{}) error {
	if strings.TrimSpace(m.ConfigSchema) == "" {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	const resourceName = "config_schema.json"
	if err := compiler.AddResource(resourceName, strings.NewReader(m.ConfigSchema)); err != nil {
		return errs.Wrap(errs.KindValidation, "parse plugin config_schema", err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "compile plugin config_schema", err)
	}

	// jsonschema validates against plain interface{} values as produced by
	// encoding/json; a TOML-decoded map already has the same shape
	// (map[string]interface{}, []interface{}, string, float64/int64, bool).
	if err := schema.Validate(map[string]interface{}(values)); err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Sprintf("plugin %s config does not satisfy config_schema", m.ID), err)
	}
	return nil
}

// HasConnectorCapability reports whether the manifest declares the
// built-in "connector" capability, which gates whether the plugin host
// opens an inbound-message channel for it.
func (m *Manifest) HasConnectorCapability() bool {
	for _, c := range m.Capabilities {
		if c.Name == "connector" {
			return true
		}
	}
	return false
}
