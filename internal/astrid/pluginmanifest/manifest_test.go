package pluginmanifest_test

import (
	"testing"

	"github.com/unicity-astrid/astrid/internal/astrid/pluginmanifest"
)

func TestParse_WasmEntryPoint(t *testing.T) {
	data := []byte(`
id = "weather-lookup"
name = "Weather Lookup"
version = "1.0.0"

[entry_point.wasm]
path = "plugin.wasm"
expected_hash = "abc123"

[[capabilities]]
name = "network"
`)
	m, err := pluginmanifest.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.EntryPoint.Kind != pluginmanifest.EntryPointWasm {
		t.Fatalf("expected wasm entry point, got %v", m.EntryPoint.Kind)
	}
	if m.EntryPoint.Path != "plugin.wasm" {
		t.Errorf("unexpected path: %q", m.EntryPoint.Path)
	}
	if len(m.Capabilities) != 1 || m.Capabilities[0].Name != "network" {
		t.Errorf("unexpected capabilities: %+v", m.Capabilities)
	}
}

func TestParse_McpEntryPoint(t *testing.T) {
	data := []byte(`
id = "git-tools"
name = "Git Tools"
version = "0.3.1"

[entry_point.mcp]
command = "git-mcp-server"
args = ["--stdio"]
`)
	m, err := pluginmanifest.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.EntryPoint.Kind != pluginmanifest.EntryPointMcp {
		t.Fatalf("expected mcp entry point, got %v", m.EntryPoint.Kind)
	}
	if m.EntryPoint.Command != "git-mcp-server" {
		t.Errorf("unexpected command: %q", m.EntryPoint.Command)
	}
}

func TestParse_RejectsBothEntryPointVariants(t *testing.T) {
	data := []byte(`
id = "bad"
name = "Bad"
version = "1.0.0"

[entry_point.wasm]
path = "plugin.wasm"

[entry_point.mcp]
command = "server"
`)
	if _, err := pluginmanifest.Parse(data); err == nil {
		t.Fatal("expected an error when both entry point variants are present")
	}
}

func TestParse_RejectsNeitherEntryPointVariant(t *testing.T) {
	data := []byte(`
id = "bad"
name = "Bad"
version = "1.0.0"
`)
	if _, err := pluginmanifest.Parse(data); err == nil {
		t.Fatal("expected an error when no entry point variant is present")
	}
}

func TestValidatePluginID(t *testing.T) {
	valid := []string{"a", "weather-lookup", "a1b2", "plugin-9"}
	for _, id := range valid {
		if err := pluginmanifest.ValidatePluginID(id); err != nil {
			t.Errorf("expected %q to be valid, got %v", id, err)
		}
	}

	invalid := []string{"", "-leading", "trailing-", "Has-Upper", "has_underscore", "has space"}
	for _, id := range invalid {
		if err := pluginmanifest.ValidatePluginID(id); err == nil {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestParse_RejectsInvalidPluginID(t *testing.T) {
	data := []byte(`
id = "Bad_ID"
name = "Bad"
version = "1.0.0"

[entry_point.wasm]
path = "plugin.wasm"
`)
	if _, err := pluginmanifest.Parse(data); err == nil {
		t.Fatal("expected an error for an invalid plugin id")
	}
}

func TestParse_ValidatesConfigAgainstSchema(t *testing.T) {
	data := []byte(`
id = "weather-lookup"
name = "Weather Lookup"
version = "1.0.0"
config_schema = """
{
  "type": "object",
  "properties": { "units": { "enum": ["metric", "imperial"] } },
  "required": ["units"]
}
"""

[entry_point.wasm]
path = "plugin.wasm"

[config]
units = "metric"
`)
	if _, err := pluginmanifest.Parse(data); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestParse_RejectsConfigViolatingSchema(t *testing.T) {
	data := []byte(`
id = "weather-lookup"
name = "Weather Lookup"
version = "1.0.0"
config_schema = """
{
  "type": "object",
  "properties": { "units": { "enum": ["metric", "imperial"] } },
  "required": ["units"]
}
"""

[entry_point.wasm]
path = "plugin.wasm"

[config]
units = "kelvin"
`)
	if _, err := pluginmanifest.Parse(data); err == nil {
		t.Fatal("expected an error when config violates config_schema")
	}
}

func TestValidateConfig_NoSchemaAcceptsAnything(t *testing.T) {
	m := &pluginmanifest.Manifest{ID: "x"}
	if err := m.ValidateConfig(map[string]interface{}{"anything": 1}); err != nil {
		t.Fatalf("expected nil error with no config_schema, got %v", err)
	}
}

func TestHasConnectorCapability(t *testing.T) {
	m := &pluginmanifest.Manifest{Capabilities: []pluginmanifest.Capability{{Name: "network"}, {Name: "connector"}}}
	if !m.HasConnectorCapability() {
		t.Fatal("expected HasConnectorCapability to be true")
	}

	m2 := &pluginmanifest.Manifest{Capabilities: []pluginmanifest.Capability{{Name: "network"}}}
	if m2.HasConnectorCapability() {
		t.Fatal("expected HasConnectorCapability to be false")
	}
}
