// Package personality implements the PersonalityPackManager: it discovers
// personality pack directories on disk, validates their manifests, and
// exposes immutable PersonalityInstance snapshots to the rest of the
// runtime. Packs can be reloaded at any time without disturbing turns
// already in flight.
package personality

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk shape of a pack's manifest.yaml/.json.
type Manifest struct {
	ID               string            `yaml:"id" json:"id"`
	Name             string            `yaml:"name" json:"name"`
	Version          string            `yaml:"version" json:"version"`
	Description      string            `yaml:"description,omitempty" json:"description,omitempty"`
	SystemPromptFile string            `yaml:"system_prompt_file,omitempty" json:"system_prompt_file,omitempty"`
	Traits           map[string]string `yaml:"traits,omitempty" json:"traits,omitempty"`
	ToolsModule      string            `yaml:"tools_module,omitempty" json:"tools_module,omitempty"`
	DefaultProvider  string            `yaml:"default_provider,omitempty" json:"default_provider,omitempty"`
	DefaultModel     string            `yaml:"default_model,omitempty" json:"default_model,omitempty"`
}

// manifestSchema is the JSON Schema every manifest must satisfy, compiled
// once at manager construction.
const manifestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id", "name", "version"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"system_prompt_file": {"type": "string"},
		"traits": {"type": "object"},
		"tools_module": {"type": "string"},
		"default_provider": {"type": "string"},
		"default_model": {"type": "string"}
	}
}`

// parseManifestFile reads and unmarshals a manifest.yaml or manifest.json
// file from a pack directory. A .json file is parsed as JSON; any other
// extension is parsed as YAML.
func parseManifestFile(path string) (Manifest, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("read manifest %q: %w", path, err)
	}

	var m Manifest
	if filepath.Ext(path) == ".json" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return Manifest{}, nil, fmt.Errorf("parse manifest %q: %w", path, err)
		}
		return m, raw, nil
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, nil, fmt.Errorf("parse manifest %q: %w", path, err)
	}
	// Re-encode as JSON for schema validation, since jsonschema/v6 validates
	// against decoded any values, not YAML nodes directly.
	jsonEquivalent, err := yamlToJSON(raw)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("normalize manifest %q for validation: %w", path, err)
	}
	return m, jsonEquivalent, nil
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAMLValue(v))
}

// normalizeYAMLValue converts the map[string]any/map[any]any shapes that
// gopkg.in/yaml.v3 produces into map[string]any recursively, so they encode
// to valid JSON.
func normalizeYAMLValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = normalizeYAMLValue(vv)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[fmt.Sprint(k)] = normalizeYAMLValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = normalizeYAMLValue(vv)
		}
		return out
	default:
		return v
	}
}
