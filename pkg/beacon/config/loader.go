package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// FromFile loads a configuration file, choosing the parser by extension:
// .yaml/.yml, .json, or .jsonc (JSON with comments and trailing commas).
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json", ".jsonc":
		return FromJSONC(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %q", ext)
	}
}

// FromYAML parses a YAML mapping.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses a strict JSON object.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// FromJSONC strips comments and trailing commas, then parses as JSON.
// Plain JSON passes through unchanged.
func FromJSONC(data []byte) (Config, error) {
	return FromJSON(jsonc.ToJSON(data))
}
