package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads a single Template from a YAML file.
func LoadFromFile(path string) (*Template, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read pipeline file %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes and validates a YAML template. name labels errors.
func Parse(data []byte, name string) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse pipeline %s: %w", name, err)
	}
	if t.Protocol == "" {
		t.Protocol = ProtocolDAG
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("validate pipeline %s: %w", name, err)
	}
	return &t, nil
}

// LoadFromDirectory reads all .yaml/.yml files from a directory.
// A missing directory yields no templates and no error.
func LoadFromDirectory(dir string) ([]Template, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pipeline directory %s: %w", dir, err)
	}

	var templates []Template
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		t, err := LoadFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}

	return templates, nil
}

// Catalog returns the built-in templates overlaid with the templates found
// in dir; a custom template replaces a built-in one with the same id.
func Catalog(dir string) (map[string]Template, error) {
	custom, err := LoadFromDirectory(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Template)
	for _, t := range BuiltinTemplates() {
		out[t.ID] = t
	}
	for _, t := range custom {
		out[t.ID] = t
	}
	return out, nil
}

// SortedIDs returns the template ids in lexical order.
func SortedIDs(c map[string]Template) []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
