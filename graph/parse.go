package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrEmptyDefinition = errors.New("empty definition")

// Parse decodes a definition from JSON (when b is an object) or YAML.
// Unknown fields are rejected so that typos in node configuration are
// not silently ignored.
func Parse(b []byte) (*Definition, error) {
	b = bytes.TrimSpace(b)
	if len(b) < 1 {
		return nil, ErrEmptyDefinition
	}
	d := new(Definition)
	if b[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(d); err != nil {
			return nil, fmt.Errorf("decoding json definition: %w", err)
		}
		return d, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(d); err != nil {
		return nil, fmt.Errorf("decoding yaml definition: %w", err)
	}
	return d, nil
}

// ParseDir parses every .yaml, .yml and .json file in dir.
// Definitions are returned in file name order.
func ParseDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	var defs []*Definition
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return defs, err
		}
		d, err := Parse(b)
		if err != nil {
			return defs, fmt.Errorf("%s: %w", name, err)
		}
		defs = append(defs, d)
	}
	return defs, nil
}
