package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"issuance/internal/domain/rules"
)

type applicationTypesFile struct {
	ApplicationTypes []rules.ApplicationType `yaml:"application_types"`
}

// LoadApplicationTypes reads application types from path. An empty path
// returns the built-in defaults.
func LoadApplicationTypes(path string) ([]rules.ApplicationType, error) {
	if path == "" {
		return rules.DefaultApplicationTypes(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read application types: %w", err)
	}
	return ParseApplicationTypes(raw)
}

// ParseApplicationTypes decodes an application types document. Unknown
// keys are rejected so typos in rule names surface at startup.
func ParseApplicationTypes(raw []byte) ([]rules.ApplicationType, error) {
	var doc applicationTypesFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode application types: %w", err)
	}
	if len(doc.ApplicationTypes) == 0 {
		return nil, fmt.Errorf("application types file lists no types")
	}
	return doc.ApplicationTypes, nil
}
