package catalog

import (
	_ "embed"
	"fmt"
)

//go:embed default.yaml
var defaultYAML []byte

// DefaultYAML returns the embedded reference catalog.
func DefaultYAML() []byte { return defaultYAML }

// DefaultDefinitions parses the embedded reference catalog.
func DefaultDefinitions() ([]Definition, error) {
	defs, err := Parse(defaultYAML)
	if err != nil {
		return nil, fmt.Errorf("parsing embedded catalog: %w", err)
	}
	return defs, nil
}

// Default compiles the embedded reference catalog with the builtin validators.
func Default() (*Catalog, error) {
	defs, err := DefaultDefinitions()
	if err != nil {
		return nil, err
	}
	return New(defs, nil)
}
