package catalog

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the top-level YAML structure of a catalog file.
type File struct {
	Patterns []Definition `yaml:"patterns"`
}

// Catalog is an ordered, immutable set of compiled patterns. It is safe for
// concurrent use by any number of detections.
type Catalog struct {
	patterns  []*Pattern
	templates map[string]string
}

// New compiles definitions into a Catalog. Named validators are resolved
// against registry (nil means Builtins()). Any malformed definition fails the
// whole catalog with a *CatalogError.
func New(defs []Definition, registry Registry) (*Catalog, error) {
	if registry == nil {
		registry = Builtins()
	}

	c := &Catalog{templates: make(map[string]string)}

	for i := range defs {
		def := defs[i]
		if !def.isEnabled() {
			continue
		}

		p, err := compile(def, registry)
		if err != nil {
			return nil, err
		}

		if existing, ok := c.templates[p.Type]; ok && existing != p.Template {
			return nil, catalogErr(def.key(), fmt.Sprintf("placeholder %q conflicts with %q already declared for type %s", p.Template, existing, p.Type), nil)
		}
		c.templates[p.Type] = p.Template

		p.Index = len(c.patterns)
		c.patterns = append(c.patterns, p)
	}

	return c, nil
}

// MustNew is like New but panics on error. Intended for tests and for
// catalogs built from constants.
func MustNew(defs []Definition, registry Registry) *Catalog {
	c, err := New(defs, registry)
	if err != nil {
		panic(err)
	}
	return c
}

func compile(def Definition, registry Registry) (*Pattern, error) {
	name := def.key()

	if strings.TrimSpace(def.Type) == "" {
		return nil, catalogErr(name, "type is required", nil)
	}
	if strings.TrimSpace(def.Regex) == "" {
		return nil, catalogErr(name, "regex is required", nil)
	}

	re, err := regexp.Compile(def.Regex)
	if err != nil {
		return nil, catalogErr(name, "invalid regex", err)
	}
	// A pattern that can match nothing would yield zero-width hits everywhere.
	if re.MatchString("") {
		return nil, catalogErr(name, "regex matches the empty string", nil)
	}

	priority := DefaultPriority
	if def.Priority != nil {
		priority = *def.Priority
	}

	confidence := DefaultConfidence
	if def.Confidence != nil {
		confidence = *def.Confidence
	}
	if confidence < 0 || confidence > 1 {
		return nil, catalogErr(name, fmt.Sprintf("confidence %v outside [0,1]", confidence), nil)
	}

	severity := SeverityMedium
	if def.Severity != "" {
		severity, err = ParseSeverity(def.Severity)
		if err != nil {
			return nil, catalogErr(name, "invalid severity", err)
		}
	}

	template := def.Placeholder
	if template == "" {
		template = DefaultTemplate(def.Type)
	}
	if err := checkTemplate(template); err != nil {
		return nil, catalogErr(name, "invalid placeholder", err)
	}

	validate := def.Validate
	if validate == nil && def.Validator != "" {
		factory, ok := registry[def.Validator]
		if !ok {
			return nil, catalogErr(name, fmt.Sprintf("unknown validator %q", def.Validator), nil)
		}
		validate, err = factory(def)
		if err != nil {
			return nil, catalogErr(name, fmt.Sprintf("validator %q", def.Validator), err)
		}
	}

	return &Pattern{
		Name:       name,
		Type:       def.Type,
		Priority:   priority,
		Confidence: confidence,
		Severity:   severity,
		Template:   template,
		Regex:      re,
		Validate:   validate,
	}, nil
}

// Patterns returns the compiled patterns in catalog order. The slice is a
// copy; the patterns themselves must not be modified.
func (c *Catalog) Patterns() []*Pattern {
	out := make([]*Pattern, len(c.patterns))
	copy(out, c.patterns)
	return out
}

// Len returns the number of compiled patterns.
func (c *Catalog) Len() int {
	return len(c.patterns)
}

// Types returns the distinct pattern types, sorted.
func (c *Catalog) Types() []string {
	types := make([]string, 0, len(c.templates))
	for t := range c.templates {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Parse decodes catalog YAML.
func Parse(data []byte) ([]Definition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog YAML: %w", err)
	}
	return f.Patterns, nil
}

// LoadFile reads catalog definitions from a YAML file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file %s: %w", path, err)
	}
	return Parse(data)
}

// Load builds a catalog from the embedded defaults layered with the file at
// path (when non-empty), then applies the type filters.
func Load(path string, enabled, disabled []string, registry Registry) (*Catalog, error) {
	defaults, err := DefaultDefinitions()
	if err != nil {
		return nil, err
	}

	var overrides []Definition
	if path != "" {
		overrides, err = LoadFile(path)
		if err != nil {
			return nil, err
		}
	}

	defs := FilterTypes(Merge(defaults, overrides), enabled, disabled)
	return New(defs, registry)
}

// Merge layers definition lists. Later layers replace earlier definitions
// with the same name; new names are appended in order.
func Merge(layers ...[]Definition) []Definition {
	index := make(map[string]int)
	var merged []Definition

	for _, layer := range layers {
		for _, def := range layer {
			if idx, exists := index[def.key()]; exists {
				merged[idx] = def
				continue
			}
			index[def.key()] = len(merged)
			merged = append(merged, def)
		}
	}

	return merged
}

// FilterTypes keeps only the types in enabled (when non-empty) and then drops
// the types in disabled.
func FilterTypes(defs []Definition, enabled, disabled []string) []Definition {
	result := defs

	if len(enabled) > 0 {
		allowed := make(map[string]bool, len(enabled))
		for _, t := range enabled {
			allowed[t] = true
		}
		var filtered []Definition
		for _, d := range result {
			if allowed[d.Type] {
				filtered = append(filtered, d)
			}
		}
		result = filtered
	}

	if len(disabled) > 0 {
		blocked := make(map[string]bool, len(disabled))
		for _, t := range disabled {
			blocked[t] = true
		}
		var filtered []Definition
		for _, d := range result {
			if !blocked[d.Type] {
				filtered = append(filtered, d)
			}
		}
		result = filtered
	}

	return result
}
