// Package compat normalizes documents that may be in legacy or target
// schema shape into a single in-memory form, and writes back a dual-shape
// payload that satisfies readers on either side of the migration.
package compat

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

var (
	ErrMalformedMapping = errors.New("malformed entity mapping")
	ErrUnknownEntity    = errors.New("unknown entity type")
)

// FieldPair links a legacy field name to its target-schema replacement.
type FieldPair struct {
	Legacy   string `yaml:"legacy"`
	Target   string `yaml:"target"`
	Required bool   `yaml:"required,omitempty"`
}

// Mapping describes the schema transition for one entity type.
type Mapping struct {
	Entity        string      `yaml:"entity"`
	Collection    string      `yaml:"collection"`
	SchemaVersion int         `yaml:"schemaVersion"`
	Fields        []FieldPair `yaml:"fields"`
}

// MappingFile is the entity mapping configuration document.
type MappingFile struct {
	Entities []Mapping `yaml:"entities"`
}

// LoadMappings reads and validates the entity mapping file.
func LoadMappings(path string) ([]Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	return ParseMappings(data)
}

// ParseMappings parses entity mappings from YAML bytes. Unknown keys are
// rejected.
func ParseMappings(data []byte) ([]Mapping, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file MappingFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMapping, err)
	}

	for i := range file.Entities {
		if err := validateMapping(&file.Entities[i]); err != nil {
			return nil, fmt.Errorf("%w: entity %d (%s): %w", ErrMalformedMapping, i, file.Entities[i].Entity, err)
		}
	}
	return file.Entities, nil
}

// FindMapping returns the mapping for an entity type.
func FindMapping(mappings []Mapping, entity string) (Mapping, error) {
	for _, m := range mappings {
		if m.Entity == entity {
			return m, nil
		}
	}
	return Mapping{}, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
}

// Fingerprint returns a stable hash of the mapping, recorded in migration
// results so a run can be tied to the exact mapping that produced it.
func (m Mapping) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s/v%d", m.Entity, m.Collection, m.SchemaVersion)
	for _, f := range m.Fields {
		fmt.Fprintf(&b, "|%s>%s:%t", f.Legacy, f.Target, f.Required)
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

func validateMapping(m *Mapping) error {
	if m.Entity == "" {
		return errors.New("entity name is required")
	}
	if m.Collection == "" {
		return errors.New("collection is required")
	}
	if m.SchemaVersion < 1 {
		return errors.New("schemaVersion must be >= 1")
	}
	if len(m.Fields) == 0 {
		return errors.New("mapping must have at least one field pair")
	}

	seen := make(map[string]bool)
	hasRequired := false
	for _, f := range m.Fields {
		if f.Legacy == "" || f.Target == "" {
			return errors.New("field pair must set both legacy and target")
		}
		if isReservedField(f.Legacy) || isReservedField(f.Target) {
			return fmt.Errorf("field pair %s>%s uses a reserved name", f.Legacy, f.Target)
		}
		if seen[f.Legacy] || seen[f.Target] {
			return fmt.Errorf("duplicate field name in pair %s>%s", f.Legacy, f.Target)
		}
		seen[f.Legacy] = true
		seen[f.Target] = true
		if f.Required {
			hasRequired = true
		}
	}
	if !hasRequired {
		return errors.New("mapping must mark at least one field pair required")
	}
	return nil
}

// Reserved field names carried by the layer itself.
const (
	FieldSchemaVersion      = "schemaVersion"
	FieldMigrationTimestamp = "migrationTimestamp"
)

func isReservedField(name string) bool {
	return name == FieldSchemaVersion || name == FieldMigrationTimestamp
}
