// Package index provides declarative index definitions, comparison against
// deployed state, and the staged deployment pipeline.
package index

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scope determines whether an index covers one collection or a whole
// collection group.
type Scope string

const (
	ScopeCollection      Scope = "COLLECTION"
	ScopeCollectionGroup Scope = "COLLECTION_GROUP"
)

// Direction specifies sort order for an ordered field.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

var (
	ErrMalformedConfig  = errors.New("malformed index config")
	ErrUnknownScope     = errors.New("unknown index scope")
	ErrUnknownDirection = errors.New("unknown field direction")
	ErrNoFields         = errors.New("index must have at least one field")
	ErrEmptyGroup       = errors.New("collection group cannot be empty")
)

// Field represents a single indexed field. Exactly one of Direction or
// ArrayContains is set.
type Field struct {
	Path          string    `yaml:"path"`
	Direction     Direction `yaml:"direction,omitempty"`
	ArrayContains bool      `yaml:"arrayContains,omitempty"`
}

// Definition declares one composite index. Field order is significant and
// must match the deployed index exactly for equality.
type Definition struct {
	CollectionGroup string  `yaml:"collectionGroup"`
	Scope           Scope   `yaml:"scope"`
	Fields          []Field `yaml:"fields"`
}

// FieldOverride tunes single-field index behavior for a given path.
type FieldOverride struct {
	CollectionGroup string `yaml:"collectionGroup"`
	Path            string `yaml:"path"`
	ArrayConfig     string `yaml:"arrayConfig,omitempty"`
	Disabled        bool   `yaml:"disabled,omitempty"`
}

// Config is the declarative index configuration file.
type Config struct {
	Indexes        []Definition    `yaml:"indexes"`
	FieldOverrides []FieldOverride `yaml:"fieldOverrides,omitempty"`
}

// Identity returns a stable identifier for a definition, usable as a
// deployed index name.
func (d Definition) Identity() string {
	parts := make([]string, 0, len(d.Fields)+1)
	parts = append(parts, d.CollectionGroup)
	for _, f := range d.Fields {
		if f.ArrayContains {
			parts = append(parts, f.Path+":array")
		} else {
			parts = append(parts, fmt.Sprintf("%s:%s", f.Path, strings.ToLower(string(f.Direction))))
		}
	}
	if d.Scope == ScopeCollectionGroup {
		parts = append(parts, "cg")
	}
	return strings.Join(parts, "__")
}

// Equal reports structural equality: collection group, scope, and the
// ordered field list must all match.
func (d Definition) Equal(other Definition) bool {
	if d.CollectionGroup != other.CollectionGroup || d.Scope != other.Scope {
		return false
	}
	if len(d.Fields) != len(other.Fields) {
		return false
	}
	for i := range d.Fields {
		if d.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

// ParseFile loads and validates an index configuration file.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read index config: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes parses an index configuration. Unknown keys are a configuration
// error, not silently ignored.
func ParseBytes(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}

	for i := range cfg.Indexes {
		if err := validateDefinition(&cfg.Indexes[i]); err != nil {
			return nil, fmt.Errorf("%w: index %d (%s): %w", ErrMalformedConfig, i, cfg.Indexes[i].CollectionGroup, err)
		}
	}
	for i, o := range cfg.FieldOverrides {
		if o.CollectionGroup == "" || o.Path == "" {
			return nil, fmt.Errorf("%w: fieldOverride %d: collectionGroup and path are required", ErrMalformedConfig, i)
		}
	}
	return &cfg, nil
}

func validateDefinition(d *Definition) error {
	if d.CollectionGroup == "" {
		return ErrEmptyGroup
	}
	switch d.Scope {
	case ScopeCollection, ScopeCollectionGroup:
	case "":
		return fmt.Errorf("%w: scope is required", ErrUnknownScope)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScope, d.Scope)
	}
	if len(d.Fields) == 0 {
		return ErrNoFields
	}
	for _, f := range d.Fields {
		if f.Path == "" {
			return errors.New("field path cannot be empty")
		}
		if f.ArrayContains {
			if f.Direction != "" {
				return errors.New("field cannot set both direction and arrayContains")
			}
			continue
		}
		switch f.Direction {
		case Asc, Desc:
		case "":
			return fmt.Errorf("%w: direction is required", ErrUnknownDirection)
		default:
			return fmt.Errorf("%w: %q", ErrUnknownDirection, f.Direction)
		}
	}
	return nil
}
