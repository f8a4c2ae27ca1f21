// Package env resolves an explicit environment selector to a concrete
// database identity. The tool never infers its target from ambient
// defaults; every run names the environment it intends to touch.
package env

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownEnvironment = errors.New("unknown environment")
	ErrMalformedMapping   = errors.New("malformed project mapping")
)

// Target is a fully resolved environment.
type Target struct {
	Name       string `yaml:"-"`
	ProjectID  string `yaml:"project_id"`
	MongoURI   string `yaml:"mongo_uri"`
	Database   string `yaml:"database"`
	Production bool   `yaml:"production,omitempty"`
}

// Mapping is the project-mapping document: a default alias plus the named
// environments.
type Mapping struct {
	Default  string            `yaml:"default"`
	Projects map[string]Target `yaml:"projects"`
}

// LoadMapping reads and validates a project-mapping file.
func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project mapping: %w", err)
	}
	return ParseMapping(data)
}

// ParseMapping parses a project mapping from YAML bytes.
func ParseMapping(data []byte) (*Mapping, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Mapping
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMapping, err)
	}
	if len(m.Projects) == 0 {
		return nil, fmt.Errorf("%w: no projects declared", ErrMalformedMapping)
	}
	for name, t := range m.Projects {
		if t.ProjectID == "" || t.MongoURI == "" || t.Database == "" {
			return nil, fmt.Errorf("%w: project %q must set project_id, mongo_uri, and database", ErrMalformedMapping, name)
		}
	}
	if m.Default != "" {
		if _, ok := m.Projects[m.Default]; !ok {
			return nil, fmt.Errorf("%w: default %q is not a declared project", ErrMalformedMapping, m.Default)
		}
	}
	return &m, nil
}

// Resolve maps a selector ("default", "staging", "production", ...) to its
// target. The "default" selector follows the mapping's default alias.
func (m *Mapping) Resolve(selector string) (Target, error) {
	if selector == "" {
		return Target{}, fmt.Errorf("%w: empty selector", ErrUnknownEnvironment)
	}
	name := selector
	if name == "default" && m.Default != "" {
		name = m.Default
	}
	t, ok := m.Projects[name]
	if !ok {
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, selector)
	}
	t.Name = name
	return t, nil
}
