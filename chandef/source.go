// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chandef

import (
	"github.com/creachadair/mds/mapset"
	"gopkg.in/yaml.v3"
)

// A Source is the set of endpoints offered by one publisher, at most one per
// transport type.
type Source struct {
	Defs []Def `yaml:"defs"`
}

// Valid reports whether s is non-empty, every def in s is valid, and no two
// defs share a transport type.
func (s Source) Valid() bool {
	if len(s.Defs) == 0 {
		return false
	}
	seen := mapset.New[Type]()
	for _, d := range s.Defs {
		if !d.Valid() || seen.Has(d.Type) {
			return false
		}
		seen.Add(d.Type)
	}
	return true
}

// Find returns the def of the given type from s, if present.
func (s Source) Find(t Type) (Def, bool) {
	for _, d := range s.Defs {
		if d.Type == t {
			return d, true
		}
	}
	return Def{}, false
}

// Same reports whether s and o contain equal defs, without regard to order.
func (s Source) Same(o Source) bool {
	if len(s.Defs) != len(o.Defs) {
		return false
	}
	for _, d := range s.Defs {
		od, ok := o.Find(d.Type)
		if !ok || !d.Equal(od) {
			return false
		}
	}
	return true
}

// MarshalYAML encodes d as its compact string form.
func (d Def) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML decodes d from its compact string form.
func (d *Def) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDef(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// EncodeYAML renders s as YAML text.
func (s Source) EncodeYAML() ([]byte, error) { return yaml.Marshal(s) }

// DecodeSource parses a YAML encoding of a source.
func DecodeSource(data []byte) (Source, error) {
	var s Source
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Source{}, err
	}
	return s, nil
}
