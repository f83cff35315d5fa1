package models

import (
	"encoding/json"
	"fmt"
	"slices"
)

// MappingSchema represents the root of a JSON mapping file. One mapping
// describes one source: how to page through it and which fields to keep.
type MappingSchema struct {
	Entity          string                 `json:"entity"`
	SourceSystem    string                 `json:"sourceSystem"`
	Table           string                 `json:"table"`
	Collection      string                 `json:"collection"`
	IDStrategy      IDStrategy             `json:"idStrategy"`
	PropertiesField string                 `json:"propertiesField,omitempty"`
	Fields          map[string]FieldConfig `json:"fields"`
	Request         RequestConfig          `json:"request"`
}

type IDStrategy struct {
	SourceField string `json:"sourceField"`
	Type        string `json:"type"`
}

type FieldConfig struct {
	Source   string `json:"source"`
	Type     string `json:"type"`
	Format   string `json:"format,omitempty"`
	Default  any    `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// RequestConfig describes how a source is paginated.
type RequestConfig struct {
	Kind         string            `json:"kind"` // http (default) or mongo
	Path         string            `json:"path"`
	ResultsField string            `json:"resultsField"`
	CursorField  string            `json:"cursorField"`
	CursorParam  string            `json:"cursorParam"`
	LimitParam   string            `json:"limitParam"`
	MaxPageSize  int               `json:"maxPageSize"`
	NextLink     bool              `json:"nextLink,omitempty"`
	Query        map[string]string `json:"query,omitempty"`
	SortField    string            `json:"sortField,omitempty"`
}

// Properties lists the source property names the mapping reads.
func (m *MappingSchema) Properties() []string {
	out := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		if !slices.Contains(out, f.Source) {
			out = append(out, f.Source)
		}
	}
	slices.Sort(out)
	return out
}

func (m *MappingSchema) Validate() error {
	if m.Entity == "" {
		return fmt.Errorf("mapping: entity is required")
	}
	if m.IDStrategy.SourceField == "" {
		return fmt.Errorf("mapping %s: idStrategy.sourceField is required", m.Entity)
	}
	for name, f := range m.Fields {
		if f.Source == "" {
			return fmt.Errorf("mapping %s: field %s has no source", m.Entity, name)
		}
		switch f.Type {
		case "", "string", "enum", "int", "decimal", "bool", "datetime", "json":
		default:
			return fmt.Errorf("mapping %s: field %s has unknown type %q", m.Entity, name, f.Type)
		}
	}
	switch m.Request.Kind {
	case "", "http", "mongo":
	default:
		return fmt.Errorf("mapping %s: unknown request kind %q", m.Entity, m.Request.Kind)
	}
	return nil
}

func LoadMapping(data []byte) (*MappingSchema, error) {
	var m MappingSchema
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
