package dataset

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed schema.yaml
var defaultSchema []byte

// Field is one canonical column of the refined table.
type Field struct {
	Name        string   `yaml:"name"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Date        bool     `yaml:"date"`
	Aliases     []string `yaml:"aliases,omitempty"`
}

// Schema is the canonical reference the raw header is mapped onto.
type Schema struct {
	Version string  `yaml:"version"`
	Fields  []Field `yaml:"fields"`
}

// LoadSchema reads a schema file. An empty path loads the built-in
// notification schema.
func LoadSchema(path string) (*Schema, error) {
	data := defaultSchema
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "dataset: read schema %s", path)
		}
	}
	return ParseSchema(data)
}

// ParseSchema decodes and checks a YAML schema.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "dataset: parse schema")
	}
	if s.Version == "" {
		return nil, eris.New("dataset: schema has no version")
	}
	if len(s.Fields) == 0 {
		return nil, eris.New("dataset: schema has no fields")
	}
	seen := make(map[string]bool, len(s.Fields))
	for i := range s.Fields {
		s.Fields[i].Name = strings.ToLower(strings.TrimSpace(s.Fields[i].Name))
		name := s.Fields[i].Name
		if name == "" {
			return nil, eris.Errorf("dataset: schema field %d has no name", i)
		}
		if seen[name] {
			return nil, eris.Errorf("dataset: duplicate schema field %q", name)
		}
		seen[name] = true
	}
	return &s, nil
}

// Names returns the canonical field names in schema order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// Required returns the names of the fields a mapping must cover.
func (s *Schema) Required() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Field looks up a canonical field by name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
