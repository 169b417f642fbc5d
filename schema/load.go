package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk shape of a declared schema document.
type fileFormat struct {
	Tables []TableDescriptor `yaml:"tables"`
}

// Parse decodes a declared schema document and validates it.
func Parse(data []byte) (Schema, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode schema document: %w", err)
	}

	s := make(Schema, len(doc.Tables))
	for _, t := range doc.Tables {
		if _, dup := s[t.Name]; dup {
			return nil, fmt.Errorf("schema declares table %s twice", t.Name)
		}
		s[t.Name] = t
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Load reads and parses the declared schema from a YAML file.
func Load(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return Parse(data)
}

// Marshal renders a schema back to its YAML document form with tables sorted
// by name.
func Marshal(s Schema) ([]byte, error) {
	doc := fileFormat{}
	for _, name := range s.TableNames() {
		doc.Tables = append(doc.Tables, s[name])
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema document: %w", err)
	}
	return data, nil
}
