package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FromYamlFile decodes the YAML file at path into out. Unknown keys are an
// error so that typos do not silently fall back to defaults.
func FromYamlFile(path string, out interface{}) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)

	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return nil
}
